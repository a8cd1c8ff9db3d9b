// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package idp talks to the upstream OpenID Connect identity provider.
//
// Credential and token rejections are not errors: Authenticate and Refresh
// return a nil TokenSet and a nil error when the provider answers with a
// client error. Errors are reserved for the provider being unreachable,
// timing out, or failing, and always wrap [errors.ErrProviderUnavailable].
package idp

import (
	"context"
)

// TokenSet is the raw token response from the identity provider.
// Lifetimes are relative; the session broker converts them using its own clock.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	TokenType        string
	Scope            string
	SessionState     string
	ExpiresIn        int64
	RefreshExpiresIn int64
}

// Provider is the contract the session broker uses to reach the identity provider.
//
//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider
type Provider interface {
	// Authenticate performs a resource-owner password grant.
	Authenticate(ctx context.Context, username, password string) (*TokenSet, error)
	// Refresh exchanges a refresh token for a new token set.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	// Introspect reports whether the provider considers accessToken active.
	Introspect(ctx context.Context, accessToken string) (bool, error)
	// Revoke ends the provider-side session bound to refreshToken.
	// Failures are logged and never returned.
	Revoke(ctx context.Context, refreshToken string)
}
