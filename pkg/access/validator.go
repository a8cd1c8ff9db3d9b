// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package access decides whether a caller may see a given user's data and
// resolves callers presented as bearer tokens or session identifiers.
package access

import (
	"context"
	"fmt"
	"slices"

	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/logger"
	"github.com/stacklok/sessionbroker/pkg/session"
)

// Source names how a bearer token was resolved.
type Source string

const (
	// SourceSession means the token belongs to a live broker session.
	SourceSession Source = "session"
	// SourceProvider means the identity provider vouched for the token.
	SourceProvider Source = "provider"
)

// ErrMissingSubject is returned when an otherwise valid token has no sub claim.
var ErrMissingSubject = fmt.Errorf("%w: no user ID in token", brokererrors.ErrNotAuthenticated)

// DefaultAdminRoles grant access to every user's data.
var DefaultAdminRoles = []string{"admin", "reports-admin"}

// SessionResolver looks up live sessions. *session.Broker satisfies it.
type SessionResolver interface {
	GetSession(ctx context.Context, id string) (*session.Record, error)
	GetSessionByAccessToken(ctx context.Context, accessToken string) (*session.Record, error)
}

// Introspector asks the identity provider whether a token is active.
type Introspector interface {
	Introspect(ctx context.Context, accessToken string) (bool, error)
}

// Decision is the outcome of an access check.
type Decision struct {
	HasAccess bool
	IsAdmin   bool
}

// Validator resolves callers and makes access decisions.
type Validator struct {
	sessions     SessionResolver
	introspector Introspector
	adminRoles   []string
}

// Option configures a Validator.
type Option func(*Validator)

// WithAdminRoles replaces the roles that grant access to any user's data.
func WithAdminRoles(roles ...string) Option {
	return func(v *Validator) {
		if len(roles) > 0 {
			v.adminRoles = slices.Clone(roles)
		}
	}
}

// NewValidator creates a Validator.
func NewValidator(sessions SessionResolver, introspector Introspector, opts ...Option) *Validator {
	v := &Validator{
		sessions:     sessions,
		introspector: introspector,
		adminRoles:   slices.Clone(DefaultAdminRoles),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsAdmin reports whether roles contain any admin role.
func (v *Validator) IsAdmin(roles []string) bool {
	for _, r := range roles {
		if slices.Contains(v.adminRoles, r) {
			return true
		}
	}
	return false
}

// Decide grants access to admins and to users asking about themselves.
func (v *Validator) Decide(currentUserID string, roles []string, targetUserID string) Decision {
	isAdmin := v.IsAdmin(roles)
	return Decision{
		HasAccess: isAdmin || (currentUserID != "" && currentUserID == targetUserID),
		IsAdmin:   isAdmin,
	}
}

// ResolveBearer identifies the holder of an access token, preferring a live
// session over a round trip to the identity provider. Provider
// unavailability is returned as-is so callers can tell it apart from an
// invalid token.
func (v *Validator) ResolveBearer(ctx context.Context, token string) (*Identity, Source, error) {
	if token == "" {
		return nil, "", brokererrors.ErrNotAuthenticated
	}

	rec, err := v.sessions.GetSessionByAccessToken(ctx, token)
	if err != nil {
		return nil, "", err
	}
	if rec != nil {
		return IdentityFromRecord(rec), SourceSession, nil
	}

	active, err := v.introspector.Introspect(ctx, token)
	if err != nil {
		return nil, "", err
	}
	if !active {
		return nil, "", brokererrors.ErrNotAuthenticated
	}

	id, err := IdentityFromToken(token)
	if err != nil {
		logger.FromContext(ctx).Warn("active token is not a readable JWT", "error", err)
		return nil, "", fmt.Errorf("%w: %w", brokererrors.ErrNotAuthenticated, err)
	}
	if id.UserID == "" {
		return nil, "", ErrMissingSubject
	}
	return id, SourceProvider, nil
}

// ResolveSession identifies the owner of a live session.
func (v *Validator) ResolveSession(ctx context.Context, sessionID string) (*Identity, error) {
	if sessionID == "" {
		return nil, brokererrors.ErrNoActiveSession
	}
	rec, err := v.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, brokererrors.ErrInvalidSession
	}
	return IdentityFromRecord(rec), nil
}
