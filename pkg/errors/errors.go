// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the session broker.
//
// Every sentinel carries the HTTP status it maps to, so handlers can return
// wrapped errors and let the API error handler pick the response code with
// [httperr.Code].
package errors

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrInvalidCredentials is returned when the identity provider rejects a login.
	ErrInvalidCredentials = httperr.WithCode(errors.New("invalid credentials"), http.StatusUnauthorized)

	// ErrNoActiveSession is returned when a request carries no session cookie.
	ErrNoActiveSession = httperr.WithCode(errors.New("no active session"), http.StatusUnauthorized)

	// ErrInvalidSession is returned when a session identifier does not resolve to a live session.
	ErrInvalidSession = httperr.WithCode(errors.New("invalid session"), http.StatusUnauthorized)

	// ErrNotAuthenticated is returned when a bearer token cannot be resolved to an identity.
	ErrNotAuthenticated = httperr.WithCode(errors.New("not authenticated"), http.StatusUnauthorized)

	// ErrAccessDenied is returned when the caller may not access the target user's data.
	ErrAccessDenied = httperr.WithCode(errors.New("access denied"), http.StatusForbidden)

	// ErrInvalidRequest is returned for malformed or incomplete requests.
	ErrInvalidRequest = httperr.WithCode(errors.New("invalid request"), http.StatusBadRequest)

	// ErrRateLimited is returned when a client exceeds the login rate limit.
	ErrRateLimited = httperr.WithCode(errors.New("too many requests"), http.StatusTooManyRequests)

	// ErrProviderUnavailable is returned when the identity provider cannot be reached,
	// times out, or answers with a server error.
	ErrProviderUnavailable = httperr.WithCode(errors.New("identity provider unavailable"), http.StatusServiceUnavailable)

	// ErrEncryptionFailure is returned when stored secret material cannot be decrypted.
	ErrEncryptionFailure = httperr.WithCode(errors.New("token encryption failure"), http.StatusInternalServerError)

	// ErrInternal is returned for unexpected failures such as storage errors.
	ErrInternal = httperr.WithCode(errors.New("internal error"), http.StatusInternalServerError)
)

// Code returns the HTTP status code associated with err.
// Errors outside the taxonomy map to 500.
func Code(err error) int {
	return httperr.Code(err)
}
