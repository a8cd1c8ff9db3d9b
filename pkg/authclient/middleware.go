// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authclient

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/sessionbroker/pkg/api/errors"
	"github.com/stacklok/sessionbroker/pkg/logger"
)

// Caller is the authenticated principal attached to the request context.
type Caller struct {
	UserID   string
	Username string
	CrmID    int64
	Roles    []string
	IsAdmin  bool
	// TargetUserID is the user whose data was authorized, if any.
	TargetUserID string
}

type callerKey struct{}

// CallerFromContext returns the caller stored by one of the middlewares.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok
}

func withCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// TargetFunc extracts the user whose data a request touches. An empty result
// means the request is not scoped to a user.
type TargetFunc func(*http.Request) string

// URLParam reads the target user from a chi route parameter.
func URLParam(name string) TargetFunc {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

// RequireBearer authenticates the Authorization bearer token with the broker
// and, when target is non-nil, enforces access to the target user's data.
func RequireBearer(c *Client, target TargetFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := bearer(r)
			if token == "" {
				apierrors.Write(w, http.StatusUnauthorized, "No token provided")
				return
			}

			id, err := c.ValidateToken(ctx, token)
			if err != nil {
				writeFailure(ctx, w, err)
				return
			}
			caller := &Caller{UserID: id.UserID, Username: id.Username, CrmID: id.CrmID, Roles: id.Roles}

			if t := targetOf(r, target); t != "" {
				decision, err := c.ValidateAccess(ctx, token, t)
				if err != nil {
					writeFailure(ctx, w, err)
					return
				}
				if !authorize(ctx, w, caller, decision.HasAccess, decision.IsAdmin, t) {
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(withCaller(ctx, caller)))
		})
	}
}

// RequireSession authenticates the session cookie with the broker and checks
// access to the target user's data, defaulting to the session owner.
func RequireSession(c *Client, cookieName string, target TargetFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			cookie, err := r.Cookie(cookieName)
			if err != nil || cookie.Value == "" {
				apierrors.Write(w, http.StatusUnauthorized, "No active session")
				return
			}

			t := targetOf(r, target)
			decision, err := c.ValidateSession(ctx, cookie.Value, t)
			if err != nil {
				writeFailure(ctx, w, err)
				return
			}
			if t == "" {
				t = decision.CurrentUserID
			}

			caller := &Caller{UserID: decision.CurrentUserID, CrmID: decision.CrmID}
			if !authorize(ctx, w, caller, decision.HasAccess, decision.IsAdmin, t) {
				return
			}
			next.ServeHTTP(w, r.WithContext(withCaller(ctx, caller)))
		})
	}
}

func authorize(ctx context.Context, w http.ResponseWriter, caller *Caller, hasAccess, isAdmin bool, target string) bool {
	caller.IsAdmin = isAdmin
	caller.TargetUserID = target
	if !hasAccess {
		logger.FromContext(ctx).Warn("access denied", "user_id", caller.UserID, "target_user_id", target)
		apierrors.Write(w, http.StatusForbidden, "Access denied")
		return false
	}
	return true
}

func writeFailure(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		apierrors.Write(w, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, ErrBadRequest):
		apierrors.Write(w, http.StatusBadRequest, "Invalid request")
	default:
		logger.FromContext(ctx).Error("session broker call failed", "error", err)
		apierrors.Write(w, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable))
	}
}

func targetOf(r *http.Request, fn TargetFunc) string {
	if fn == nil {
		return ""
	}
	return fn(r)
}

func bearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
