// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 provides the session broker's authentication API.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/sessionbroker/pkg/access"
	apierrors "github.com/stacklok/sessionbroker/pkg/api/errors"
	"github.com/stacklok/sessionbroker/pkg/api/middleware"
	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/idp"
	"github.com/stacklok/sessionbroker/pkg/logger"
	"github.com/stacklok/sessionbroker/pkg/session"
)

const maxRequestBodyBytes = 64 << 10

const accessDeniedMessage = "Access denied. You can only access your own data."

// SessionBroker is the subset of *session.Broker the routes need.
type SessionBroker interface {
	CreateSession(ctx context.Context, tokens *idp.TokenSet, username, userID string, crmID int64, roles []string) (string, error)
	GetSession(ctx context.Context, id string) (*session.Record, error)
	RefreshSessionToken(ctx context.Context, id string) (bool, error)
	IsSessionValid(ctx context.Context, id string) (bool, error)
	RemoveSession(ctx context.Context, id string) error
}

// AuthRoutes serves /api/auth.
type AuthRoutes struct {
	broker    SessionBroker
	provider  idp.Provider
	validator *access.Validator
	cookie    *middleware.SessionCookie
	limiter   *middleware.IPRateLimiter
}

// NewAuthRoutes creates the auth routes. limiter may be nil to disable login
// rate limiting.
func NewAuthRoutes(
	broker SessionBroker,
	provider idp.Provider,
	validator *access.Validator,
	cookie *middleware.SessionCookie,
	limiter *middleware.IPRateLimiter,
) *AuthRoutes {
	return &AuthRoutes{
		broker:    broker,
		provider:  provider,
		validator: validator,
		cookie:    cookie,
		limiter:   limiter,
	}
}

// AuthRouter creates a new router for the auth API.
func AuthRouter(routes *AuthRoutes) http.Handler {
	r := chi.NewRouter()

	if routes.limiter != nil {
		r.With(routes.limiter.Middleware).Post("/login", apierrors.ErrorHandler(routes.login))
	} else {
		r.Post("/login", apierrors.ErrorHandler(routes.login))
	}

	r.Post("/logout", apierrors.ErrorHandler(routes.logout))
	r.Get("/session", apierrors.ErrorHandler(routes.getSession))
	r.Post("/refresh", apierrors.ErrorHandler(routes.refresh))
	r.Post("/validate", apierrors.ErrorHandler(routes.validate))
	r.Get("/validate-access", apierrors.ErrorHandler(routes.validateAccess))
	r.Get("/validate-access-by-session-id", apierrors.ErrorHandler(routes.validateAccessBySessionID))

	return r
}

// login exchanges credentials for a session cookie.
func (a *AuthRoutes) login(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	var req loginRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierrors.WithMessage(fmt.Errorf("%w: %w", brokererrors.ErrInvalidRequest, err), "Invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return apierrors.WithMessage(brokererrors.ErrInvalidRequest, "Username and password are required")
	}

	tokens, err := a.provider.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return err
	}
	if tokens == nil {
		logger.FromContext(ctx).Info("login rejected", "username", req.Username)
		return brokererrors.ErrInvalidCredentials
	}

	id, err := access.IdentityFromToken(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("%w: unreadable access token: %w", brokererrors.ErrInternal, err)
	}
	username := id.Username
	if username == "" {
		username = req.Username
	}

	sessionID, err := a.broker.CreateSession(ctx, tokens, username, id.UserID, id.CrmID, id.Roles)
	if err != nil {
		return err
	}

	// A cookie that was still live is replaced; drop its rotated copy.
	if rot, ok := middleware.RotationFromContext(ctx); ok {
		a.provider.Revoke(ctx, rot.Record.RefreshToken)
		if err := a.broker.RemoveSession(ctx, rot.NewID); err != nil {
			logger.FromContext(ctx).Warn("failed to remove replaced session",
				"session", logger.Fingerprint(rot.NewID), "error", err)
		}
	}

	a.cookie.Set(w, sessionID)
	writeJSON(w, http.StatusOK, loginResponse{
		Message: "Login successful",
		User:    loginUser{ID: id.UserID, Username: username},
	})
	return nil
}

// logout ends the session. It succeeds even without a session.
func (a *AuthRoutes) logout(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var (
		ids []string
		rec *session.Record
	)
	if rot, ok := middleware.RotationFromContext(ctx); ok {
		ids = []string{rot.NewID, rot.OldID}
		rec = rot.Record
	} else if id := a.cookie.Read(r); id != "" {
		ids = []string{id}
		var err error
		if rec, err = a.broker.GetSession(ctx, id); err != nil {
			log.Warn("could not load session during logout", "error", err)
		}
	}

	if rec != nil {
		a.provider.Revoke(ctx, rec.RefreshToken)
	}

	a.cookie.Clear(w)

	var removeErr error
	for _, id := range ids {
		if err := a.broker.RemoveSession(ctx, id); err != nil {
			removeErr = errors.Join(removeErr, err)
		}
	}
	if removeErr != nil {
		return removeErr
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logout successful"})
	return nil
}

// getSession describes the caller's session, refreshing its tokens first
// when the access token is about to expire.
func (a *AuthRoutes) getSession(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	rec, err := a.currentSession(r)
	if err != nil {
		return err
	}

	valid, err := a.broker.IsSessionValid(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	if valid {
		rec, err = a.broker.GetSession(ctx, rec.SessionID)
		if err != nil {
			return err
		}
	}
	if !valid || rec == nil {
		a.cookie.Clear(w)
		return brokererrors.ErrInvalidSession
	}

	roles := rec.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:           rec.UserID,
		CrmID:            rec.CrmID,
		Username:         rec.Username,
		Roles:            roles,
		ExpiresAt:        rec.AccessTokenExpiresAt,
		RefreshExpiresAt: rec.RefreshTokenExpiresAt,
	})
	return nil
}

// refresh renews the caller's tokens with the identity provider.
func (a *AuthRoutes) refresh(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	rec, err := a.currentSession(r)
	if err != nil {
		return err
	}

	ok, err := a.broker.RefreshSessionToken(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	if !ok {
		a.cookie.Clear(w)
		return brokererrors.ErrInvalidSession
	}

	updated, err := a.broker.GetSession(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	if updated == nil {
		a.cookie.Clear(w)
		return brokererrors.ErrInvalidSession
	}

	writeJSON(w, http.StatusOK, refreshResponse{Refreshed: true, ExpiresAt: updated.AccessTokenExpiresAt})
	return nil
}

// validate tells a downstream service who holds a bearer token.
func (a *AuthRoutes) validate(w http.ResponseWriter, r *http.Request) error {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, ValidateResponse{Error: "No token provided"})
		return nil
	}

	id, source, err := a.validator.ResolveBearer(r.Context(), token)
	switch {
	case errors.Is(err, access.ErrMissingSubject):
		writeJSON(w, http.StatusUnauthorized, ValidateResponse{Error: "No user ID in token"})
		return nil
	case errors.Is(err, brokererrors.ErrNotAuthenticated):
		writeJSON(w, http.StatusUnauthorized, ValidateResponse{Error: "Invalid token"})
		return nil
	case err != nil:
		return err
	}

	roles := id.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, ValidateResponse{
		IsValid:   true,
		UserID:    id.UserID,
		CrmID:     id.CrmID,
		Username:  id.Username,
		Roles:     roles,
		ExpiresAt: id.ExpiresAt,
		Source:    string(source),
	})
	return nil
}

// validateAccess decides whether the caller may see targetUserId's data.
// The caller is identified by bearer token first, then by session cookie.
func (a *AuthRoutes) validateAccess(w http.ResponseWriter, r *http.Request) error {
	target := r.URL.Query().Get("targetUserId")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, AccessResponse{Error: "Target user ID is required"})
		return nil
	}

	id, err := a.resolveCaller(r)
	if isUnauthenticated(err) {
		writeJSON(w, http.StatusUnauthorized, AccessResponse{Error: "Not authenticated"})
		return nil
	}
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, a.decide(id, target))
	return nil
}

// validateAccessBySessionID is the cookie-less variant used by services that
// were handed a session identifier.
func (a *AuthRoutes) validateAccessBySessionID(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, AccessResponse{Error: "Session ID is required"})
		return nil
	}

	id, err := a.validator.ResolveSession(r.Context(), sessionID)
	if isUnauthenticated(err) {
		writeJSON(w, http.StatusUnauthorized, AccessResponse{Error: "Invalid session"})
		return nil
	}
	if err != nil {
		return err
	}

	target := q.Get("targetUserId")
	if target == "" {
		target = id.UserID
	}
	writeJSON(w, http.StatusOK, a.decide(id, target))
	return nil
}

func (a *AuthRoutes) decide(id *access.Identity, target string) AccessResponse {
	d := a.validator.Decide(id.UserID, id.Roles, target)
	resp := AccessResponse{
		HasAccess:     d.HasAccess,
		CurrentUserID: id.UserID,
		CrmID:         id.CrmID,
		IsAdmin:       d.IsAdmin,
	}
	if !d.HasAccess {
		resp.Error = accessDeniedMessage
	}
	return resp
}

func (a *AuthRoutes) resolveCaller(r *http.Request) (*access.Identity, error) {
	ctx := r.Context()

	if token := bearerToken(r); token != "" {
		id, _, err := a.validator.ResolveBearer(ctx, token)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, brokererrors.ErrNotAuthenticated) {
			return nil, err
		}
	}

	if rot, ok := middleware.RotationFromContext(ctx); ok {
		return access.IdentityFromRecord(rot.Record), nil
	}
	if sessionID := a.cookie.Read(r); sessionID != "" {
		return a.validator.ResolveSession(ctx, sessionID)
	}
	return nil, brokererrors.ErrNotAuthenticated
}

// currentSession returns the session behind the request cookie, preferring
// the copy created by the rotation middleware.
func (a *AuthRoutes) currentSession(r *http.Request) (*session.Record, error) {
	if rot, ok := middleware.RotationFromContext(r.Context()); ok {
		return rot.Record, nil
	}

	id := a.cookie.Read(r)
	if id == "" {
		return nil, brokererrors.ErrNoActiveSession
	}
	rec, err := a.broker.GetSession(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, brokererrors.ErrInvalidSession
	}
	return rec, nil
}

func isUnauthenticated(err error) bool {
	return errors.Is(err, brokererrors.ErrNotAuthenticated) ||
		errors.Is(err, brokererrors.ErrNoActiveSession) ||
		errors.Is(err, brokererrors.ErrInvalidSession)
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
