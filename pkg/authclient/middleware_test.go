// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cookieName = "bionic_pro_session_id"

// reportsRouter mimics a downstream reports service.
func reportsRouter(c *Client, mw func(*Client, TargetFunc) func(http.Handler) http.Handler) http.Handler {
	echo := func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			http.Error(w, "no caller", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(caller)
	}

	r := chi.NewRouter()
	r.With(mw(c, nil)).Get("/reports", echo)
	r.With(mw(c, URLParam("userID"))).Get("/reports/user/{userID}", echo)
	return r
}

func bearerMW(c *Client, t TargetFunc) func(http.Handler) http.Handler { return RequireBearer(c, t) }

func sessionMW(c *Client, t TargetFunc) func(http.Handler) http.Handler {
	return RequireSession(c, cookieName, t)
}

func TestRequireBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
		wantTarget string
	}{
		{name: "own data", path: "/reports/user/alice", token: aliceToken, wantStatus: http.StatusOK, wantTarget: "alice"},
		{name: "unscoped", path: "/reports", token: aliceToken, wantStatus: http.StatusOK},
		{name: "other user", path: "/reports/user/bob", token: aliceToken, wantStatus: http.StatusForbidden},
		{name: "no token", path: "/reports", wantStatus: http.StatusUnauthorized},
		{name: "forged token", path: "/reports", token: "forged", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t)
			h := reportsRouter(c, bearerMW)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var caller Caller
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&caller))
			assert.Equal(t, "alice", caller.UserID)
			assert.Equal(t, int64(42), caller.CrmID)
			assert.Equal(t, tt.wantTarget, caller.TargetUserID)
		})
	}
}

func TestRequireSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		sessionID  string
		wantStatus int
		wantTarget string
	}{
		{name: "own data", path: "/reports/user/alice", sessionID: aliceSession, wantStatus: http.StatusOK, wantTarget: "alice"},
		{name: "defaults to owner", path: "/reports", sessionID: aliceSession, wantStatus: http.StatusOK, wantTarget: "alice"},
		{name: "other user", path: "/reports/user/bob", sessionID: aliceSession, wantStatus: http.StatusForbidden},
		{name: "no cookie", path: "/reports", wantStatus: http.StatusUnauthorized},
		{name: "unknown session", path: "/reports", sessionID: "expired", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t)
			h := reportsRouter(c, sessionMW)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.sessionID != "" {
				req.AddCookie(&http.Cookie{Name: cookieName, Value: tt.sessionID})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var caller Caller
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&caller))
			assert.Equal(t, "alice", caller.UserID)
			assert.Equal(t, tt.wantTarget, caller.TargetUserID)
		})
	}
}

func TestMiddlewareBrokerDown(t *testing.T) {
	t.Parallel()

	c, fb := newTestClient(t)
	fb.failing.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: aliceSession})
	rec := httptest.NewRecorder()
	reportsRouter(c, sessionMW).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Service Unavailable"}`, rec.Body.String())
}

func TestMiddlewareSkipsBrokerWithoutCredentials(t *testing.T) {
	t.Parallel()

	c, fb := newTestClient(t)

	rec := httptest.NewRecorder()
	reportsRouter(c, bearerMW).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, fb.calls.Load())
}
