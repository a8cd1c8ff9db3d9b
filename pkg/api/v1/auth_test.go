// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/sessionbroker/pkg/access"
	"github.com/stacklok/sessionbroker/pkg/api/middleware"
	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/idp"
	idpmocks "github.com/stacklok/sessionbroker/pkg/idp/mocks"
	"github.com/stacklok/sessionbroker/pkg/session"
	"github.com/stacklok/sessionbroker/pkg/session/store"
	"github.com/stacklok/sessionbroker/pkg/tokencipher"
)

type testAPI struct {
	handler  http.Handler
	broker   *session.Broker
	provider *idpmocks.MockProvider
	cookie   *middleware.SessionCookie
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	key, err := tokencipher.GenerateKey()
	require.NoError(t, err)
	c, err := tokencipher.NewFromBase64(tokencipher.AlgorithmAESGCM, key)
	require.NoError(t, err)

	provider := idpmocks.NewMockProvider(gomock.NewController(t))
	b, err := session.NewBroker(s, c, provider)
	require.NoError(t, err)

	cookie := middleware.NewSessionCookie("", true, 30*time.Minute)
	routes := NewAuthRoutes(b, provider, access.NewValidator(b, provider), cookie, nil)

	r := chi.NewRouter()
	r.Use(middleware.SessionRotation(b, cookie, time.Second))
	r.Mount("/api/auth", AuthRouter(routes))

	return &testAPI{handler: r, broker: b, provider: provider, cookie: cookie}
}

func accessToken(t *testing.T, sub, username string, crmID any, realmRoles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":                sub,
		"preferred_username": username,
		"exp":                time.Now().Add(5 * time.Minute).Unix(),
		"jti":                fmt.Sprint(time.Now().UnixNano()),
		"realm_access":       map[string]any{"roles": realmRoles},
	}
	if crmID != nil {
		claims["crm_id"] = crmID
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func tokensFor(access string) *idp.TokenSet {
	return &idp.TokenSet{
		AccessToken:      access,
		RefreshToken:     "refresh-" + access[len(access)-8:],
		TokenType:        "Bearer",
		ExpiresIn:        300,
		RefreshExpiresIn: 1800,
	}
}

func (api *testAPI) do(t *testing.T, method, target, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	return rec
}

func withCookie(c *middleware.SessionCookie, id string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: id})
	}
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func sessionCookieValue(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.DefaultCookieName {
			return c.Value
		}
	}
	t.Fatalf("no session cookie in response")
	return ""
}

func (api *testAPI) login(t *testing.T, token string) string {
	t.Helper()
	api.provider.EXPECT().Authenticate(gomock.Any(), "alice", "wonderland").Return(tokensFor(token), nil)
	rec := api.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wonderland"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return sessionCookieValue(t, rec)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLogin(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	token := accessToken(t, "user-alice", "alice", "42", "user")
	api.provider.EXPECT().Authenticate(gomock.Any(), "alice", "wonderland").Return(tokensFor(token), nil)

	rec := api.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wonderland"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Login successful","user":{"id":"user-alice","username":"alice"}}`, rec.Body.String())

	sid := sessionCookieValue(t, rec)
	rec2, err := api.broker.GetSession(context.Background(), sid)
	require.NoError(t, err)
	require.NotNil(t, rec2)
	assert.Equal(t, int64(42), rec2.CrmID)
	assert.Equal(t, []string{"user"}, rec2.Roles)
}

func TestLogin_UsernameFallback(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	token := accessToken(t, "user-alice", "", nil)
	api.provider.EXPECT().Authenticate(gomock.Any(), "alice", "wonderland").Return(tokensFor(token), nil)

	rec := api.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wonderland"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Login successful","user":{"id":"user-alice","username":"alice"}}`, rec.Body.String())
}

func TestLogin_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		setup    func(p *idpmocks.MockProvider)
		wantCode int
		wantBody string
	}{
		{
			name:     "malformed body",
			body:     `{"username":`,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"Invalid request body"}`,
		},
		{
			name:     "missing password",
			body:     `{"username":"alice"}`,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"Username and password are required"}`,
		},
		{
			name: "rejected credentials",
			body: `{"username":"alice","password":"wrong"}`,
			setup: func(p *idpmocks.MockProvider) {
				p.EXPECT().Authenticate(gomock.Any(), "alice", "wrong").Return(nil, nil)
			},
			wantCode: http.StatusUnauthorized,
			wantBody: `{"error":"Invalid credentials"}`,
		},
		{
			name: "provider unavailable",
			body: `{"username":"alice","password":"wonderland"}`,
			setup: func(p *idpmocks.MockProvider) {
				p.EXPECT().Authenticate(gomock.Any(), "alice", "wonderland").
					Return(nil, fmt.Errorf("token endpoint: %w", brokererrors.ErrProviderUnavailable))
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: `{"error":"Service Unavailable"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newTestAPI(t)
			if tt.setup != nil {
				tt.setup(api.provider)
			}

			rec := api.do(t, http.MethodPost, "/api/auth/login", tt.body, nil)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			assert.Empty(t, rec.Result().Cookies(), "failed logins must not set a cookie")
		})
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	sid := api.login(t, accessToken(t, "user-alice", "alice", "42", "user"))

	rec := api.do(t, http.MethodGet, "/api/auth/session", "", withCookie(api.cookie, sid))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "user-alice", body["userId"])
	assert.EqualValues(t, 42, body["crmId"])
	assert.Equal(t, "alice", body["username"])
	assert.Contains(t, body, "expiresAt")
	assert.Contains(t, body, "refreshExpiresAt")

	rotated := sessionCookieValue(t, rec)
	assert.NotEqual(t, sid, rotated, "each authenticated request rotates the session id")

	stale := api.do(t, http.MethodGet, "/api/auth/session", "", withCookie(api.cookie, sid))
	assert.Equal(t, http.StatusUnauthorized, stale.Code)
	assert.JSONEq(t, `{"error":"Invalid session"}`, stale.Body.String())

	fresh := api.do(t, http.MethodGet, "/api/auth/session", "", withCookie(api.cookie, rotated))
	assert.Equal(t, http.StatusOK, fresh.Code)
}

func TestGetSession_RejectedRefreshNearExpiry(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	tokens := tokensFor(accessToken(t, "user-alice", "alice", "42", "user"))
	tokens.ExpiresIn = 10
	api.provider.EXPECT().Authenticate(gomock.Any(), "alice", "wonderland").Return(tokens, nil)
	login := api.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wonderland"}`, nil)
	require.Equal(t, http.StatusOK, login.Code)
	sid := sessionCookieValue(t, login)

	api.provider.EXPECT().Refresh(gomock.Any(), tokens.RefreshToken).Return(nil, nil)

	rec := api.do(t, http.MethodGet, "/api/auth/session", "", withCookie(api.cookie, sid))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid session"}`, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestGetSession_NoCookie(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/auth/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"No active session"}`, rec.Body.String())
}

func TestLogout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := newTestAPI(t)
	sid := api.login(t, accessToken(t, "user-alice", "alice", "42", "user"))

	api.provider.EXPECT().Revoke(gomock.Any(), gomock.Any())

	rec := api.do(t, http.MethodPost, "/api/auth/logout", "", withCookie(api.cookie, sid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Logout successful"}`, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)

	old, err := api.broker.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, old)

	after := api.do(t, http.MethodGet, "/api/auth/session", "", withCookie(api.cookie, sid))
	assert.Equal(t, http.StatusUnauthorized, after.Code)
}

func TestLogout_WithoutSession(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Logout successful"}`, rec.Body.String())
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	sid := api.login(t, accessToken(t, "user-alice", "alice", "42", "user"))

	renewed := accessToken(t, "user-alice", "alice", "42", "user")
	api.provider.EXPECT().Refresh(gomock.Any(), gomock.Any()).Return(tokensFor(renewed), nil)

	rec := api.do(t, http.MethodPost, "/api/auth/refresh", "", withCookie(api.cookie, sid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["refreshed"])

	current, err := api.broker.GetSession(context.Background(), sessionCookieValue(t, rec))
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, renewed, current.AccessToken)
}

func TestRefresh_Rejected(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	sid := api.login(t, accessToken(t, "user-alice", "alice", "42", "user"))

	api.provider.EXPECT().Refresh(gomock.Any(), gomock.Any()).Return(nil, nil)

	rec := api.do(t, http.MethodPost, "/api/auth/refresh", "", withCookie(api.cookie, sid))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid session"}`, rec.Body.String())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	sessionToken := accessToken(t, "user-alice", "alice", "42", "user")
	api.login(t, sessionToken)

	t.Run("session token", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/auth/validate", "", withBearer(sessionToken))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[ValidateResponse](t, rec)
		assert.True(t, body.IsValid)
		assert.Equal(t, "session", body.Source)
		assert.Equal(t, "user-alice", body.UserID)
		assert.Equal(t, int64(42), body.CrmID)
		assert.Equal(t, []string{"user"}, body.Roles)
	})

	t.Run("provider token", func(t *testing.T) {
		foreign := accessToken(t, "user-bob", "bob", float64(7), "reports-admin")
		api.provider.EXPECT().Introspect(gomock.Any(), foreign).Return(true, nil)

		rec := api.do(t, http.MethodPost, "/api/auth/validate", "", withBearer(foreign))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[ValidateResponse](t, rec)
		assert.True(t, body.IsValid)
		assert.Equal(t, "provider", body.Source)
		assert.Equal(t, int64(7), body.CrmID)
		assert.Equal(t, []string{"reports-admin"}, body.Roles)
		assert.False(t, body.ExpiresAt.IsZero())
	})

	t.Run("inactive token", func(t *testing.T) {
		api.provider.EXPECT().Introspect(gomock.Any(), "revoked").Return(false, nil)

		rec := api.do(t, http.MethodPost, "/api/auth/validate", "", withBearer("revoked"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"isValid":false,"error":"Invalid token"}`, rec.Body.String())
	})

	t.Run("token without subject", func(t *testing.T) {
		anonymous := accessToken(t, "", "ghost", nil)
		api.provider.EXPECT().Introspect(gomock.Any(), anonymous).Return(true, nil)

		rec := api.do(t, http.MethodPost, "/api/auth/validate", "", withBearer(anonymous))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"isValid":false,"error":"No user ID in token"}`, rec.Body.String())
	})

	t.Run("no token", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/auth/validate", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"isValid":false,"error":"No token provided"}`, rec.Body.String())
	})

	t.Run("provider unavailable", func(t *testing.T) {
		api.provider.EXPECT().Introspect(gomock.Any(), "opaque").
			Return(false, fmt.Errorf("introspect: %w", brokererrors.ErrProviderUnavailable))

		rec := api.do(t, http.MethodPost, "/api/auth/validate", "", withBearer("opaque"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestValidateAccess(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	aliceToken := accessToken(t, "user-alice", "alice", "42", "user")
	api.login(t, aliceToken)

	adminToken := accessToken(t, "user-admin", "admin", nil, "admin")
	api.provider.EXPECT().Introspect(gomock.Any(), adminToken).Return(true, nil).AnyTimes()

	tests := []struct {
		name     string
		target   string
		token    string
		wantCode int
		want     AccessResponse
	}{
		{
			name:     "own data",
			target:   "user-alice",
			token:    aliceToken,
			wantCode: http.StatusOK,
			want:     AccessResponse{HasAccess: true, CurrentUserID: "user-alice", CrmID: 42},
		},
		{
			name:     "someone else's data",
			target:   "user-bob",
			token:    aliceToken,
			wantCode: http.StatusOK,
			want:     AccessResponse{CurrentUserID: "user-alice", CrmID: 42, Error: accessDeniedMessage},
		},
		{
			name:     "admin",
			target:   "user-bob",
			token:    adminToken,
			wantCode: http.StatusOK,
			want:     AccessResponse{HasAccess: true, CurrentUserID: "user-admin", IsAdmin: true},
		},
		{
			name:     "missing target",
			token:    aliceToken,
			wantCode: http.StatusBadRequest,
			want:     AccessResponse{Error: "Target user ID is required"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/auth/validate-access"
			if tt.target != "" {
				target += "?targetUserId=" + tt.target
			}
			rec := api.do(t, http.MethodGet, target, "", withBearer(tt.token))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.want, decode[AccessResponse](t, rec))
		})
	}
}

func TestValidateAccess_CookieFallback(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	sid := api.login(t, accessToken(t, "user-alice", "alice", "42", "user"))

	api.provider.EXPECT().Introspect(gomock.Any(), "stale").Return(false, nil)

	rec := api.do(t, http.MethodGet, "/api/auth/validate-access?targetUserId=user-alice", "", func(r *http.Request) {
		withBearer("stale")(r)
		withCookie(api.cookie, sid)(r)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[AccessResponse](t, rec).HasAccess)
}

func TestValidateAccess_Unauthenticated(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/auth/validate-access?targetUserId=user-alice", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, AccessResponse{Error: "Not authenticated"}, decode[AccessResponse](t, rec))

	rec = api.do(t, http.MethodGet, "/api/auth/validate-access?targetUserId=user-alice", "",
		withCookie(api.cookie, "unknown"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateAccessBySessionID(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	sid := api.login(t, accessToken(t, "user-alice", "alice", "42", "user"))

	tests := []struct {
		name     string
		query    string
		wantCode int
		want     AccessResponse
	}{
		{
			name:     "defaults to own data",
			query:    "sessionId=" + sid,
			wantCode: http.StatusOK,
			want:     AccessResponse{HasAccess: true, CurrentUserID: "user-alice", CrmID: 42},
		},
		{
			name:     "explicit other target",
			query:    "sessionId=" + sid + "&targetUserId=user-bob",
			wantCode: http.StatusOK,
			want:     AccessResponse{CurrentUserID: "user-alice", CrmID: 42, Error: accessDeniedMessage},
		},
		{
			name:     "unknown session",
			query:    "sessionId=nope",
			wantCode: http.StatusUnauthorized,
			want:     AccessResponse{Error: "Invalid session"},
		},
		{
			name:     "missing session id",
			query:    "",
			wantCode: http.StatusBadRequest,
			want:     AccessResponse{Error: "Session ID is required"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, "/api/auth/validate-access-by-session-id?"+tt.query, "", nil)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.want, decode[AccessResponse](t, rec))
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Bearer abc":  "abc",
		"bearer abc":  "abc",
		"Basic abc":   "",
		"Bearer":      "",
		"":            "",
		"Bearer  abc": "abc",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		assert.Equal(t, want, bearerToken(req), header)
	}
}
