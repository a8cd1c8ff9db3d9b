// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides an in-process fake of a Keycloak realm for tests.
//
// It implements the password and refresh_token grants, RFC 7662
// introspection, the logout endpoint and OIDC discovery, issuing HS256
// signed access tokens that carry the user's roles in both the flat and the
// Keycloak nested claim layouts.
package testkit

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Realm is the realm name served by the fake.
const Realm = "reports-realm"

// User is an account known to the fake realm.
type User struct {
	ID          string
	Username    string
	Password    string
	CrmID       string
	RealmRoles  []string
	ClientRoles map[string][]string
}

type issuedRefresh struct {
	user      *User
	expiresAt time.Time
}

// KeycloakServer is a running fake realm.
type KeycloakServer struct {
	*httptest.Server

	ClientID     string
	ClientSecret string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	mu       sync.Mutex
	users    map[string]*User
	refresh  map[string]issuedRefresh
	access   map[string]bool
	logouts  []string
	failNext atomic.Int32
	unavail  atomic.Bool
	signKey  []byte
	grants   atomic.Int32
	lastForm atomic.Value
}

// KeycloakOption configures a KeycloakServer.
type KeycloakOption func(*KeycloakServer)

// WithUser registers an account.
func WithUser(u User) KeycloakOption {
	return func(s *KeycloakServer) {
		s.users[u.Username] = &u
	}
}

// WithTokenLifetimes sets access and refresh token lifetimes.
func WithTokenLifetimes(access, refresh time.Duration) KeycloakOption {
	return func(s *KeycloakServer) {
		s.AccessTTL = access
		s.RefreshTTL = refresh
	}
}

// NewKeycloakTestServer starts a fake realm. Call Close when done.
func NewKeycloakTestServer(opts ...KeycloakOption) *KeycloakServer {
	key := make([]byte, 32)
	_, _ = rand.Read(key)

	s := &KeycloakServer{
		ClientID:     "reports-api",
		ClientSecret: "s3cr3t",
		AccessTTL:    5 * time.Minute,
		RefreshTTL:   30 * time.Minute,
		users:        make(map[string]*User),
		refresh:      make(map[string]issuedRefresh),
		access:       make(map[string]bool),
		signKey:      key,
	}
	for _, opt := range opts {
		opt(s)
	}

	base := "/realms/" + Realm
	r := chi.NewRouter()
	r.Use(s.unavailableMiddleware)
	r.Get(base+"/.well-known/openid-configuration", s.discovery)
	r.Post(base+"/protocol/openid-connect/token", s.token)
	r.Post(base+"/protocol/openid-connect/token/introspect", s.introspect)
	r.Post(base+"/protocol/openid-connect/logout", s.logout)

	s.Server = httptest.NewServer(r)
	return s
}

// Issuer returns the realm issuer URL.
func (s *KeycloakServer) Issuer() string {
	return s.URL + "/realms/" + Realm
}

// SetUnavailable makes every endpoint answer 503 until reset.
func (s *KeycloakServer) SetUnavailable(v bool) {
	s.unavail.Store(v)
}

// FailNext makes the next n requests answer 500.
func (s *KeycloakServer) FailNext(n int) {
	s.failNext.Store(int32(n)) // #nosec G115 -- test helper with small values
}

// GrantCount returns how many token grants succeeded.
func (s *KeycloakServer) GrantCount() int {
	return int(s.grants.Load())
}

// Logouts returns the refresh tokens posted to the logout endpoint.
func (s *KeycloakServer) Logouts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logouts...)
}

// LastForm returns the form of the most recent token request.
func (s *KeycloakServer) LastForm() map[string][]string {
	v, _ := s.lastForm.Load().(map[string][]string)
	return v
}

// RevokeAccessToken marks an issued access token inactive.
func (s *KeycloakServer) RevokeAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, token)
}

// IssueAccessToken mints an active access token for username without a grant.
func (s *KeycloakServer) IssueAccessToken(username string) (string, error) {
	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %s", username)
	}
	return s.mintAccess(u)
}

func (s *KeycloakServer) unavailableMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.unavail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if s.failNext.Load() > 0 {
			s.failNext.Add(-1)
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *KeycloakServer) discovery(w http.ResponseWriter, _ *http.Request) {
	issuer := s.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/protocol/openid-connect/auth",
		"token_endpoint":         issuer + "/protocol/openid-connect/token",
		"introspection_endpoint": issuer + "/protocol/openid-connect/token/introspect",
		"end_session_endpoint":   issuer + "/protocol/openid-connect/logout",
		"jwks_uri":               issuer + "/protocol/openid-connect/certs",
	})
}

func (s *KeycloakServer) clientOK(r *http.Request) bool {
	return r.PostForm.Get("client_id") == s.ClientID && r.PostForm.Get("client_secret") == s.ClientSecret
}

func (s *KeycloakServer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	s.lastForm.Store(map[string][]string(r.PostForm))
	if !s.clientOK(r) {
		oauthError(w, http.StatusUnauthorized, "unauthorized_client")
		return
	}

	var user *User
	switch r.PostForm.Get("grant_type") {
	case "password":
		s.mu.Lock()
		u, ok := s.users[r.PostForm.Get("username")]
		s.mu.Unlock()
		if !ok || u.Password != r.PostForm.Get("password") {
			oauthError(w, http.StatusUnauthorized, "invalid_grant")
			return
		}
		user = u
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		s.mu.Lock()
		issued, ok := s.refresh[rt]
		delete(s.refresh, rt)
		s.mu.Unlock()
		if !ok || time.Now().After(issued.expiresAt) {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		user = issued.user
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	access, err := s.mintAccess(user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	refresh := randomToken()

	s.mu.Lock()
	s.refresh[refresh] = issuedRefresh{user: user, expiresAt: time.Now().Add(s.RefreshTTL)}
	s.mu.Unlock()
	s.grants.Add(1)

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       access,
		"refresh_token":      refresh,
		"token_type":         "Bearer",
		"expires_in":         int(s.AccessTTL.Seconds()),
		"refresh_expires_in": int(s.RefreshTTL.Seconds()),
		"session_state":      randomToken(),
		"scope":              "openid profile email",
	})
}

func (s *KeycloakServer) introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.clientOK(r) {
		oauthError(w, http.StatusUnauthorized, "unauthorized_client")
		return
	}
	s.mu.Lock()
	active := s.access[r.PostForm.Get("token")]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (s *KeycloakServer) logout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.clientOK(r) {
		oauthError(w, http.StatusUnauthorized, "unauthorized_client")
		return
	}
	rt := r.PostForm.Get("refresh_token")
	s.mu.Lock()
	s.logouts = append(s.logouts, rt)
	_, ok := s.refresh[rt]
	delete(s.refresh, rt)
	s.mu.Unlock()
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *KeycloakServer) mintAccess(u *User) (string, error) {
	now := time.Now()
	resourceAccess := map[string]any{}
	for client, roles := range u.ClientRoles {
		resourceAccess[client] = map[string]any{"roles": roles}
	}
	claims := jwt.MapClaims{
		"iss":                s.Issuer(),
		"sub":                u.ID,
		"preferred_username": u.Username,
		"iat":                now.Unix(),
		"exp":                now.Add(s.AccessTTL).Unix(),
		"jti":                randomToken(),
		"realm_access":       map[string]any{"roles": u.RealmRoles},
		"resource_access":    resourceAccess,
	}
	if u.CrmID != "" {
		claims["crm_id"] = u.CrmID
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.access[token] = true
	s.mu.Unlock()
	return token, nil
}

func randomToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
