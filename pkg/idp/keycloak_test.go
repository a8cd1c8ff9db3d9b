// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/testkit"
)

var alice = testkit.User{
	ID:         "user-alice",
	Username:   "alice",
	Password:   "wonderland",
	CrmID:      "42",
	RealmRoles: []string{"user"},
}

func newTestClient(t *testing.T, discovery bool) (*KeycloakClient, *testkit.KeycloakServer) {
	t.Helper()
	kc := testkit.NewKeycloakTestServer(testkit.WithUser(alice))
	t.Cleanup(kc.Close)

	client, err := NewKeycloakClient(context.Background(), &Config{
		BaseURL:        kc.URL,
		Realm:          testkit.Realm,
		ClientID:       kc.ClientID,
		ClientSecret:   kc.ClientSecret,
		Discovery:      discovery,
		RequestTimeout: 2 * time.Second,
	}, kc.Client())
	require.NoError(t, err)
	return client, kc
}

func TestConventionalEndpoints(t *testing.T) {
	t.Parallel()

	e := ConventionalEndpoints(&Config{BaseURL: "https://sso.example.com/", Realm: "reports-realm"})
	assert.Equal(t, "https://sso.example.com/realms/reports-realm/protocol/openid-connect/token", e.Token)
	assert.Equal(t, "https://sso.example.com/realms/reports-realm/protocol/openid-connect/token/introspect", e.Introspection)
	assert.Equal(t, "https://sso.example.com/realms/reports-realm/protocol/openid-connect/logout", e.Logout)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid", Config{BaseURL: "https://sso", Realm: "r", ClientID: "c"}, ""},
		{"no base url", Config{Realm: "r", ClientID: "c"}, "base url"},
		{"bad base url", Config{BaseURL: "::nope", Realm: "r", ClientID: "c"}, "invalid keycloak base url"},
		{"no realm", Config{BaseURL: "https://sso", ClientID: "c"}, "realm"},
		{"no client", Config{BaseURL: "https://sso", Realm: "r"}, "client id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	for _, discovery := range []bool{false, true} {
		name := "conventional"
		if discovery {
			name = "discovery"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			client, kc := newTestClient(t, discovery)
			ctx := context.Background()

			ts, err := client.Authenticate(ctx, "alice", "wonderland")
			require.NoError(t, err)
			require.NotNil(t, ts)
			assert.NotEmpty(t, ts.AccessToken)
			assert.NotEmpty(t, ts.RefreshToken)
			assert.Equal(t, int64(300), ts.ExpiresIn)
			assert.Equal(t, int64(1800), ts.RefreshExpiresIn)
			assert.NotEmpty(t, ts.SessionState)

			form := kc.LastForm()
			assert.Equal(t, []string{"password"}, form["grant_type"])
			assert.Equal(t, []string{kc.ClientID}, form["client_id"])
			assert.Equal(t, []string{kc.ClientSecret}, form["client_secret"])
			assert.Equal(t, []string{"openid"}, form["scope"])
		})
	}
}

func TestAuthenticate_Rejected(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, false)

	ts, err := client.Authenticate(context.Background(), "alice", "wrong")
	assert.NoError(t, err)
	assert.Nil(t, ts)

	ts, err = client.Authenticate(context.Background(), "mallory", "x")
	assert.NoError(t, err)
	assert.Nil(t, ts)
}

func TestAuthenticate_Unavailable(t *testing.T) {
	t.Parallel()
	client, kc := newTestClient(t, false)

	kc.SetUnavailable(true)
	ts, err := client.Authenticate(context.Background(), "alice", "wonderland")
	assert.Nil(t, ts)
	assert.ErrorIs(t, err, brokererrors.ErrProviderUnavailable)
}

func TestAuthenticate_Timeout(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	client, err := NewKeycloakClient(context.Background(), &Config{
		BaseURL:        slow.URL,
		Realm:          "r",
		ClientID:       "c",
		RequestTimeout: 50 * time.Millisecond,
	}, slow.Client())
	require.NoError(t, err)

	_, err = client.Authenticate(context.Background(), "alice", "wonderland")
	assert.ErrorIs(t, err, brokererrors.ErrProviderUnavailable)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	client, kc := newTestClient(t, false)
	ctx := context.Background()

	first, err := client.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)

	second, err := client.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, []string{"refresh_token"}, kc.LastForm()["grant_type"])

	// the fake rotates refresh tokens, so the first one is now rejected
	again, err := client.Refresh(ctx, first.RefreshToken)
	assert.NoError(t, err)
	assert.Nil(t, again)
}

func TestRefresh_ServerError(t *testing.T) {
	t.Parallel()
	client, kc := newTestClient(t, false)
	ctx := context.Background()

	ts, err := client.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)

	kc.FailNext(1)
	_, err = client.Refresh(ctx, ts.RefreshToken)
	assert.ErrorIs(t, err, brokererrors.ErrProviderUnavailable)
}

func TestIntrospect(t *testing.T) {
	t.Parallel()
	client, kc := newTestClient(t, false)
	ctx := context.Background()

	ts, err := client.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)

	active, err := client.Introspect(ctx, ts.AccessToken)
	require.NoError(t, err)
	assert.True(t, active)

	kc.RevokeAccessToken(ts.AccessToken)
	active, err = client.Introspect(ctx, ts.AccessToken)
	require.NoError(t, err)
	assert.False(t, active)

	kc.SetUnavailable(true)
	_, err = client.Introspect(ctx, ts.AccessToken)
	assert.ErrorIs(t, err, brokererrors.ErrProviderUnavailable)
}

func TestIntrospect_ClientRejected(t *testing.T) {
	t.Parallel()
	kc := testkit.NewKeycloakTestServer(testkit.WithUser(alice))
	t.Cleanup(kc.Close)

	client, err := NewKeycloakClient(context.Background(), &Config{
		BaseURL: kc.URL, Realm: testkit.Realm, ClientID: kc.ClientID, ClientSecret: "wrong",
	}, kc.Client())
	require.NoError(t, err)

	active, err := client.Introspect(context.Background(), "anything")
	assert.NoError(t, err)
	assert.False(t, active)
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	client, kc := newTestClient(t, true)
	ctx := context.Background()

	ts, err := client.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)

	client.Revoke(ctx, ts.RefreshToken)
	assert.Equal(t, []string{ts.RefreshToken}, kc.Logouts())

	// already revoked: provider answers 400, failure is swallowed
	client.Revoke(ctx, ts.RefreshToken)

	kc.SetUnavailable(true)
	client.Revoke(ctx, "whatever")

	// empty token is a no-op
	client.Revoke(ctx, "")
	assert.Len(t, kc.Logouts(), 2)
}

func TestDiscoveryFailure(t *testing.T) {
	t.Parallel()
	kc := testkit.NewKeycloakTestServer()
	t.Cleanup(kc.Close)
	kc.SetUnavailable(true)

	_, err := NewKeycloakClient(context.Background(), &Config{
		BaseURL: kc.URL, Realm: testkit.Realm, ClientID: kc.ClientID, Discovery: true,
	}, kc.Client())
	assert.ErrorIs(t, err, brokererrors.ErrProviderUnavailable)
}
