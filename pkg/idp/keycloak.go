// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/logger"
	"github.com/stacklok/sessionbroker/pkg/networking"
)

const instrumentationName = "github.com/stacklok/sessionbroker/pkg/idp"

// DefaultRequestTimeout bounds every call to the identity provider.
const DefaultRequestTimeout = 10 * time.Second

// Config describes how to reach a Keycloak realm.
type Config struct {
	// BaseURL is the Keycloak root, e.g. https://sso.example.com.
	BaseURL string
	// Realm is the Keycloak realm name.
	Realm string

	ClientID     string
	ClientSecret string

	// Scopes requested on the password grant. Defaults to "openid".
	Scopes []string

	// Discovery resolves endpoints from the realm's
	// .well-known/openid-configuration instead of Keycloak path conventions.
	Discovery bool

	// RequestTimeout bounds each provider call. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Issuer returns the realm issuer URL.
func (c *Config) Issuer() string {
	return strings.TrimRight(c.BaseURL, "/") + "/realms/" + url.PathEscape(c.Realm)
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("keycloak base url is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid keycloak base url: %w", err)
	}
	if c.Realm == "" {
		return errors.New("keycloak realm is required")
	}
	if c.ClientID == "" {
		return errors.New("keycloak client id is required")
	}
	return nil
}

// Endpoints are the provider URLs the client talks to.
type Endpoints struct {
	Token         string
	Introspection string
	Logout        string
}

// ConventionalEndpoints derives endpoints from Keycloak's path layout.
func ConventionalEndpoints(cfg *Config) Endpoints {
	base := cfg.Issuer() + "/protocol/openid-connect"
	return Endpoints{
		Token:         base + "/token",
		Introspection: base + "/token/introspect",
		Logout:        base + "/logout",
	}
}

// KeycloakClient implements Provider against a Keycloak realm.
type KeycloakClient struct {
	oauth      *oauth2.Config
	endpoints  Endpoints
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// KeycloakOption configures a KeycloakClient.
type KeycloakOption func(*KeycloakClient)

// WithLogger sets the logger used for revocation failures and request traces.
func WithLogger(l *slog.Logger) KeycloakOption {
	return func(c *KeycloakClient) {
		c.logger = l
	}
}

// WithEndpoints overrides the derived or discovered endpoints.
func WithEndpoints(e Endpoints) KeycloakOption {
	return func(c *KeycloakClient) {
		c.endpoints = e
	}
}

// NewKeycloakClient builds a client. When cfg.Discovery is set the provider
// metadata is fetched once here, so ctx bounds that request.
func NewKeycloakClient(ctx context.Context, cfg *Config, httpClient *http.Client, opts ...KeycloakOption) (*KeycloakClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID}
	}

	endpoints := ConventionalEndpoints(cfg)
	if cfg.Discovery {
		discovered, err := discoverEndpoints(ctx, cfg.Issuer(), httpClient)
		if err != nil {
			return nil, err
		}
		endpoints = discovered
	}

	meter := otel.Meter(instrumentationName)
	duration, err := meter.Float64Histogram(
		"sessionbroker.idp.request.duration",
		metric.WithDescription("Duration of identity provider requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp duration histogram: %w", err)
	}

	c := &KeycloakClient{
		endpoints:  endpoints,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger.Get(),
		tracer:     otel.Tracer(instrumentationName),
		duration:   duration,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.endpoints.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return c, nil
}

func discoverEndpoints(ctx context.Context, issuer string, httpClient *http.Client) (Endpoints, error) {
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("%w: discovery failed: %v", brokererrors.ErrProviderUnavailable, err)
	}

	var meta struct {
		Introspection string `json:"introspection_endpoint"`
		EndSession    string `json:"end_session_endpoint"`
		Revocation    string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return Endpoints{}, fmt.Errorf("failed to parse provider metadata: %w", err)
	}

	e := Endpoints{
		Token:         provider.Endpoint().TokenURL,
		Introspection: meta.Introspection,
		Logout:        meta.EndSession,
	}
	if e.Logout == "" {
		e.Logout = meta.Revocation
	}
	if e.Introspection == "" {
		return Endpoints{}, errors.New("provider does not advertise an introspection endpoint")
	}
	return e, nil
}

// Endpoints returns the endpoints in use.
func (c *KeycloakClient) Endpoints() Endpoints {
	return c.endpoints
}

// Authenticate performs a resource-owner password grant.
func (c *KeycloakClient) Authenticate(ctx context.Context, username, password string) (*TokenSet, error) {
	ctx, finish := c.begin(ctx, "authenticate")
	tok, err := c.oauth.PasswordCredentialsToken(c.oauthContext(ctx), username, password)
	ts, err := c.classifyGrant(tok, err)
	finish(err, ts == nil)
	return ts, err
}

// Refresh exchanges a refresh token for a new token set.
func (c *KeycloakClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, finish := c.begin(ctx, "refresh")
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	ts, err := c.classifyGrant(tok, err)
	finish(err, ts == nil)
	return ts, err
}

type introspectionResponse struct {
	Active bool `json:"active"`
}

// Introspect performs RFC 7662 token introspection.
func (c *KeycloakClient) Introspect(ctx context.Context, accessToken string) (bool, error) {
	ctx, finish := c.begin(ctx, "introspect")

	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {c.oauth.ClientID},
		"client_secret":   {c.oauth.ClientSecret},
	}
	res, err := networking.FetchJSONWithForm[introspectionResponse](ctx, c.httpClient, c.endpoints.Introspection, form)
	switch {
	case err == nil:
		finish(nil, !res.Data.Active)
		return res.Data.Active, nil
	case !networking.IsServerError(err):
		finish(nil, true)
		return false, nil
	default:
		err = fmt.Errorf("%w: introspection: %v", brokererrors.ErrProviderUnavailable, err)
		finish(err, false)
		return false, err
	}
}

// Revoke posts the refresh token to the provider logout endpoint.
func (c *KeycloakClient) Revoke(ctx context.Context, refreshToken string) {
	if refreshToken == "" || c.endpoints.Logout == "" {
		return
	}
	ctx, finish := c.begin(ctx, "revoke")

	form := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {c.oauth.ClientID},
		"client_secret": {c.oauth.ClientSecret},
	}
	err := networking.PostForm(ctx, c.httpClient, c.endpoints.Logout, form)
	if err != nil {
		logger.FromContext(ctx).Warn("identity provider logout failed", "error", err)
	}
	finish(err, false)
}

func (c *KeycloakClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// begin opens a span and applies the per-call timeout. The returned finish
// func records the outcome and must be called exactly once.
func (c *KeycloakClient) begin(ctx context.Context, op string) (context.Context, func(err error, rejected bool)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	ctx, span := c.tracer.Start(ctx, "idp."+op, trace.WithSpanKind(trace.SpanKindClient))

	return ctx, func(err error, rejected bool) {
		outcome := "success"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case rejected:
			outcome = "rejected"
		}
		span.SetAttributes(attribute.String("idp.outcome", outcome))
		span.End()
		cancel()

		c.duration.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
	}
}

// classifyGrant maps an oauth2 grant result onto the Provider contract.
func (*KeycloakClient) classifyGrant(tok *oauth2.Token, err error) (*TokenSet, error) {
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", brokererrors.ErrProviderUnavailable, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", brokererrors.ErrProviderUnavailable)
	}
	return tokenSetFromOAuth2(tok), nil
}

func tokenSetFromOAuth2(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		TokenType:        tok.TokenType,
		ExpiresIn:        tok.ExpiresIn,
		RefreshExpiresIn: extraInt(tok, "refresh_expires_in"),
		IDToken:          extraString(tok, "id_token"),
		Scope:            extraString(tok, "scope"),
		SessionState:     extraString(tok, "session_state"),
	}
	if ts.ExpiresIn == 0 {
		ts.ExpiresIn = extraInt(tok, "expires_in")
	}
	return ts
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
