// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authclient lets downstream services validate their callers against
// the session broker instead of talking to the identity provider.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "github.com/stacklok/sessionbroker/pkg/api/v1"
	"github.com/stacklok/sessionbroker/pkg/networking"
)

// DefaultTimeout bounds each call to the broker.
const DefaultTimeout = 5 * time.Second

const authBasePath = "/api/auth"

var (
	// ErrUnauthenticated is returned when the broker rejects the token or session.
	ErrUnauthenticated = errors.New("caller is not authenticated")
	// ErrBadRequest is returned when the broker rejects the request parameters.
	ErrBadRequest = errors.New("broker rejected the request")
	// ErrUnavailable is returned when the broker cannot be reached or fails.
	ErrUnavailable = errors.New("session broker unavailable")
)

// Client calls the broker's validation endpoints.
type Client struct {
	baseURL    string
	httpClient networking.HTTPClient
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c networking.HTTPClient) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// New creates a client for the broker at baseURL, e.g. http://auth:8000.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid broker url %q", baseURL)
	}

	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return c, nil
}

// ValidateToken asks the broker who holds token.
func (c *Client) ValidateToken(ctx context.Context, token string) (*v1.ValidateResponse, error) {
	res, err := networking.FetchJSON[v1.ValidateResponse](ctx, c.httpClient,
		c.endpoint("/validate", nil),
		networking.WithMethod(http.MethodPost),
		networking.WithHeader("Authorization", "Bearer "+token),
		networking.WithAcceptedStatus(http.StatusUnauthorized),
	)
	if err != nil {
		return nil, classify(err)
	}
	if res.StatusCode == http.StatusUnauthorized || !res.Data.IsValid {
		return &res.Data, fmt.Errorf("%w: %s", ErrUnauthenticated, res.Data.Error)
	}
	return &res.Data, nil
}

// ValidateAccess asks whether the holder of token may see targetUserID's data.
// A denied decision is not an error; check HasAccess.
func (c *Client) ValidateAccess(ctx context.Context, token, targetUserID string) (*v1.AccessResponse, error) {
	q := url.Values{"targetUserId": {targetUserID}}
	return c.access(ctx, c.endpoint("/validate-access", q),
		networking.WithHeader("Authorization", "Bearer "+token))
}

// ValidateSession resolves a session identifier. An empty targetUserID asks
// about the session owner's own data.
func (c *Client) ValidateSession(ctx context.Context, sessionID, targetUserID string) (*v1.AccessResponse, error) {
	q := url.Values{"sessionId": {sessionID}}
	if targetUserID != "" {
		q.Set("targetUserId", targetUserID)
	}
	return c.access(ctx, c.endpoint("/validate-access-by-session-id", q))
}

func (c *Client) access(ctx context.Context, endpoint string, opts ...networking.FetchOption) (*v1.AccessResponse, error) {
	opts = append(opts, networking.WithAcceptedStatus(http.StatusBadRequest, http.StatusUnauthorized))
	res, err := networking.FetchJSON[v1.AccessResponse](ctx, c.httpClient, endpoint, opts...)
	if err != nil {
		return nil, classify(err)
	}
	switch res.StatusCode {
	case http.StatusUnauthorized:
		return &res.Data, fmt.Errorf("%w: %s", ErrUnauthenticated, res.Data.Error)
	case http.StatusBadRequest:
		return &res.Data, fmt.Errorf("%w: %s", ErrBadRequest, res.Data.Error)
	}
	return &res.Data, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + authBasePath + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func classify(err error) error {
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) && !networking.IsServerError(err) {
		return fmt.Errorf("unexpected broker response: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
