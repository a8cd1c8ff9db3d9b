// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the HTTP API of the session broker.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/sessionbroker/pkg/access"
	apierrors "github.com/stacklok/sessionbroker/pkg/api/errors"
	"github.com/stacklok/sessionbroker/pkg/api/middleware"
	v1 "github.com/stacklok/sessionbroker/pkg/api/v1"
	"github.com/stacklok/sessionbroker/pkg/idp"
	"github.com/stacklok/sessionbroker/pkg/logger"
)

const (
	middlewareTimeout  = 30 * time.Second
	readHeaderTimeout  = 10 * time.Second
	maxRequestBodySize = 1 << 20

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
)

// Broker is what the API needs from the session broker.
type Broker interface {
	v1.SessionBroker
	middleware.Rotator
}

// Dependencies are the collaborators the router is built from.
type Dependencies struct {
	Broker          Broker
	Provider        idp.Provider
	Validator       *access.Validator
	Store           v1.Pinger
	Cookie          *middleware.SessionCookie
	LoginLimiter    *middleware.IPRateLimiter
	FinalizeTimeout time.Duration
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// NewRouter builds the HTTP handler for the broker API.
func NewRouter(deps Dependencies) http.Handler {
	base := deps.Logger
	if base == nil {
		base = logger.Get()
	}

	r := chi.NewRouter()
	r.Use(
		chimiddleware.RealIP,
		middleware.RequestLogger(base),
		chimiddleware.Recoverer,
		chimiddleware.Timeout(middlewareTimeout),
		headersMiddleware,
		requestBodySizeLimitMiddleware(maxRequestBodySize),
	)

	auth := v1.NewAuthRoutes(deps.Broker, deps.Provider, deps.Validator, deps.Cookie, deps.LoginLimiter)
	rotation := middleware.SessionRotation(deps.Broker, deps.Cookie, deps.FinalizeTimeout)

	r.Mount("/health", v1.HealthcheckRouter(deps.Store))
	r.Mount("/api/auth", rotation(v1.AuthRouter(auth)))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	return r
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

func requestBodySizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				apierrors.Write(w, http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// Serve listens on address and serves handler until ctx is cancelled, then
// shuts down gracefully. The caller is expected to set up signal handling.
func Serve(ctx context.Context, name, address string, handler http.Handler, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return serveListener(ctx, name, listener, handler, shutdownTimeout)
}

func serveListener(ctx context.Context, name string, listener net.Listener, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infow("starting server", "server", name, "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s server stopped with error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown failed: %w", name, err)
	}

	logger.Infow("server stopped", "server", name)
	return nil
}
