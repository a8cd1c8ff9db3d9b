// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/sessionbroker/pkg/access"
	"github.com/stacklok/sessionbroker/pkg/api"
	"github.com/stacklok/sessionbroker/pkg/api/middleware"
	"github.com/stacklok/sessionbroker/pkg/config"
	"github.com/stacklok/sessionbroker/pkg/idp"
	"github.com/stacklok/sessionbroker/pkg/logger"
	"github.com/stacklok/sessionbroker/pkg/networking"
	"github.com/stacklok/sessionbroker/pkg/session"
	"github.com/stacklok/sessionbroker/pkg/session/store"
	"github.com/stacklok/sessionbroker/pkg/telemetry"
	"github.com/stacklok/sessionbroker/pkg/versions"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info := versions.GetVersionInfo()
	logger.Infow("starting session broker", "version", info.Version, "commit", info.Commit)

	cfg.Telemetry.ServiceVersion = info.Version
	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	tel.Install()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.NewStore(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnw("failed to close session store", "error", err)
		}
	}()

	handler, err := buildHandler(ctx, cfg, st, tel.PrometheusHandler())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, "api", cfg.Server.Address, handler, cfg.Server.ShutdownTimeout)
	})
	if cfg.Server.MetricsAddress != "" && tel.PrometheusHandler() != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.PrometheusHandler())
		g.Go(func() error {
			return api.Serve(gctx, "metrics", cfg.Server.MetricsAddress, mux, cfg.Server.ShutdownTimeout)
		})
	}
	return g.Wait()
}

// buildHandler wires the provider client, broker and validator into the API router.
func buildHandler(ctx context.Context, cfg *config.Config, st store.Store, metrics http.Handler) (http.Handler, error) {
	cipher, err := cfg.Cipher()
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithTimeout(cfg.Keycloak.RequestTimeout).
		WithCABundle(cfg.Keycloak.CABundle).
		WithPrivateIPs(cfg.Keycloak.AllowPrivateIP).
		WithInsecureHTTP(cfg.Keycloak.InsecureAllowHTTP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create provider HTTP client: %w", err)
	}

	provider, err := idp.NewKeycloakClient(ctx, cfg.IDPConfig(), httpClient, idp.WithLogger(logger.Get()))
	if err != nil {
		return nil, fmt.Errorf("failed to create keycloak client: %w", err)
	}

	broker, err := session.NewBroker(st, cipher, provider,
		session.WithSessionTimeout(cfg.Session.Timeout),
		session.WithTokenIndexTTL(cfg.Session.TokenIndexTTL),
		session.WithRefreshGrace(cfg.Session.RefreshGrace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session broker: %w", err)
	}

	var limiter *middleware.IPRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewIPRateLimiter(cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst)
	}

	deps := api.Dependencies{
		Broker:          broker,
		Provider:        provider,
		Validator:       access.NewValidator(broker, provider, access.WithAdminRoles(cfg.Access.AdminRoles...)),
		Store:           st,
		Cookie:          middleware.NewSessionCookie(cfg.Session.CookieName, cfg.Session.CookieSecure, cfg.Session.Timeout),
		LoginLimiter:    limiter,
		FinalizeTimeout: cfg.Server.FinalizeTimeout,
		Logger:          logger.Get(),
	}
	if cfg.Server.MetricsAddress == "" {
		deps.MetricsHandler = metrics
	}
	return api.NewRouter(deps), nil
}
