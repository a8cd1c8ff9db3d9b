// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/stacklok/sessionbroker/pkg/config"
)

// renderSummary prints the effective, non-secret configuration.
func renderSummary(w io.Writer, cfg *config.Config) error {
	metrics := "disabled"
	switch {
	case !cfg.Telemetry.MetricsEnabled:
	case cfg.Server.MetricsAddress != "":
		metrics = cfg.Server.MetricsAddress + "/metrics"
	default:
		metrics = cfg.Server.Address + "/metrics"
	}

	rateLimit := "disabled"
	if cfg.RateLimit.Enabled {
		rateLimit = fmt.Sprintf("%g/min, burst %d", cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst)
	}

	rows := [][]string{
		{"Listen address", cfg.Server.Address},
		{"Keycloak issuer", cfg.IDPConfig().Issuer()},
		{"Client ID", cfg.Keycloak.ClientID},
		{"Storage", cfg.Storage.Type},
		{"Session timeout", cfg.Session.Timeout.String()},
		{"Cookie", cfg.Session.CookieName + " (secure=" + strconv.FormatBool(cfg.Session.CookieSecure) + ")"},
		{"Cipher", cfg.Session.Algorithm},
		{"Admin roles", strings.Join(cfg.Access.AdminRoles, ", ")},
		{"Login rate limit", rateLimit},
		{"Metrics", metrics},
	}

	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader([]string{"Setting", "Value"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(2, tw.AlignLeft)),
	)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
