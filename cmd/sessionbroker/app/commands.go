// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line interface of the session broker.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/sessionbroker/pkg/config"
	"github.com/stacklok/sessionbroker/pkg/logger"
	"github.com/stacklok/sessionbroker/pkg/tokencipher"
	"github.com/stacklok/sessionbroker/pkg/versions"
)

// NewRootCmd creates the root command for the sessionbroker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "sessionbroker",
		DisableAutoGenTag: true,
		Short:             "Session broker - keep identity provider tokens server side",
		Long: `The session broker authenticates users against a Keycloak realm and keeps
the resulting access and refresh tokens encrypted on the server. Browsers only
ever see an opaque, rotating session cookie. Downstream services ask the broker
who a caller is and whether they may see a given user's data.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newGenKeyCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session broker",
		Long: `Start the session broker HTTP API.

Configuration is read from the file given with --config, if any, and from
SESSIONBROKER_* environment variables, which take precedence.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "sessionbroker", info.String())
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration the same way serve does and report every problem found.

This command checks:
- YAML syntax validity
- Required fields presence
- Session key length and cipher algorithm
- Storage and rate limit settings`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger.Debugf("Configuration is valid")
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid"); err != nil {
				return err
			}
			return renderSummary(cmd.OutOrStdout(), cfg)
		},
	}
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a session encryption key",
		Long: `Print a random base64 encoded 32-byte key suitable for session.key or
SESSIONBROKER_SESSION_KEY.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := tokencipher.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path != "" {
		logger.Debugf("Loading configuration from %s", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
