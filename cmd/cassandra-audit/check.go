// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/smartcat-labs/cassandra-audit/internal/config"
)

const redactedSecret = "********"

// NewCheckCmd creates the check subcommand.
func NewCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective settings",
		Long: `Load the configuration file and flags, validate them against the
configuration schema, and print the effective configuration as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			out, err := formatConfig(cfg)
			if err != nil {
				return err
			}
			cmd.Println(out)
			return nil
		},
	}
}

// formatConfig renders cfg as indented JSON with credentials masked.
func formatConfig(cfg *config.Config) (string, error) {
	masked := *cfg
	if masked.Storage.Cassandra.Password != "" {
		masked.Storage.Cassandra.Password = redactedSecret
	}
	masked.Storage.Postgres.DSN = maskDSN(masked.Storage.Postgres.DSN)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format configuration: %w", err)
	}
	return string(data), nil
}

// maskDSN hides the password of a URL-style DSN.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
