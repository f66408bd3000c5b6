// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/smartcat-labs/cassandra-audit/internal/config"
	"github.com/smartcat-labs/cassandra-audit/internal/logging"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the cassandra-audit CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cassandra-audit",
		Short: "cassandra-audit - mutation audit trail for mapped entities",
		Long: `cassandra-audit records every save and delete issued through the entity
mapper into per-entity audit tables on Cassandra, PostgreSQL or SQLite.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/cassandra-audit/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewDemoCmd())

	return cmd
}

// loadConfig loads the configuration for cmd, applying its flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}

// setupLogging installs the process logger described by cfg.
func setupLogging(cfg *config.Config) (*slog.Logger, error) {
	return logging.SetDefault(logging.Options{
		Service: "cassandra-audit",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	})
}
