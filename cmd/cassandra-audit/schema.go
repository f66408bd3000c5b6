// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/config"
	"github.com/smartcat-labs/cassandra-audit/internal/demo"
	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/memory"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the audit table DDL for the demo entities",
		Long: `Print the statements that create the audit tables of the audited demo
entities, rendered in the dialect of the configured backend and using the
configured key layout. Nothing is executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runSchema(cmd.OutOrStdout(), cfg)
		},
	}
}

// dialectFor returns the statement dialect of a storage backend.
func dialectFor(backend string) (storage.Dialect, error) {
	switch backend {
	case config.BackendCassandra, config.BackendMemory:
		return storage.CQL, nil
	case config.BackendPostgres:
		return storage.Postgres, nil
	case config.BackendSQLite:
		return storage.SQLite, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func runSchema(out io.Writer, cfg *config.Config) error {
	dialect, err := dialectFor(cfg.Storage.Backend)
	if err != nil {
		return err
	}

	// The session is never used: rendering only needs entity metadata.
	session := memory.New(cfg.Storage.Keyspace)
	logger := slog.New(slog.DiscardHandler)
	engine, err := audit.NewEngine(session, cfg.EngineOptions(logger)...)
	if err != nil {
		return fmt.Errorf("failed to create audit engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	stmts, err := demo.AuditDDL(engine, mapping.NewManager(session), dialect)
	if err != nil {
		return fmt.Errorf("failed to render audit schema: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := fmt.Fprintln(out, stmt+";"); err != nil {
			return err
		}
	}
	return nil
}
