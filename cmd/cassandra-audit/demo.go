// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/config"
	"github.com/smartcat-labs/cassandra-audit/internal/demo"
	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/observability"
	"github.com/smartcat-labs/cassandra-audit/internal/xdg"
)

// demoConfig holds flags of the demo command.
type demoConfig struct {
	hold bool
}

// shutdownTimeout bounds the observability server shutdown.
const shutdownTimeout = 5 * time.Second

// NewDemoCmd creates the demo subcommand.
func NewDemoCmd() *cobra.Command {
	dc := &demoConfig{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the demo workload against the configured backend",
		Long: `Connect to the configured storage backend, create the demo entity
tables, and run a fixed sequence of saves and deletes through audited
mappers. Audit tables are created on first use.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runDemoWithDeps(cmd.Context(), cfg, dc, cmd, nil)
		},
	}

	cmd.Flags().BoolVar(&dc.hold, "hold", false, "keep serving metrics after the workload until interrupted")

	return cmd
}

// runDemoWithDeps runs the demo workload with injectable dependencies.
// If deps is nil, default implementations are used.
func runDemoWithDeps(ctx context.Context, cfg *config.Config, dc *demoConfig, cmd *cobra.Command, deps *DemoDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps == nil {
		deps = &DemoDeps{}
	}
	if deps.DataDirGetter == nil {
		deps.DataDirGetter = xdg.DataDir
	}
	if deps.SessionFactory == nil {
		deps.SessionFactory = sessionOpener{dataDir: deps.DataDirGetter}.open
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker, extra ...prometheus.Gatherer) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker, extra...)
		}
	}

	logger, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ready atomic.Bool
	if cfg.Metrics.Addr != "" {
		obsServer := deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load, audit.Registry)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				logger.Warn("failed to stop observability server", "error", err)
			}
		}()
		go monitorServerErrors(ctx, stop, obsErrChan, logger)
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	logger.Info("connecting to storage", "backend", cfg.Storage.Backend, "keyspace", cfg.Storage.Keyspace)
	session, err := deps.SessionFactory(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close storage session", "error", err)
		}
	}()

	engine, err := audit.NewEngine(session, cfg.EngineOptions(logger)...)
	if err != nil {
		return fmt.Errorf("failed to create audit engine: %w", err)
	}
	mappings := mapping.NewManager(session)
	manager := audit.NewManager(mappings, engine, cfg.ManagerOptions()...)

	if err := demo.CreateTables(ctx, mappings); err != nil {
		_ = engine.Close()
		return fmt.Errorf("failed to create demo tables: %w", err)
	}
	ready.Store(true)

	report, runErr := demo.Run(ctx, manager, logger)
	if err := engine.Close(); err != nil {
		logger.Warn("failed to close audit engine", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("demo workload failed: %w", runErr)
	}
	cmd.Printf("demo finished: %d saves, %d deletes\n", report.Saves, report.Deletes)

	if dc.hold && cfg.Metrics.Addr != "" {
		logger.Info("holding for metrics scrapes; interrupt to exit")
		<-ctx.Done()
	}
	return nil
}

// monitorServerErrors stops the command when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, logger *slog.Logger) {
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error("observability server failed", "error", err)
			cancel()
		}
	}
}
