// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartcat-labs/cassandra-audit/internal/config"
	"github.com/smartcat-labs/cassandra-audit/internal/observability"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/cassandra"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/memory"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/postgres"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/sqlite"
	"github.com/smartcat-labs/cassandra-audit/internal/xdg"
)

// DemoDeps contains injectable dependencies for the demo command.
// All fields with nil values will use their default implementations.
type DemoDeps struct {
	// SessionFactory opens the configured storage backend.
	// Default: openSession
	SessionFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Session, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, extra ...prometheus.Gatherer) ObservabilityServer

	// DataDirGetter returns the data directory used for the default SQLite file.
	// Default: xdg.DataDir
	DataDirGetter func() (string, error)
}

// ObservabilityServer is the subset of observability.Server used by demo.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// defaultSQLiteFile is the database file created in the data directory.
const defaultSQLiteFile = "audit.db"

// sessionOpener opens storage sessions for each backend.
type sessionOpener struct {
	dataDir func() (string, error)
}

func (o sessionOpener) open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Session, error) {
	st := cfg.Storage
	switch st.Backend {
	case config.BackendMemory:
		return memory.New(st.Keyspace), nil

	case config.BackendSQLite:
		path := st.SQLite.Path
		if path == "" {
			dir, err := o.dataDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get data directory: %w", err)
			}
			if err := xdg.EnsureDir(dir); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			path = filepath.Join(dir, defaultSQLiteFile)
		}
		logger.Info("opening sqlite database", "path", path)
		return sqlite.Open(ctx, path, st.Keyspace)

	case config.BackendPostgres:
		attempts := st.Postgres.AgreementAttempts
		if attempts < 1 {
			attempts = 1
		}
		return postgres.Connect(ctx, st.Postgres.DSN, st.Keyspace,
			postgres.WithAgreementPolling(cfg.PostgresAgreementInterval(), uint64(attempts)),
			postgres.WithLogger(logger),
		)

	case config.BackendCassandra:
		session, err := cassandra.Connect(cassandra.Config{
			Hosts:       st.Cassandra.Hosts,
			Keyspace:    st.Keyspace,
			Consistency: st.Cassandra.Consistency,
			Timeout:     cfg.CassandraTimeout(),
			Username:    st.Cassandra.Username,
			Password:    st.Cassandra.Password,
		}, logger)
		if err != nil {
			return nil, err
		}
		if st.Cassandra.CreateKeyspace {
			if err := session.CreateKeyspace(ctx, st.Keyspace, st.Cassandra.ReplicationFactor); err != nil {
				_ = session.Close()
				return nil, err
			}
		}
		return session, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
	}
}
