// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package cassandra implements storage.Session on Apache Cassandra through
// gocql.
package cassandra

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Config holds cluster connection settings.
type Config struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
	Username    string
	Password    string
}

// Session is a Cassandra storage.Session.
type Session struct {
	session  *gocql.Session
	keyspace string
	logger   *slog.Logger
}

// Connect creates a gocql session. Statements are always keyspace-qualified,
// so the keyspace does not have to exist yet.
func Connect(cfg Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, oops.Code("STORAGE_CONNECT_FAILED").With("consistency", cfg.Consistency).Wrap(err)
		}
		cluster.Consistency = c
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: cfg.Username, Password: cfg.Password}
	}

	sess, err := cluster.CreateSession()
	if err != nil {
		return nil, oops.Code("STORAGE_CONNECT_FAILED").
			With("backend", "cassandra").
			With("hosts", cfg.Hosts).
			Wrap(err)
	}
	return &Session{session: sess, keyspace: cfg.Keyspace, logger: logger}, nil
}

func (s *Session) keyspaceOf(ks string) string {
	if ks == "" {
		return s.keyspace
	}
	return ks
}

// CreateKeyspace creates a SimpleStrategy keyspace if it does not exist.
func (s *Session) CreateKeyspace(ctx context.Context, name string, replicationFactor int) error {
	stmt := `CREATE KEYSPACE IF NOT EXISTS "` + storage.Unquote(name) +
		`" WITH replication = {'class': 'SimpleStrategy', 'replication_factor': ` +
		strconv.Itoa(replicationFactor) + `}`
	if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return oops.Code("STORAGE_CREATE_FAILED").With("keyspace", name).Wrap(err)
	}
	if err := s.session.AwaitSchemaAgreement(ctx); err != nil {
		s.logger.Warn("schema agreement not reached after keyspace creation", "keyspace", name, "error", err)
	}
	return nil
}

func (s *Session) tableExists(ctx context.Context, keyspace, table string) (bool, error) {
	var name string
	err := s.session.Query(
		`SELECT table_name FROM system_schema.tables WHERE keyspace_name = ? AND table_name = ?`,
		storage.Unquote(keyspace), storage.Unquote(table),
	).WithContext(ctx).Scan(&name)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err //nolint:wrapcheck // wrapped by caller
	}
	return true, nil
}

// CreateTable implements storage.Session. After the DDL it waits for every
// node to report the same schema version; timing out is reported as not
// agreed rather than as an error.
func (s *Session) CreateTable(ctx context.Context, schema storage.TableSchema) (storage.SchemaChange, error) {
	schema.Keyspace = s.keyspaceOf(schema.Keyspace)
	stmts, err := storage.CQL.CreateTable(schema)
	if err != nil {
		return storage.SchemaChange{}, err
	}
	errb := oops.Code("STORAGE_CREATE_FAILED").
		With("backend", "cassandra").
		With("keyspace", schema.Keyspace).
		With("table", schema.Table)

	existed, err := s.tableExists(ctx, schema.Keyspace, schema.Table)
	if err != nil {
		return storage.SchemaChange{}, errb.Wrap(err)
	}
	for _, stmt := range stmts {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return storage.SchemaChange{}, errb.With("statement", stmt).Wrap(err)
		}
	}

	change := storage.SchemaChange{Applied: !existed, Agreed: true}
	if err := s.session.AwaitSchemaAgreement(ctx); err != nil {
		if ctx.Err() != nil {
			return storage.SchemaChange{}, errb.Wrap(ctx.Err())
		}
		s.logger.Warn("schema agreement not reached", "keyspace", schema.Keyspace, "table", schema.Table, "error", err)
		change.Agreed = false
	}
	return change, nil
}

// Prepare implements storage.Session. gocql prepares and caches statements
// on first execution.
func (s *Session) Prepare(_ context.Context, q storage.Query) (*storage.PreparedStatement, error) {
	q.Keyspace = s.keyspaceOf(q.Keyspace)
	text, err := storage.CQL.Render(q)
	if err != nil {
		return nil, err
	}
	return storage.NewPreparedStatement(text, q, nil), nil
}

// Execute implements storage.Session.
func (s *Session) Execute(ctx context.Context, stmt *storage.BoundStatement) error {
	ps := stmt.PreparedStatement()
	if err := s.session.Query(ps.QueryString(), driverValues(stmt.Values())...).WithContext(ctx).Exec(); err != nil {
		return oops.Code("STORAGE_EXECUTE_FAILED").
			With("backend", "cassandra").
			With("keyspace", ps.Keyspace()).
			With("table", ps.Table()).
			Wrap(err)
	}
	return nil
}

// ExecuteAsync implements storage.Session.
func (s *Session) ExecuteAsync(ctx context.Context, stmt *storage.BoundStatement) *storage.Future {
	return storage.Go(ctx, func(ctx context.Context) error {
		return s.Execute(ctx, stmt)
	})
}

// Keyspace implements storage.Session.
func (s *Session) Keyspace() string { return s.keyspace }

// Dialect implements storage.Session.
func (s *Session) Dialect() storage.Dialect { return storage.CQL }

// Close implements storage.Session.
func (s *Session) Close() error {
	s.session.Close()
	return nil
}

// driverValues converts values gocql cannot marshal directly.
func driverValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case uuid.UUID:
			out[i] = gocql.UUID(t)
		case *uuid.UUID:
			if t == nil {
				out[i] = nil
			} else {
				out[i] = gocql.UUID(*t)
			}
		default:
			out[i] = v
		}
	}
	return out
}
