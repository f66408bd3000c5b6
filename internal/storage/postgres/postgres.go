// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package postgres implements storage.Session on PostgreSQL. Keyspaces map to
// schemas.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// pool is the subset of *pgxpool.Pool the session uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const tableExistsQuery = `SELECT EXISTS (SELECT 1 FROM information_schema.tables
	WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2)`

var errNotVisible = errors.New("table not yet visible in catalog")

// Option configures a Session.
type Option func(*Session)

// WithAgreementPolling sets how often and how many times the catalog is
// checked after a table is created.
func WithAgreementPolling(interval time.Duration, attempts uint64) Option {
	return func(s *Session) {
		s.pollInterval = interval
		s.pollAttempts = attempts
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Session is a PostgreSQL storage.Session.
type Session struct {
	pool         pool
	keyspace     string
	pollInterval time.Duration
	pollAttempts uint64
	logger       *slog.Logger
}

// Connect opens a pgx pool for dsn and returns a session on it.
func Connect(ctx context.Context, dsn, keyspace string, opts ...Option) (*Session, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STORAGE_CONNECT_FAILED").With("backend", "postgres").Wrap(err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, oops.Code("STORAGE_CONNECT_FAILED").With("backend", "postgres").Wrap(err)
	}
	return New(p, keyspace, opts...), nil
}

// New creates a session on an existing pool.
func New(p pool, keyspace string, opts ...Option) *Session {
	s := &Session{
		pool:         p,
		keyspace:     keyspace,
		pollInterval: 100 * time.Millisecond,
		pollAttempts: 50,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) keyspaceOf(ks string) string {
	if ks == "" {
		return s.keyspace
	}
	return ks
}

func (s *Session) tableExists(ctx context.Context, keyspace, table string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, tableExistsQuery, storage.Unquote(keyspace), storage.Unquote(table)).Scan(&exists); err != nil {
		return false, err //nolint:wrapcheck // wrapped by callers
	}
	return exists, nil
}

// CreateTable implements storage.Session. A concurrent creator winning the
// race is reported as not applied. Agreement means the table is visible in
// information_schema, polled with a constant backoff.
func (s *Session) CreateTable(ctx context.Context, schema storage.TableSchema) (storage.SchemaChange, error) {
	schema.Keyspace = s.keyspaceOf(schema.Keyspace)
	stmts, err := storage.Postgres.CreateTable(schema)
	if err != nil {
		return storage.SchemaChange{}, err
	}

	errb := oops.Code("STORAGE_CREATE_FAILED").
		With("backend", "postgres").
		With("keyspace", schema.Keyspace).
		With("table", schema.Table)

	exists, err := s.tableExists(ctx, schema.Keyspace, schema.Table)
	if err != nil {
		return storage.SchemaChange{}, errb.Wrap(err)
	}
	if exists {
		return storage.SchemaChange{Applied: false, Agreed: true}, nil
	}

	applied := true
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			if !isConcurrentCreate(err) {
				return storage.SchemaChange{}, errb.With("statement", stmt).Wrap(err)
			}
			applied = false
		}
	}

	backoff := retry.WithMaxRetries(s.pollAttempts, retry.NewConstant(s.pollInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		visible, err := s.tableExists(ctx, schema.Keyspace, schema.Table)
		if err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if !visible {
			return retry.RetryableError(errNotVisible)
		}
		return nil
	})
	switch {
	case errors.Is(err, errNotVisible):
		s.logger.Warn("table not visible after create",
			"keyspace", schema.Keyspace, "table", schema.Table, "attempts", s.pollAttempts)
		return storage.SchemaChange{Applied: applied, Agreed: false}, nil
	case err != nil:
		return storage.SchemaChange{}, errb.Wrap(err)
	}
	return storage.SchemaChange{Applied: applied, Agreed: true}, nil
}

// isConcurrentCreate reports errors raised when another session created the
// same relation or schema between our check and our statement.
func isConcurrentCreate(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation, pgerrcode.DuplicateTable, pgerrcode.DuplicateSchema:
		return true
	}
	return false
}

// Prepare implements storage.Session. pgx caches server-side statements per
// connection, so preparing only renders the text.
func (s *Session) Prepare(_ context.Context, q storage.Query) (*storage.PreparedStatement, error) {
	q.Keyspace = s.keyspaceOf(q.Keyspace)
	text, err := storage.Postgres.Render(q)
	if err != nil {
		return nil, err
	}
	return storage.NewPreparedStatement(text, q, nil), nil
}

// Execute implements storage.Session.
func (s *Session) Execute(ctx context.Context, stmt *storage.BoundStatement) error {
	ps := stmt.PreparedStatement()
	if _, err := s.pool.Exec(ctx, ps.QueryString(), stmt.Values()...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
			err = errors.Join(storage.ErrTableNotFound, err)
		}
		return oops.Code("STORAGE_EXECUTE_FAILED").
			With("backend", "postgres").
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
func (s *Session) Dialect() storage.Dialect { return storage.Postgres }

// Close implements storage.Session.
func (s *Session) Close() error {
	s.pool.Close()
	return nil
}
