// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package sqlite implements storage.Session on an embedded SQLite database
// through the pure-Go modernc driver. SQLite has no keyspaces, so table names
// are used unqualified.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/samber/oops"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Session is a SQLite storage.Session.
type Session struct {
	db       *sql.DB
	keyspace string

	mu    sync.Mutex
	stmts []*sql.Stmt
}

// Open opens the database at dsn. ":memory:" databases are limited to one
// connection so every statement sees the same data.
func Open(ctx context.Context, dsn, keyspace string) (*Session, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oops.Code("STORAGE_CONNECT_FAILED").With("backend", "sqlite").Wrap(err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, oops.Code("STORAGE_CONNECT_FAILED").With("backend", "sqlite").Wrap(err)
	}
	return &Session{db: db, keyspace: keyspace}, nil
}

// DB exposes the underlying database handle.
func (s *Session) DB() *sql.DB { return s.db }

// CreateTable implements storage.Session. A single-node database is always
// in agreement.
func (s *Session) CreateTable(ctx context.Context, schema storage.TableSchema) (storage.SchemaChange, error) {
	stmts, err := storage.SQLite.CreateTable(schema)
	if err != nil {
		return storage.SchemaChange{}, err
	}
	errb := oops.Code("STORAGE_CREATE_FAILED").With("backend", "sqlite").With("table", schema.Table)

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		storage.Unquote(schema.Table)).Scan(&n); err != nil {
		return storage.SchemaChange{}, errb.Wrap(err)
	}
	if n > 0 {
		return storage.SchemaChange{Applied: false, Agreed: true}, nil
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.SchemaChange{}, errb.With("statement", stmt).Wrap(err)
		}
	}
	return storage.SchemaChange{Applied: true, Agreed: true}, nil
}

// Prepare implements storage.Session.
func (s *Session) Prepare(ctx context.Context, q storage.Query) (*storage.PreparedStatement, error) {
	text, err := storage.SQLite.Render(q)
	if err != nil {
		return nil, err
	}
	stmt, err := s.db.PrepareContext(ctx, text)
	if err != nil {
		errb := oops.Code("STORAGE_PREPARE_FAILED").With("backend", "sqlite").With("query", text)
		if strings.Contains(err.Error(), "no such table") {
			return nil, errb.Wrap(storage.ErrTableNotFound)
		}
		return nil, errb.Wrap(err)
	}

	s.mu.Lock()
	s.stmts = append(s.stmts, stmt)
	s.mu.Unlock()
	return storage.NewPreparedStatement(text, q, stmt), nil
}

// Execute implements storage.Session.
func (s *Session) Execute(ctx context.Context, bound *storage.BoundStatement) error {
	ps := bound.PreparedStatement()
	errb := oops.Code("STORAGE_EXECUTE_FAILED").With("backend", "sqlite").With("table", ps.Table())

	stmt, ok := ps.Handle().(*sql.Stmt)
	if !ok {
		return errb.Errorf("statement was not prepared by this session")
	}
	if _, err := stmt.ExecContext(ctx, bound.Values()...); err != nil {
		return errb.Wrap(err)
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
func (s *Session) Dialect() storage.Dialect { return storage.SQLite }

// Close closes prepared statements and the database.
func (s *Session) Close() error {
	s.mu.Lock()
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	s.stmts = nil
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return oops.Code("STORAGE_CLOSE_FAILED").With("backend", "sqlite").Wrap(err)
	}
	return nil
}
