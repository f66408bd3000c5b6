// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package memory provides an in-process storage session that speaks the CQL
// dialect. It keeps rows in maps and records the calls made against it, which
// makes it the session of choice for unit tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Row is a stored row keyed by unquoted column name.
type Row map[string]any

type table struct {
	schema storage.TableSchema
	rows   map[string]Row
	order  []string
}

// Session is an in-memory storage.Session.
type Session struct {
	keyspace string

	mu          sync.Mutex
	tables      map[string]*table
	ddl         []string
	creates     map[string]int
	prepares    map[string]int
	executed    []*storage.BoundStatement
	agreed      bool
	createDelay time.Duration
	createErr   error
	execHook    func(stmt *storage.BoundStatement) error
	closed      bool
}

// New creates an empty session whose default keyspace is keyspace.
func New(keyspace string) *Session {
	return &Session{
		keyspace: keyspace,
		tables:   make(map[string]*table),
		creates:  make(map[string]int),
		prepares: make(map[string]int),
		agreed:   true,
	}
}

// SetSchemaAgreement controls the Agreed flag reported by CreateTable.
func (s *Session) SetSchemaAgreement(agreed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreed = agreed
}

// SetCreateDelay makes CreateTable sleep before applying the change.
func (s *Session) SetCreateDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createDelay = d
}

// FailCreate makes every CreateTable call fail with err until reset with nil.
func (s *Session) FailCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

// OnExecute installs a hook run before every execution. A non-nil error
// from the hook fails the execution without applying it.
func (s *Session) OnExecute(hook func(stmt *storage.BoundStatement) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execHook = hook
}

func (s *Session) tableKey(keyspace, name string) string {
	if keyspace == "" {
		keyspace = s.keyspace
	}
	return storage.Unquote(keyspace) + "." + storage.Unquote(name)
}

// CreateTable implements storage.Session.
func (s *Session) CreateTable(ctx context.Context, schema storage.TableSchema) (storage.SchemaChange, error) {
	stmts, err := storage.CQL.CreateTable(schema)
	if err != nil {
		return storage.SchemaChange{}, err
	}

	s.mu.Lock()
	delay, createErr := s.createDelay, s.createErr
	key := s.tableKey(schema.Keyspace, schema.Table)
	s.creates[key]++
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return storage.SchemaChange{}, oops.Code("STORAGE_CREATE_FAILED").With("table", key).Wrap(ctx.Err())
		}
	}
	if createErr != nil {
		return storage.SchemaChange{}, oops.Code("STORAGE_CREATE_FAILED").With("table", key).Wrap(createErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tables[key]; exists {
		return storage.SchemaChange{Applied: false, Agreed: s.agreed}, nil
	}
	s.tables[key] = &table{schema: schema, rows: make(map[string]Row)}
	s.ddl = append(s.ddl, stmts...)
	return storage.SchemaChange{Applied: true, Agreed: s.agreed}, nil
}

// Prepare implements storage.Session.
func (s *Session) Prepare(_ context.Context, q storage.Query) (*storage.PreparedStatement, error) {
	if q.Keyspace == "" {
		q.Keyspace = s.keyspace
	}
	text, err := storage.CQL.Render(q)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepares[s.tableKey(q.Keyspace, q.Table)]++
	return storage.NewPreparedStatement(text, q, q), nil
}

// Execute implements storage.Session. INSERT upserts by primary key, UPDATE
// changes an existing row and DELETE removes it.
func (s *Session) Execute(_ context.Context, stmt *storage.BoundStatement) error {
	s.mu.Lock()
	hook := s.execHook
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return oops.Code("STORAGE_CLOSED").Errorf("session is closed")
	}
	if hook != nil {
		if err := hook(stmt); err != nil {
			return err
		}
	}

	ps := stmt.PreparedStatement()
	q, ok := ps.Handle().(storage.Query)
	if !ok {
		return oops.Code("STORAGE_FOREIGN_STATEMENT").
			With("query", ps.QueryString()).
			Errorf("statement was not prepared by this session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, stmt)

	key := s.tableKey(q.Keyspace, q.Table)
	t, ok := s.tables[key]
	if !ok {
		return oops.Code("STORAGE_EXECUTE_FAILED").With("table", key).Wrap(storage.ErrTableNotFound)
	}

	values := Row{}
	for _, v := range ps.Variables() {
		val, _ := stmt.Value(v.Name)
		values[storage.Unquote(v.Name)] = val
	}
	pk := primaryKey(t.schema, values)

	switch q.Verb {
	case storage.VerbInsert:
		if _, exists := t.rows[pk]; !exists {
			t.order = append(t.order, pk)
		}
		t.rows[pk] = values
	case storage.VerbUpdate:
		row, exists := t.rows[pk]
		if !exists {
			row = Row{}
			t.order = append(t.order, pk)
		}
		for k, v := range values {
			row[k] = v
		}
		t.rows[pk] = row
	case storage.VerbDelete:
		if _, exists := t.rows[pk]; exists {
			delete(t.rows, pk)
			t.order = slices.DeleteFunc(t.order, func(k string) bool { return k == pk })
		}
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func primaryKey(schema storage.TableSchema, values Row) string {
	parts := make([]string, 0, len(schema.PrimaryKey()))
	for _, c := range schema.PrimaryKey() {
		v := values[storage.Unquote(c.Name)]
		if t, ok := v.(time.Time); ok {
			v = t.UnixNano()
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "\x00")
}

// HasTable reports whether the table exists.
func (s *Session) HasTable(keyspace, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[s.tableKey(keyspace, name)]
	return ok
}

// Schema returns the schema a table was created with.
func (s *Session) Schema(keyspace, name string) (storage.TableSchema, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[s.tableKey(keyspace, name)]
	if !ok {
		return storage.TableSchema{}, false
	}
	return t.schema, true
}

// Rows returns copies of the rows of a table in first-insert order.
func (s *Session) Rows(keyspace, name string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[s.tableKey(keyspace, name)]
	if !ok {
		return nil
	}
	out := make([]Row, 0, len(t.rows))
	for _, pk := range t.order {
		row, live := t.rows[pk]
		if !live {
			continue
		}
		cp := make(Row, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// DDL returns the CREATE statements applied so far.
func (s *Session) DDL() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ddl...)
}

// CreateCalls returns how many times CreateTable was called for a table.
func (s *Session) CreateCalls(keyspace, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[s.tableKey(keyspace, name)]
}

// PrepareCalls returns how many statements were prepared against a table.
func (s *Session) PrepareCalls(keyspace, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepares[s.tableKey(keyspace, name)]
}

// Executed returns every statement executed so far, in order.
func (s *Session) Executed() []*storage.BoundStatement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.BoundStatement(nil), s.executed...)
}
