// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Prepared is a ready audit table: its schema, the unquoted key columns
// copied from entity statements, and the prepared row insert.
type Prepared struct {
	Schema     storage.TableSchema
	KeyColumns []string
	Insert     *storage.PreparedStatement
}

type tableKey struct {
	keyspace string
	table    string
}

func keyOf(t Target) tableKey {
	return tableKey{keyspace: strings.TrimSpace(t.Keyspace), table: strings.TrimSpace(t.Table)}
}

// Initializer creates audit tables and prepares their inserts, once per
// (keyspace, table) per process.
type Initializer struct {
	session storage.Session
	layout  KeyLayout
	logger  *slog.Logger

	ready atomic.Pointer[map[tableKey]*Prepared]
	mu    sync.Mutex
}

// NewInitializer creates an initializer on session.
func NewInitializer(session storage.Session, layout KeyLayout, logger *slog.Logger) *Initializer {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Initializer{session: session, layout: layout, logger: logger}
	empty := make(map[tableKey]*Prepared)
	i.ready.Store(&empty)
	return i
}

// Lookup returns the prepared audit table without initializing it.
func (i *Initializer) Lookup(target Target) (*Prepared, bool) {
	p, ok := (*i.ready.Load())[keyOf(target)]
	return p, ok
}

// Ensure returns the prepared audit table of target, creating the table and
// preparing its insert on first use. Concurrent first callers wait for a
// single initialization. A failed initialization publishes nothing.
func (i *Initializer) Ensure(ctx context.Context, target Target) (*Prepared, error) {
	if p, ok := i.Lookup(target); ok {
		return p, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.Lookup(target); ok {
		return p, nil
	}

	p, err := i.initialize(ctx, target)
	if err != nil {
		failuresTotal.WithLabelValues(reasonInit).Inc()
		return nil, initError(target, err)
	}

	current := *i.ready.Load()
	next := make(map[tableKey]*Prepared, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[keyOf(target)] = p
	i.ready.Store(&next)
	return p, nil
}

func (i *Initializer) initialize(ctx context.Context, target Target) (_ *Prepared, err error) {
	ctx, span := tracer.Start(ctx, "audit.initialize", trace.WithAttributes(
		attribute.String("audit.keyspace", target.Keyspace),
		attribute.String("audit.table", target.Table),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	schema := DeriveSchema(target, i.layout)
	change, err := i.session.CreateTable(ctx, schema)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Ensure
	}
	if change.Applied {
		tablesInitialized.Inc()
	}
	if !change.Agreed {
		schemaDisagreements.Inc()
		i.logger.Warn("audit table schema not agreed by all nodes",
			"keyspace", target.Keyspace, "table", target.Table)
	}

	insert, err := i.session.Prepare(ctx, InsertQuery(schema))
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Ensure
	}
	return &Prepared{Schema: schema, KeyColumns: target.KeyColumns(), Insert: insert}, nil
}
