// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
	"github.com/smartcat-labs/cassandra-audit/pkg/errutil"
)

// Phase tells whether an event was recorded before or after the mutation.
type Phase string

// Event phases.
const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Mutation types written to the type column.
const (
	MutationInsert  = "INSERT"
	MutationUpdate  = "UPDATE"
	MutationDelete  = "DELETE"
	MutationUnknown = "UNKNOWN"
)

// Event is the outcome of one mutation.
type Event struct {
	ID        ulid.ULID
	Entity    string
	Statement *storage.BoundStatement
	ExecTime  time.Duration
	// Err is the mutation error text; nil means the mutation succeeded.
	Err      *string
	Phase    Phase
	Redacted map[string]struct{}
}

// Classify derives the mutation type from statement text.
func Classify(cql string) string {
	s := strings.TrimLeft(cql, " \t\r\n")
	if len(s) < 3 {
		return MutationUnknown
	}
	switch strings.ToUpper(s[:3]) {
	case "INS":
		return MutationInsert
	case "UPD":
		return MutationUpdate
	case "DEL":
		return MutationDelete
	default:
		return MutationUnknown
	}
}

// FormatValues renders the bound variables of stmt as "name:value; " pairs,
// leaving out redacted columns.
func FormatValues(stmt *storage.BoundStatement, redacted map[string]struct{}) string {
	var b strings.Builder
	vars := stmt.PreparedStatement().Variables()
	values := stmt.Values()
	for i, v := range vars {
		name := storage.Unquote(v.Name)
		if _, skip := redacted[name]; skip {
			continue
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(formatValue(values[i]))
		b.WriteString("; ")
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return fmt.Sprintf("0x%x", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Writer turns events into audit rows and persists them without waiting.
type Writer struct {
	session storage.Session
	init    *Initializer
	clock   func() time.Time
	logger  *slog.Logger

	pending sync.WaitGroup
}

// NewWriter creates a writer.
func NewWriter(session storage.Session, init *Initializer, clock func() time.Time, logger *slog.Logger) *Writer {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{session: session, init: init, clock: clock, logger: logger}
}

// Write builds the audit row of ev in target and submits it. Persistence
// failures are logged and counted, never returned.
func (w *Writer) Write(ctx context.Context, target Target, ev Event) error {
	prepared, err := w.init.Ensure(ctx, target)
	if err != nil {
		return err
	}

	row, err := w.row(prepared, ev)
	if err != nil {
		failuresTotal.WithLabelValues(reasonStatement).Inc()
		return dispatchError(reasonStatement, err)
	}

	mutation := row.values[ColumnType].(string)
	fut := w.session.ExecuteAsync(context.WithoutCancel(ctx), row.stmt)
	eventsTotal.WithLabelValues(ev.Entity, mutation).Inc()

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if err := fut.Wait(context.Background()); err != nil {
			failuresTotal.WithLabelValues(reasonPersist).Inc()
			errutil.LogError(w.logger, "audit row write failed", oops.
				With("event_id", ev.ID.String()).
				With("entity", ev.Entity).
				With("keyspace", target.Keyspace).
				With("table", target.Table).
				Wrap(err))
		}
	}()
	return nil
}

// Wait blocks until every submitted row write has completed.
func (w *Writer) Wait() {
	w.pending.Wait()
}

type auditRow struct {
	stmt   *storage.BoundStatement
	values map[string]any
}

func (w *Writer) row(prepared *Prepared, ev Event) (auditRow, error) {
	if ev.Statement == nil {
		return auditRow{}, oops.Code("AUDIT_MISSING_STATEMENT").With("entity", ev.Entity).Errorf("event has no statement")
	}
	text := ev.Statement.PreparedStatement().QueryString()

	values := make(map[string]any, len(prepared.KeyColumns)+6)
	for _, name := range prepared.KeyColumns {
		v, ok := ev.Statement.Value(name)
		if !ok {
			return auditRow{}, oops.Code("AUDIT_KEY_NOT_BOUND").
				With("entity", ev.Entity).
				With("column", name).
				With("query", text).
				Errorf("statement does not bind audit key column")
		}
		values[name] = v
	}
	values[ColumnTime] = w.clock().UTC()
	values[ColumnType] = Classify(text)
	values[ColumnExec] = ev.ExecTime.Nanoseconds()
	if ev.Err != nil {
		values[ColumnErr] = *ev.Err
	} else {
		values[ColumnErr] = nil
	}
	values[ColumnCQL] = text
	values[ColumnValues] = FormatValues(ev.Statement, ev.Redacted)

	stmt, err := prepared.Insert.Bind()
	if err != nil {
		return auditRow{}, oops.Wrap(err)
	}
	for name, v := range values {
		if err := stmt.Set(name, v); err != nil {
			return auditRow{}, oops.Wrap(err)
		}
	}
	return auditRow{stmt: stmt, values: values}, nil
}
