// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package storage

import (
	"fmt"
	"time"

	"github.com/samber/oops"
)

// Verb is the command of a data statement.
type Verb string

// Statement verbs.
const (
	VerbInsert Verb = "INSERT"
	VerbUpdate Verb = "UPDATE"
	VerbDelete Verb = "DELETE"
)

// Query is a dialect-neutral description of a data statement. Dialects
// render it to text; the bind variables follow Variables().
type Query struct {
	Verb     Verb
	Keyspace string
	Table    string
	// Columns are the inserted values, or the SET list of an update.
	Columns []Column
	// Key holds the WHERE columns of updates and deletes, and the conflict
	// target of an upsert.
	Key []Column
	// Upsert makes an INSERT overwrite an existing row with the same key.
	Upsert bool
	// TTL and Timestamp are write options; zero means unset.
	TTL       time.Duration
	Timestamp int64
}

// Variables returns the bind variables in the order the rendered statement
// expects them.
func (q Query) Variables() []Column {
	switch q.Verb {
	case VerbDelete:
		return append([]Column(nil), q.Key...)
	case VerbUpdate:
		vars := append([]Column(nil), q.Columns...)
		return append(vars, q.Key...)
	default:
		return append([]Column(nil), q.Columns...)
	}
}

// PreparedStatement is a rendered statement ready to be bound.
type PreparedStatement struct {
	text      string
	keyspace  string
	table     string
	variables []Column
	index     map[string]int
	handle    any
}

// NewPreparedStatement creates a prepared statement for q rendered as text.
// handle carries backend state such as a driver statement.
func NewPreparedStatement(text string, q Query, handle any) *PreparedStatement {
	vars := q.Variables()
	index := make(map[string]int, len(vars))
	for i, v := range vars {
		index[Unquote(v.Name)] = i
	}
	return &PreparedStatement{
		text:      text,
		keyspace:  q.Keyspace,
		table:     q.Table,
		variables: vars,
		index:     index,
		handle:    handle,
	}
}

// QueryString returns the statement text.
func (p *PreparedStatement) QueryString() string { return p.text }

// Keyspace returns the keyspace the statement targets.
func (p *PreparedStatement) Keyspace() string { return p.keyspace }

// Table returns the table the statement targets.
func (p *PreparedStatement) Table() string { return p.table }

// Variables returns a copy of the bind variable definitions.
func (p *PreparedStatement) Variables() []Column {
	return append([]Column(nil), p.variables...)
}

// Handle returns the backend state attached at prepare time.
func (p *PreparedStatement) Handle() any { return p.handle }

// Bind creates a bound statement. With no values every variable starts
// unset (nil); otherwise exactly one value per variable is required.
func (p *PreparedStatement) Bind(values ...any) (*BoundStatement, error) {
	bound := &BoundStatement{prepared: p, values: make([]any, len(p.variables))}
	if len(values) == 0 {
		return bound, nil
	}
	if len(values) != len(p.variables) {
		return nil, oops.Code("STORAGE_BIND_MISMATCH").
			With("query", p.text).
			With("expected", len(p.variables)).
			With("got", len(values)).
			Errorf("wrong number of bind values")
	}
	copy(bound.values, values)
	return bound, nil
}

// BoundStatement is a prepared statement with its parameter values.
type BoundStatement struct {
	prepared *PreparedStatement
	values   []any
}

// PreparedStatement returns the statement this one was bound from.
func (b *BoundStatement) PreparedStatement() *PreparedStatement { return b.prepared }

// Set assigns the value of the named variable.
func (b *BoundStatement) Set(name string, value any) error {
	i, ok := b.prepared.index[Unquote(name)]
	if !ok {
		return oops.Code("STORAGE_UNKNOWN_VARIABLE").
			With("query", b.prepared.text).
			With("variable", name).
			Errorf("no such bind variable")
	}
	b.values[i] = value
	return nil
}

// Value returns the value bound to the named variable.
func (b *BoundStatement) Value(name string) (any, bool) {
	i, ok := b.prepared.index[Unquote(name)]
	if !ok {
		return nil, false
	}
	return b.values[i], true
}

// Values returns the bound values in variable order.
func (b *BoundStatement) Values() []any {
	return append([]any(nil), b.values...)
}

// String renders the statement and its values for logs.
func (b *BoundStatement) String() string {
	return fmt.Sprintf("%s %v", b.prepared.text, b.values)
}
