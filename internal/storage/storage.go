// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package storage defines the storage client used by the entity mapper and
// the audit engine, together with the statement and schema types shared by
// every backend.
package storage

import (
	"context"
	"errors"
	"strings"
)

// DataType is a backend-neutral column type.
type DataType string

// Supported column types.
const (
	TypeText      DataType = "text"
	TypeInt       DataType = "int"
	TypeBigint    DataType = "bigint"
	TypeBoolean   DataType = "boolean"
	TypeDouble    DataType = "double"
	TypeTimestamp DataType = "timestamp"
	TypeBlob      DataType = "blob"
	TypeUUID      DataType = "uuid"
)

// ErrTableNotFound is returned by sessions that validate statements against
// known tables.
var ErrTableNotFound = errors.New("table not found")

// Column is a named, typed column.
type Column struct {
	Name string
	Type DataType
}

// TableSchema describes a table to create.
type TableSchema struct {
	Keyspace      string
	Table         string
	PartitionKey  []Column
	ClusteringKey []Column
	Columns       []Column
}

// PrimaryKey returns the partition columns followed by the clustering columns.
func (s TableSchema) PrimaryKey() []Column {
	pk := make([]Column, 0, len(s.PartitionKey)+len(s.ClusteringKey))
	pk = append(pk, s.PartitionKey...)
	return append(pk, s.ClusteringKey...)
}

// AllColumns returns every column of the table in declaration order.
func (s TableSchema) AllColumns() []Column {
	return append(s.PrimaryKey(), s.Columns...)
}

// SchemaChange reports the outcome of a schema-altering statement.
type SchemaChange struct {
	// Applied is false when the table already existed.
	Applied bool
	// Agreed is true once every node reports the new schema.
	Agreed bool
}

// Session is the storage client consumed by the mapper and the audit engine.
type Session interface {
	// CreateTable creates the table if it does not exist and blocks until
	// the backend confirms that the schema change has propagated.
	CreateTable(ctx context.Context, schema TableSchema) (SchemaChange, error)
	// Prepare renders q in the session dialect and prepares it.
	Prepare(ctx context.Context, q Query) (*PreparedStatement, error)
	// Execute runs a bound statement and waits for the result.
	Execute(ctx context.Context, stmt *BoundStatement) error
	// ExecuteAsync runs a bound statement without waiting.
	ExecuteAsync(ctx context.Context, stmt *BoundStatement) *Future
	// Keyspace is the default keyspace of the session.
	Keyspace() string
	// Dialect is the statement dialect spoken by the session.
	Dialect() Dialect
	Close() error
}

// Unquote removes embracing double quotes from an identifier.
func Unquote(name string) string {
	return strings.ReplaceAll(name, `"`, "")
}
