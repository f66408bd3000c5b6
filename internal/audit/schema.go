// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"strings"

	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// KeyLayout controls where entity clustering columns go in the audit key.
type KeyLayout string

// Key layouts.
const (
	// LayoutClustered keeps entity clustering columns as clustering columns,
	// ahead of the event time.
	LayoutClustered KeyLayout = "clustered"
	// LayoutLegacy moves entity clustering columns into the partition key.
	LayoutLegacy KeyLayout = "legacy"
)

// ParseKeyLayout validates a layout name. Empty means LayoutClustered.
func ParseKeyLayout(s string) (KeyLayout, error) {
	switch KeyLayout(s) {
	case "", LayoutClustered:
		return LayoutClustered, nil
	case LayoutLegacy:
		return LayoutLegacy, nil
	default:
		return "", oops.Code("AUDIT_INVALID_LAYOUT").With("layout", s).Errorf("unknown audit key layout")
	}
}

// Audit table column names.
const (
	ColumnTime   = "time"
	ColumnType   = "type"
	ColumnExec   = "exec"
	ColumnErr    = "err"
	ColumnCQL    = "cql"
	ColumnValues = "values"
)

var (
	timeColumn   = storage.Column{Name: ColumnTime, Type: storage.TypeTimestamp}
	valueColumns = []storage.Column{
		{Name: ColumnType, Type: storage.TypeText},
		{Name: ColumnExec, Type: storage.TypeBigint},
		{Name: ColumnErr, Type: storage.TypeText},
		{Name: ColumnCQL, Type: storage.TypeText},
		{Name: ColumnValues, Type: storage.TypeText},
	}
)

// Target identifies an audit table and the entity key it mirrors.
type Target struct {
	Keyspace      string
	Table         string
	PartitionKey  []storage.Column
	ClusteringKey []storage.Column
}

// TargetFor builds the audit target of an entity under policy.
func TargetFor(meta *mapping.EntityMetadata, policy Policy) Target {
	return Target{
		Keyspace:      policy.Keyspace,
		Table:         policy.Table,
		PartitionKey:  unquoted(meta.PartitionKeyColumns()),
		ClusteringKey: unquoted(meta.ClusteringColumns()),
	}
}

// KeyColumns returns the mirrored entity key column names in order.
func (t Target) KeyColumns() []string {
	names := make([]string, 0, len(t.PartitionKey)+len(t.ClusteringKey))
	for _, c := range t.PartitionKey {
		names = append(names, c.Name)
	}
	for _, c := range t.ClusteringKey {
		names = append(names, c.Name)
	}
	return names
}

func unquoted(cols []storage.Column) []storage.Column {
	out := make([]storage.Column, len(cols))
	for i, c := range cols {
		out[i] = storage.Column{Name: storage.Unquote(c.Name), Type: c.Type}
	}
	return out
}

// CheckTarget rejects an entity key column whose name is taken by one of the
// audit table's own columns.
func CheckTarget(target Target) error {
	for _, name := range target.KeyColumns() {
		switch strings.ToLower(name) {
		case ColumnTime, ColumnType, ColumnExec, ColumnErr, ColumnCQL, ColumnValues:
			return oops.Code(CodeReservedColumn).
				With("keyspace", target.Keyspace).
				With("table", target.Table).
				With("column", name).
				Errorf("entity key column %q collides with an audit column", name)
		}
	}
	return nil
}

// DeriveSchema returns the audit table schema for target. Both layouts give
// the primary key entity partition ++ entity clustering ++ [time].
func DeriveSchema(target Target, layout KeyLayout) storage.TableSchema {
	schema := storage.TableSchema{
		Keyspace: target.Keyspace,
		Table:    target.Table,
		Columns:  append([]storage.Column(nil), valueColumns...),
	}
	schema.PartitionKey = append(schema.PartitionKey, target.PartitionKey...)
	if layout == LayoutLegacy {
		schema.PartitionKey = append(schema.PartitionKey, target.ClusteringKey...)
	} else {
		schema.ClusteringKey = append(schema.ClusteringKey, target.ClusteringKey...)
	}
	schema.ClusteringKey = append(schema.ClusteringKey, timeColumn)
	return schema
}

// InsertQuery returns the audit row insert for schema. Bind variables are the
// key columns followed by time, type, exec, err, cql and values.
func InsertQuery(schema storage.TableSchema) storage.Query {
	return storage.Query{
		Verb:     storage.VerbInsert,
		Keyspace: schema.Keyspace,
		Table:    schema.Table,
		Columns:  schema.AllColumns(),
	}
}
