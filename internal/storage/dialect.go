// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package storage

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// Dialect renders schemas and queries into statement text.
type Dialect interface {
	Name() string
	// CreateTable returns the statements that create the table if it does
	// not exist, in execution order.
	CreateTable(schema TableSchema) ([]string, error)
	// Render returns the statement text for q.
	Render(q Query) (string, error)
}

// Built-in dialects.
var (
	CQL Dialect = &dialect{
		name:        "cql",
		placeholder: func(int) string { return "?" },
		types: map[DataType]string{
			TypeText: "text", TypeInt: "int", TypeBigint: "bigint", TypeBoolean: "boolean",
			TypeDouble: "double", TypeTimestamp: "timestamp", TypeBlob: "blob", TypeUUID: "uuid",
		},
		qualified:     true,
		writeOptions:  true,
		nativeUpserts: true,
		partitionKeys: true,
	}

	Postgres Dialect = &dialect{
		name:        "postgres",
		placeholder: func(i int) string { return "$" + strconv.Itoa(i) },
		types: map[DataType]string{
			TypeText: "text", TypeInt: "integer", TypeBigint: "bigint", TypeBoolean: "boolean",
			TypeDouble: "double precision", TypeTimestamp: "timestamptz", TypeBlob: "bytea", TypeUUID: "uuid",
		},
		qualified:    true,
		createSchema: true,
	}

	SQLite Dialect = &dialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		types: map[DataType]string{
			TypeText: "TEXT", TypeInt: "INTEGER", TypeBigint: "INTEGER", TypeBoolean: "INTEGER",
			TypeDouble: "REAL", TypeTimestamp: "TIMESTAMP", TypeBlob: "BLOB", TypeUUID: "TEXT",
		},
	}
)

// DialectByName returns the built-in dialect with the given name.
func DialectByName(name string) (Dialect, bool) {
	for _, d := range []Dialect{CQL, Postgres, SQLite} {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

type dialect struct {
	name        string
	placeholder func(i int) string
	types       map[DataType]string
	// qualified prefixes table names with the keyspace.
	qualified bool
	// createSchema issues CREATE SCHEMA for the keyspace before tables.
	createSchema bool
	// writeOptions supports USING TTL / TIMESTAMP.
	writeOptions bool
	// nativeUpserts means every INSERT already overwrites.
	nativeUpserts bool
	// partitionKeys renders the partition key as a nested tuple.
	partitionKeys bool
}

func (d *dialect) Name() string { return d.name }

func quote(name string) string {
	return `"` + Unquote(name) + `"`
}

func (d *dialect) tableName(keyspace, table string) string {
	if d.qualified && keyspace != "" {
		return quote(keyspace) + "." + quote(table)
	}
	return quote(table)
}

func quoteAll(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quote(c.Name)
	}
	return out
}

func (d *dialect) CreateTable(s TableSchema) ([]string, error) {
	if err := validateSchema(s); err != nil {
		return nil, err
	}

	defs := make([]string, 0, len(s.AllColumns())+1)
	for _, c := range s.AllColumns() {
		typeName, ok := d.types[c.Type]
		if !ok {
			return nil, oops.Code("STORAGE_UNSUPPORTED_TYPE").
				With("dialect", d.name).
				With("column", c.Name).
				With("type", c.Type).
				Errorf("unsupported column type")
		}
		defs = append(defs, quote(c.Name)+" "+typeName)
	}

	var pk string
	if d.partitionKeys {
		parts := append([]string{"(" + strings.Join(quoteAll(s.PartitionKey), ", ") + ")"}, quoteAll(s.ClusteringKey)...)
		pk = strings.Join(parts, ", ")
	} else {
		pk = strings.Join(quoteAll(s.PrimaryKey()), ", ")
	}
	defs = append(defs, "PRIMARY KEY ("+pk+")")

	var stmts []string
	if d.createSchema && s.Keyspace != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+quote(s.Keyspace))
	}
	stmts = append(stmts, "CREATE TABLE IF NOT EXISTS "+d.tableName(s.Keyspace, s.Table)+
		" ("+strings.Join(defs, ", ")+")")
	return stmts, nil
}

func validateSchema(s TableSchema) error {
	if s.Table == "" {
		return oops.Code("STORAGE_INVALID_SCHEMA").Errorf("table name is required")
	}
	if len(s.PartitionKey) == 0 {
		return oops.Code("STORAGE_INVALID_SCHEMA").With("table", s.Table).Errorf("at least one partition key column is required")
	}
	seen := make(map[string]struct{})
	for _, c := range s.AllColumns() {
		name := Unquote(c.Name)
		if _, dup := seen[name]; dup {
			return oops.Code("STORAGE_INVALID_SCHEMA").
				With("table", s.Table).
				With("column", name).
				Errorf("duplicate column")
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (d *dialect) Render(q Query) (string, error) {
	if q.Table == "" {
		return "", oops.Code("STORAGE_INVALID_QUERY").Errorf("table name is required")
	}
	if (q.TTL != 0 || q.Timestamp != 0) && !d.writeOptions {
		return "", oops.Code("STORAGE_UNSUPPORTED_OPTION").
			With("dialect", d.name).
			Errorf("write options (TTL, timestamp) are not supported")
	}

	switch q.Verb {
	case VerbInsert:
		return d.renderInsert(q)
	case VerbUpdate:
		return d.renderUpdate(q)
	case VerbDelete:
		return d.renderDelete(q)
	default:
		return "", oops.Code("STORAGE_INVALID_QUERY").With("verb", q.Verb).Errorf("unknown statement verb")
	}
}

func (d *dialect) placeholders(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.placeholder(from + i)
	}
	return out
}

func (d *dialect) using(q Query) string {
	var opts []string
	if q.TTL > 0 {
		opts = append(opts, "TTL "+strconv.FormatInt(int64(q.TTL.Seconds()), 10))
	}
	if q.Timestamp != 0 {
		opts = append(opts, "TIMESTAMP "+strconv.FormatInt(q.Timestamp, 10))
	}
	if len(opts) == 0 {
		return ""
	}
	return " USING " + strings.Join(opts, " AND ")
}

func (d *dialect) renderInsert(q Query) (string, error) {
	if len(q.Columns) == 0 {
		return "", oops.Code("STORAGE_INVALID_QUERY").With("table", q.Table).Errorf("insert without columns")
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.tableName(q.Keyspace, q.Table))
	b.WriteString(" (" + strings.Join(quoteAll(q.Columns), ", ") + ")")
	b.WriteString(" VALUES (" + strings.Join(d.placeholders(1, len(q.Columns)), ", ") + ")")

	if q.Upsert && !d.nativeUpserts && len(q.Key) > 0 {
		keys := make(map[string]struct{}, len(q.Key))
		for _, k := range q.Key {
			keys[Unquote(k.Name)] = struct{}{}
		}
		var sets []string
		for _, c := range q.Columns {
			if _, isKey := keys[Unquote(c.Name)]; !isKey {
				sets = append(sets, quote(c.Name)+" = EXCLUDED."+quote(c.Name))
			}
		}
		b.WriteString(" ON CONFLICT (" + strings.Join(quoteAll(q.Key), ", ") + ")")
		if len(sets) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
		}
	}
	b.WriteString(d.using(q))
	return b.String(), nil
}

func (d *dialect) where(keys []Column, from int) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = quote(k.Name) + " = " + d.placeholder(from+i)
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (d *dialect) renderUpdate(q Query) (string, error) {
	if len(q.Columns) == 0 || len(q.Key) == 0 {
		return "", oops.Code("STORAGE_INVALID_QUERY").With("table", q.Table).Errorf("update needs columns and key")
	}
	sets := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		sets[i] = quote(c.Name) + " = " + d.placeholder(i+1)
	}
	return "UPDATE " + d.tableName(q.Keyspace, q.Table) + d.using(q) +
		" SET " + strings.Join(sets, ", ") + d.where(q.Key, len(q.Columns)+1), nil
}

func (d *dialect) renderDelete(q Query) (string, error) {
	if len(q.Key) == 0 {
		return "", oops.Code("STORAGE_INVALID_QUERY").With("table", q.Table).Errorf("delete without key")
	}
	if q.TTL != 0 {
		return "", oops.Code("STORAGE_UNSUPPORTED_OPTION").With("table", q.Table).Errorf("TTL is not valid on delete")
	}
	return "DELETE FROM " + d.tableName(q.Keyspace, q.Table) + d.using(q) + d.where(q.Key, 1), nil
}
