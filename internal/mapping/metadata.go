// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package mapping maps Go structs to storage tables and turns entity values
// into parameterized statements.
//
// Struct fields are mapped with the cql tag:
//
//	type User struct {
//		ID    string `cql:"id,partition=0"`
//		Email string `cql:"email"`
//		Cache string `cql:"-"`
//	}
//
// Untagged exported fields map to their lower-cased field name. Entities name
// their table with a TableName method and may override the session keyspace
// with KeyspaceName.
package mapping

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Entity is implemented by every mapped type.
type Entity interface {
	TableName() string
}

// KeyspaceNamer is implemented by entities stored outside the session
// keyspace.
type KeyspaceNamer interface {
	KeyspaceName() string
}

// ColumnMapping binds a struct field to a column.
type ColumnMapping struct {
	storage.Column
	Field reflect.StructField
}

// EntityMetadata describes how an entity type maps to its table.
type EntityMetadata struct {
	Type     reflect.Type
	Name     string
	Keyspace string
	Table    string
	// Partition and clustering columns in declared key order.
	PartitionKey  []ColumnMapping
	ClusteringKey []ColumnMapping
	// Columns holds every mapped column in field order.
	Columns []ColumnMapping
}

// PartitionKeyColumns returns the partition key columns.
func (m *EntityMetadata) PartitionKeyColumns() []storage.Column { return columns(m.PartitionKey) }

// ClusteringColumns returns the clustering columns.
func (m *EntityMetadata) ClusteringColumns() []storage.Column { return columns(m.ClusteringKey) }

// PrimaryKeyColumns returns partition then clustering columns.
func (m *EntityMetadata) PrimaryKeyColumns() []storage.Column {
	return append(m.PartitionKeyColumns(), m.ClusteringColumns()...)
}

// AllColumns returns every mapped column in field order.
func (m *EntityMetadata) AllColumns() []storage.Column { return columns(m.Columns) }

// Column looks up a mapped column by name.
func (m *EntityMetadata) Column(name string) (ColumnMapping, bool) {
	name = storage.Unquote(name)
	for _, c := range m.Columns {
		if storage.Unquote(c.Name) == name {
			return c, true
		}
	}
	return ColumnMapping{}, false
}

// Schema returns the schema of the entity's own table.
func (m *EntityMetadata) Schema() storage.TableSchema {
	keys := make(map[string]struct{})
	for _, c := range m.PrimaryKeyColumns() {
		keys[c.Name] = struct{}{}
	}
	var values []storage.Column
	for _, c := range m.AllColumns() {
		if _, isKey := keys[c.Name]; !isKey {
			values = append(values, c)
		}
	}
	return storage.TableSchema{
		Keyspace:      m.Keyspace,
		Table:         m.Table,
		PartitionKey:  m.PartitionKeyColumns(),
		ClusteringKey: m.ClusteringColumns(),
		Columns:       values,
	}
}

func columns(in []ColumnMapping) []storage.Column {
	out := make([]storage.Column, len(in))
	for i, c := range in {
		out[i] = c.Column
	}
	return out
}

var (
	entityType   = reflect.TypeFor[Entity]()
	keyspaceType = reflect.TypeFor[KeyspaceNamer]()
	timeType     = reflect.TypeFor[time.Time]()
	uuidType     = reflect.TypeFor[uuid.UUID]()
	bytesType    = reflect.TypeFor[[]byte]()
)

type keyedColumn struct {
	pos int
	col ColumnMapping
}

// Parse builds the metadata of struct type t. defaultKeyspace applies when
// the entity does not implement KeyspaceNamer.
func Parse(t reflect.Type, defaultKeyspace string) (*EntityMetadata, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	errb := oops.Code("MAPPING_INVALID_ENTITY").With("type", t.String())
	if t.Kind() != reflect.Struct {
		return nil, errb.Errorf("entity must be a struct")
	}

	ptr := reflect.PointerTo(t)
	if !ptr.Implements(entityType) {
		return nil, errb.Errorf("%s is not an entity: it does not implement TableName()", t.Name())
	}
	instance := reflect.New(t).Interface()
	meta := &EntityMetadata{
		Type:     t,
		Name:     t.Name(),
		Keyspace: defaultKeyspace,
		Table:    strings.TrimSpace(instance.(Entity).TableName()),
	}
	if ptr.Implements(keyspaceType) {
		if ks := strings.TrimSpace(instance.(KeyspaceNamer).KeyspaceName()); ks != "" {
			meta.Keyspace = ks
		}
	}
	if meta.Table == "" {
		return nil, errb.Errorf("empty table name")
	}

	var partition, clustering []keyedColumn
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, hasTag := f.Tag.Lookup("cql")
		if tag == "-" {
			continue
		}
		if f.Anonymous {
			return nil, errb.With("field", f.Name).Errorf("embedded fields are not supported")
		}

		name := strings.ToLower(f.Name)
		var part, clust = -1, -1
		if hasTag {
			opts := strings.Split(tag, ",")
			if opts[0] != "" {
				name = opts[0]
			}
			for _, opt := range opts[1:] {
				key, val, _ := strings.Cut(strings.TrimSpace(opt), "=")
				pos, err := strconv.Atoi(val)
				if err != nil || pos < 0 {
					return nil, errb.With("field", f.Name).With("option", opt).Errorf("invalid key position")
				}
				switch key {
				case "partition":
					part = pos
				case "clustering":
					clust = pos
				default:
					return nil, errb.With("field", f.Name).With("option", opt).Errorf("unknown cql tag option")
				}
			}
		}

		dt, ok := dataType(f.Type)
		if !ok {
			return nil, errb.With("field", f.Name).With("go_type", f.Type.String()).Errorf("unsupported field type")
		}
		col := ColumnMapping{Column: storage.Column{Name: name, Type: dt}, Field: f}
		meta.Columns = append(meta.Columns, col)

		switch {
		case part >= 0 && clust >= 0:
			return nil, errb.With("field", f.Name).Errorf("column cannot be both partition and clustering key")
		case part >= 0:
			partition = append(partition, keyedColumn{pos: part, col: col})
		case clust >= 0:
			clustering = append(clustering, keyedColumn{pos: clust, col: col})
		}
	}

	if len(partition) == 0 {
		return nil, errb.Errorf("no partition key column")
	}
	var err error
	if meta.PartitionKey, err = ordered(partition); err != nil {
		return nil, errb.Wrap(err)
	}
	if meta.ClusteringKey, err = ordered(clustering); err != nil {
		return nil, errb.Wrap(err)
	}
	return meta, nil
}

func ordered(keyed []keyedColumn) ([]ColumnMapping, error) {
	sort.SliceStable(keyed, func(i, j int) bool { return keyed[i].pos < keyed[j].pos })
	out := make([]ColumnMapping, len(keyed))
	for i, k := range keyed {
		if i > 0 && keyed[i-1].pos == k.pos {
			return nil, oops.With("column", k.col.Name).With("position", k.pos).Errorf("duplicate key position")
		}
		out[i] = k.col
	}
	return out, nil
}

func dataType(t reflect.Type) (storage.DataType, bool) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case timeType:
		return storage.TypeTimestamp, true
	case uuidType:
		return storage.TypeUUID, true
	case bytesType:
		return storage.TypeBlob, true
	}
	switch t.Kind() {
	case reflect.String:
		return storage.TypeText, true
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		return storage.TypeInt, true
	case reflect.Int, reflect.Int64, reflect.Uint32:
		return storage.TypeBigint, true
	case reflect.Bool:
		return storage.TypeBoolean, true
	case reflect.Float32, reflect.Float64:
		return storage.TypeDouble, true
	default:
		return "", false
	}
}
