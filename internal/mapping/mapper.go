// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package mapping

import (
	"context"
	"reflect"
	"sync"

	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Key is a full primary key: partition values then clustering values.
type Key []any

// Mapper saves and deletes entities of type T.
type Mapper[T any] interface {
	Save(ctx context.Context, entity T, opts ...Option) error
	SaveAsync(ctx context.Context, entity T, opts ...Option) *storage.Future
	Delete(ctx context.Context, entity T, opts ...Option) error
	DeleteAsync(ctx context.Context, entity T, opts ...Option) *storage.Future
	DeleteByKey(ctx context.Context, key Key, opts ...Option) error
	DeleteByKeyAsync(ctx context.Context, key Key, opts ...Option) *storage.Future

	// The query methods build the statement the matching mutation executes.
	SaveQuery(ctx context.Context, entity T, opts ...Option) (*storage.BoundStatement, error)
	DeleteQuery(ctx context.Context, entity T, opts ...Option) (*storage.BoundStatement, error)
	DeleteByKeyQuery(ctx context.Context, key Key, opts ...Option) (*storage.BoundStatement, error)

	Metadata() *EntityMetadata
	SetDefaultSaveOptions(opts ...Option)
	SetDefaultDeleteOptions(opts ...Option)
	ResetDefaultSaveOptions()
	ResetDefaultDeleteOptions()
}

// Manager creates mappers on a session and caches entity metadata.
type Manager struct {
	session storage.Session

	mu       sync.Mutex
	metadata map[reflect.Type]*EntityMetadata
}

// NewManager creates a manager for session.
func NewManager(session storage.Session) *Manager {
	return &Manager{session: session, metadata: make(map[reflect.Type]*EntityMetadata)}
}

// Session returns the session mappers execute on.
func (m *Manager) Session() storage.Session { return m.session }

// Metadata returns the cached metadata of entity type t.
func (m *Manager) Metadata(t reflect.Type) (*EntityMetadata, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.metadata[t]; ok {
		return meta, nil
	}
	meta, err := Parse(t, m.session.Keyspace())
	if err != nil {
		return nil, err
	}
	m.metadata[t] = meta
	return meta, nil
}

// MetadataFor returns the metadata of T.
func MetadataFor[T any](m *Manager) (*EntityMetadata, error) {
	return m.Metadata(reflect.TypeFor[T]())
}

// CreateTable creates the entity's own table if needed.
func (m *Manager) CreateTable(ctx context.Context, meta *EntityMetadata) (storage.SchemaChange, error) {
	return m.session.CreateTable(ctx, meta.Schema()) //nolint:wrapcheck // storage errors carry their own context
}

// NewMapper returns a mapper for entity type T.
func NewMapper[T any](m *Manager) (*EntityMapper[T], error) {
	meta, err := MetadataFor[T](m)
	if err != nil {
		return nil, err
	}
	return &EntityMapper[T]{
		session:  m.session,
		meta:     meta,
		prepared: make(map[storage.Verb]*storage.PreparedStatement),
	}, nil
}

// EntityMapper is the default Mapper implementation.
type EntityMapper[T any] struct {
	session storage.Session
	meta    *EntityMetadata

	optsMu        sync.RWMutex
	defaultSave   []Option
	defaultDelete []Option
	preparedMu    sync.Mutex
	prepared      map[storage.Verb]*storage.PreparedStatement
}

var _ Mapper[struct{}] = (*EntityMapper[struct{}])(nil)

// Metadata implements Mapper.
func (e *EntityMapper[T]) Metadata() *EntityMetadata { return e.meta }

// SetDefaultSaveOptions implements Mapper.
func (e *EntityMapper[T]) SetDefaultSaveOptions(opts ...Option) {
	e.optsMu.Lock()
	defer e.optsMu.Unlock()
	e.defaultSave = append([]Option(nil), opts...)
}

// SetDefaultDeleteOptions implements Mapper.
func (e *EntityMapper[T]) SetDefaultDeleteOptions(opts ...Option) {
	e.optsMu.Lock()
	defer e.optsMu.Unlock()
	e.defaultDelete = append([]Option(nil), opts...)
}

// ResetDefaultSaveOptions implements Mapper.
func (e *EntityMapper[T]) ResetDefaultSaveOptions() { e.SetDefaultSaveOptions() }

// ResetDefaultDeleteOptions implements Mapper.
func (e *EntityMapper[T]) ResetDefaultDeleteOptions() { e.SetDefaultDeleteOptions() }

func (e *EntityMapper[T]) saveOptions(opts []Option) options {
	e.optsMu.RLock()
	defer e.optsMu.RUnlock()
	return resolve(e.defaultSave, opts)
}

func (e *EntityMapper[T]) deleteOptions(opts []Option) (options, error) {
	e.optsMu.RLock()
	o := resolve(e.defaultDelete, opts)
	e.optsMu.RUnlock()
	if o.ttl != 0 {
		return o, oops.Code("MAPPING_UNSUPPORTED_OPTION").
			With("entity", e.meta.Name).
			Errorf("TTL is not valid on delete")
	}
	return o, nil
}

// prepare returns the statement for verb. Statements without write options
// are prepared once and reused.
func (e *EntityMapper[T]) prepare(ctx context.Context, verb storage.Verb, o options) (*storage.PreparedStatement, error) {
	q := storage.Query{
		Verb:      verb,
		Keyspace:  e.meta.Keyspace,
		Table:     e.meta.Table,
		Key:       e.meta.PrimaryKeyColumns(),
		TTL:       o.ttl,
		Timestamp: o.timestamp,
	}
	if verb == storage.VerbInsert {
		q.Columns = e.meta.AllColumns()
		q.Upsert = true
	}

	if !o.zero() {
		return e.prepareQuery(ctx, q)
	}

	e.preparedMu.Lock()
	defer e.preparedMu.Unlock()
	if ps, ok := e.prepared[verb]; ok {
		return ps, nil
	}
	ps, err := e.prepareQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	e.prepared[verb] = ps
	return ps, nil
}

func (e *EntityMapper[T]) prepareQuery(ctx context.Context, q storage.Query) (*storage.PreparedStatement, error) {
	ps, err := e.session.Prepare(ctx, q)
	if err != nil {
		return nil, oops.With("entity", e.meta.Name).With("verb", q.Verb).Wrap(err)
	}
	return ps, nil
}

func (e *EntityMapper[T]) structValue(entity T) (reflect.Value, error) {
	v := reflect.ValueOf(entity)
	if !v.IsValid() {
		return reflect.Value{}, oops.Code("MAPPING_INVALID_ENTITY").With("entity", e.meta.Name).Errorf("nil entity")
	}
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, oops.Code("MAPPING_INVALID_ENTITY").With("entity", e.meta.Name).Errorf("nil entity")
		}
		v = v.Elem()
	}
	if v.Type() != e.meta.Type {
		return reflect.Value{}, oops.Code("MAPPING_INVALID_ENTITY").
			With("entity", e.meta.Name).
			With("got", v.Type().String()).
			Errorf("entity type mismatch")
	}
	return v, nil
}

func fieldValues(v reflect.Value, cols []ColumnMapping) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		f := v.FieldByIndex(c.Field.Index)
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				continue
			}
			f = f.Elem()
		}
		out[i] = f.Interface()
	}
	return out
}

func (e *EntityMapper[T]) bind(ps *storage.PreparedStatement, values []any) (*storage.BoundStatement, error) {
	bound, err := ps.Bind(values...)
	if err != nil {
		return nil, oops.With("entity", e.meta.Name).Wrap(err)
	}
	return bound, nil
}

// SaveQuery implements Mapper.
func (e *EntityMapper[T]) SaveQuery(ctx context.Context, entity T, opts ...Option) (*storage.BoundStatement, error) {
	v, err := e.structValue(entity)
	if err != nil {
		return nil, err
	}
	ps, err := e.prepare(ctx, storage.VerbInsert, e.saveOptions(opts))
	if err != nil {
		return nil, err
	}
	return e.bind(ps, fieldValues(v, e.meta.Columns))
}

// DeleteQuery implements Mapper.
func (e *EntityMapper[T]) DeleteQuery(ctx context.Context, entity T, opts ...Option) (*storage.BoundStatement, error) {
	v, err := e.structValue(entity)
	if err != nil {
		return nil, err
	}
	key := append(fieldValues(v, e.meta.PartitionKey), fieldValues(v, e.meta.ClusteringKey)...)
	return e.DeleteByKeyQuery(ctx, key, opts...)
}

// DeleteByKeyQuery implements Mapper.
func (e *EntityMapper[T]) DeleteByKeyQuery(ctx context.Context, key Key, opts ...Option) (*storage.BoundStatement, error) {
	if want := len(e.meta.PartitionKey) + len(e.meta.ClusteringKey); len(key) != want {
		return nil, oops.Code("MAPPING_KEY_MISMATCH").
			With("entity", e.meta.Name).
			With("expected", want).
			With("got", len(key)).
			Errorf("wrong number of primary key values")
	}
	o, err := e.deleteOptions(opts)
	if err != nil {
		return nil, err
	}
	ps, err := e.prepare(ctx, storage.VerbDelete, o)
	if err != nil {
		return nil, err
	}
	return e.bind(ps, key)
}

func (e *EntityMapper[T]) execute(ctx context.Context, stmt *storage.BoundStatement, err error) error {
	if err != nil {
		return err
	}
	return e.session.Execute(ctx, stmt) //nolint:wrapcheck // storage errors carry their own context
}

func (e *EntityMapper[T]) executeAsync(ctx context.Context, stmt *storage.BoundStatement, err error) *storage.Future {
	if err != nil {
		return storage.Completed(err)
	}
	return e.session.ExecuteAsync(ctx, stmt)
}

// Save implements Mapper.
func (e *EntityMapper[T]) Save(ctx context.Context, entity T, opts ...Option) error {
	stmt, err := e.SaveQuery(ctx, entity, opts...)
	return e.execute(ctx, stmt, err)
}

// SaveAsync implements Mapper.
func (e *EntityMapper[T]) SaveAsync(ctx context.Context, entity T, opts ...Option) *storage.Future {
	stmt, err := e.SaveQuery(ctx, entity, opts...)
	return e.executeAsync(ctx, stmt, err)
}

// Delete implements Mapper.
func (e *EntityMapper[T]) Delete(ctx context.Context, entity T, opts ...Option) error {
	stmt, err := e.DeleteQuery(ctx, entity, opts...)
	return e.execute(ctx, stmt, err)
}

// DeleteAsync implements Mapper.
func (e *EntityMapper[T]) DeleteAsync(ctx context.Context, entity T, opts ...Option) *storage.Future {
	stmt, err := e.DeleteQuery(ctx, entity, opts...)
	return e.executeAsync(ctx, stmt, err)
}

// DeleteByKey implements Mapper.
func (e *EntityMapper[T]) DeleteByKey(ctx context.Context, key Key, opts ...Option) error {
	stmt, err := e.DeleteByKeyQuery(ctx, key, opts...)
	return e.execute(ctx, stmt, err)
}

// DeleteByKeyAsync implements Mapper.
func (e *EntityMapper[T]) DeleteByKeyAsync(ctx context.Context, key Key, opts ...Option) *storage.Future {
	stmt, err := e.DeleteByKeyQuery(ctx, key, opts...)
	return e.executeAsync(ctx, stmt, err)
}
