// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEagerInit makes MapperFor initialize the audit table of an audited
// entity when its mapper is first created instead of on the first mutation.
func WithEagerInit() ManagerOption {
	return func(m *Manager) { m.eager = true }
}

// Manager hands out mappers, audited or not according to each entity's
// policy. Mappers are created once per entity type.
type Manager struct {
	mappings *mapping.Manager
	engine   *Engine
	eager    bool

	mu      sync.Mutex
	mappers atomic.Pointer[map[reflect.Type]any]
}

// NewManager creates a manager over mappings and engine.
func NewManager(mappings *mapping.Manager, engine *Engine, opts ...ManagerOption) *Manager {
	m := &Manager{mappings: mappings, engine: engine}
	for _, opt := range opts {
		opt(m)
	}
	empty := make(map[reflect.Type]any)
	m.mappers.Store(&empty)
	return m
}

// Mappings returns the underlying mapping manager.
func (m *Manager) Mappings() *mapping.Manager { return m.mappings }

// Engine returns the audit engine.
func (m *Manager) Engine() *Engine { return m.engine }

// MapperFor returns the mapper of T: the audited decorator when T's policy
// is enabled, the plain mapper otherwise.
func MapperFor[T any](ctx context.Context, m *Manager) (mapping.Mapper[T], error) {
	t := reflect.TypeFor[T]()
	if cached, ok := (*m.mappers.Load())[t]; ok {
		return cached.(mapping.Mapper[T]), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := (*m.mappers.Load())[t]; ok {
		return cached.(mapping.Mapper[T]), nil
	}

	inner, err := mapping.NewMapper[T](m.mappings)
	if err != nil {
		return nil, err
	}
	var mapper mapping.Mapper[T] = inner
	if policy := m.engine.Policy(inner.Metadata()); policy.Enabled {
		if err := CheckTarget(TargetFor(inner.Metadata(), policy)); err != nil {
			return nil, err
		}
		if m.eager {
			if _, err := m.engine.Ensure(ctx, inner.Metadata()); err != nil {
				return nil, err
			}
		}
		mapper = Wrap[T](m.engine, inner)
	}

	current := *m.mappers.Load()
	next := make(map[reflect.Type]any, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[t] = mapper
	m.mappers.Store(&next)
	return mapper, nil
}
