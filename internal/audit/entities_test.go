// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/memory"
)

const testKeyspace = "ks"

type AuditableEntity struct {
	Key   string `cql:"key,partition=0"`
	Value string `cql:"value"`
}

func (AuditableEntity) TableName() string           { return "auditable_entity" }
func (AuditableEntity) AuditOptions() audit.Options { return audit.Options{} }

type CompositeEntity struct {
	Key   string `cql:"key,partition=0"`
	Key2  int32  `cql:"key2,partition=1"`
	Label string `cql:"label"`
}

func (CompositeEntity) TableName() string           { return "composite_entity" }
func (CompositeEntity) AuditOptions() audit.Options { return audit.Options{} }

type Reading struct {
	Sensor string  `cql:"sensor,partition=0"`
	Seq    int32   `cql:"seq,clustering=0"`
	Value  float64 `cql:"value"`
	Secret string  `cql:"secret" audit:"exclude"`
	Token  string  `cql:"token"`
}

func (Reading) TableName() string { return "readings" }
func (Reading) AuditOptions() audit.Options {
	return audit.Options{TableName: "reading_log", KeyspaceName: "audit_ks"}
}

type PrefixedEntity struct {
	ID string `cql:"id,partition=0"`
}

func (PrefixedEntity) TableName() string           { return "prefixed" }
func (PrefixedEntity) AuditOptions() audit.Options { return audit.Options{TablePrefix: "aud_"} }

type PlainEntity struct {
	ID string `cql:"id,partition=0"`
}

func (PlainEntity) TableName() string { return "plain" }

// stepClock returns increasing instants one millisecond apart so audit rows
// for the same key never share a primary key.
func stepClock() func() time.Time {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func metadataOf[T any](t *testing.T) *mapping.EntityMetadata {
	t.Helper()
	meta, err := mapping.Parse(reflect.TypeFor[T](), testKeyspace)
	require.NoError(t, err)
	return meta
}

type fixture struct {
	session  *memory.Session
	mappings *mapping.Manager
	engine   *audit.Engine
	manager  *audit.Manager
}

func newFixture(t *testing.T, opts ...audit.EngineOption) *fixture {
	t.Helper()
	session := memory.New(testKeyspace)
	engine, err := audit.NewEngine(session, append([]audit.EngineOption{audit.WithClock(stepClock())}, opts...)...)
	require.NoError(t, err)

	mappings := mapping.NewManager(session)
	return &fixture{
		session:  session,
		mappings: mappings,
		engine:   engine,
		manager:  audit.NewManager(mappings, engine),
	}
}

// close flushes pending audit writes.
func (f *fixture) close(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Close())
}

func mapperFor[T any](t *testing.T, f *fixture) mapping.Mapper[T] {
	t.Helper()
	ctx := context.Background()
	mapper, err := audit.MapperFor[T](ctx, f.manager)
	require.NoError(t, err)
	_, err = f.mappings.CreateTable(ctx, mapper.Metadata())
	require.NoError(t, err)
	return mapper
}
