// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

const auditableTable = "audit_auditableentity"

// failTable makes every statement against table fail with err.
func failTable(table string, err error) func(*storage.BoundStatement) error {
	return func(stmt *storage.BoundStatement) error {
		if stmt.PreparedStatement().Table() == table {
			return err
		}
		return nil
	}
}

func TestAuditedMapper_SaveRecordsOneRow(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	require.IsType(t, &audit.AuditedMapper[AuditableEntity]{}, mapper)

	require.NoError(t, mapper.Save(context.Background(), AuditableEntity{Key: "test-key", Value: "v1"}))
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "test-key", row["key"])
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, int(time.Millisecond), time.UTC), row["time"])
	assert.Equal(t, "INSERT", row["type"])
	assert.Nil(t, row["err"])
	assert.GreaterOrEqual(t, row["exec"].(int64), int64(0))
	assert.Equal(t, `INSERT INTO "ks"."auditable_entity" ("key", "value") VALUES (?, ?)`, row["cql"])
	assert.Equal(t, "key:test-key; value:v1; ", row["values"])

	assert.Len(t, f.session.Rows(testKeyspace, "auditable_entity"), 1)
}

func TestAuditedMapper_NonAuditableEntityCreatesNoTable(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[PlainEntity](t, f)
	assert.IsType(t, &mapping.EntityMapper[PlainEntity]{}, mapper)

	require.NoError(t, mapper.Save(context.Background(), PlainEntity{ID: "p"}))
	require.NoError(t, mapper.DeleteByKey(context.Background(), mapping.Key{"p"}))
	f.close(t)

	assert.False(t, f.session.HasTable(testKeyspace, "audit_plainentity"))
	assert.Len(t, f.session.DDL(), 1, "only the entity table is created")
}

func TestAuditedMapper_FailingMutationIsAudited(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)

	boom := errors.New("write timeout")
	f.session.OnExecute(failTable("auditable_entity", boom))

	err := mapper.Save(context.Background(), AuditableEntity{Key: "test-key"})
	assert.Same(t, boom, err)
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1)
	assert.Equal(t, "write timeout", rows[0]["err"])
	assert.Equal(t, "INSERT", rows[0]["type"])
	assert.Empty(t, f.session.Rows(testKeyspace, "auditable_entity"))
}

func TestAuditedMapper_CancelledMutationIsAudited(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.session.OnExecute(func(stmt *storage.BoundStatement) error {
		if stmt.PreparedStatement().Table() == "auditable_entity" {
			cancel()
			return ctx.Err()
		}
		return nil
	})

	err := mapper.Save(ctx, AuditableEntity{Key: "test-key"})
	require.ErrorIs(t, err, context.Canceled)
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1)
	assert.Equal(t, "test-key", rows[0]["key"])
	assert.Equal(t, "context canceled", rows[0]["err"])
}

func TestAuditedMapper_CancelledContextAfterSuccess(t *testing.T) {
	f := newFixture(t, audit.WithDispatchTimeout(5*time.Second))
	mapper := mapperFor[AuditableEntity](t, f)

	ctx, cancel := context.WithCancel(context.Background())
	f.session.OnExecute(func(stmt *storage.BoundStatement) error {
		if stmt.PreparedStatement().Table() == "auditable_entity" {
			cancel()
		}
		return nil
	})

	require.NoError(t, mapper.Save(ctx, AuditableEntity{Key: "k"}))
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["err"])
}

func TestAuditedMapper_AuditRowWriteFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	before := audit.FailureCount("persist")

	f.session.OnExecute(failTable(auditableTable, errors.New("disk full")))
	require.NoError(t, mapper.Save(context.Background(), AuditableEntity{Key: "k"}))
	f.close(t)

	assert.Equal(t, before+1, audit.FailureCount("persist"))
	assert.True(t, f.session.HasTable(testKeyspace, auditableTable))
	assert.Empty(t, f.session.Rows(testKeyspace, auditableTable))
	assert.Len(t, f.session.Rows(testKeyspace, "auditable_entity"), 1)
}

func TestAuditedMapper_Deletes(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	ctx := context.Background()

	require.NoError(t, mapper.Save(ctx, AuditableEntity{Key: "k", Value: "v"}))
	require.NoError(t, mapper.Delete(ctx, AuditableEntity{Key: "k"}))
	require.NoError(t, mapper.DeleteByKey(ctx, mapping.Key{"k"}))
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 3)
	assert.Equal(t, "INSERT", rows[0]["type"])
	for _, row := range rows[1:] {
		assert.Equal(t, "DELETE", row["type"])
		assert.Equal(t, "k", row["key"])
		assert.Equal(t, `DELETE FROM "ks"."auditable_entity" WHERE "key" = ?`, row["cql"])
		assert.Equal(t, "key:k; ", row["values"])
	}
}

func TestAuditedMapper_CompositePartitionKey(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[CompositeEntity](t, f)

	require.NoError(t, mapper.Save(context.Background(), CompositeEntity{Key: "a", Key2: 7, Label: "x"}))
	f.close(t)

	schema, ok := f.session.Schema(testKeyspace, "audit_compositeentity")
	require.True(t, ok)
	assert.Equal(t, []storage.Column{
		{Name: "key", Type: storage.TypeText},
		{Name: "key2", Type: storage.TypeInt},
	}, schema.PartitionKey)
	assert.Equal(t, []storage.Column{{Name: "time", Type: storage.TypeTimestamp}}, schema.ClusteringKey)

	rows := f.session.Rows(testKeyspace, "audit_compositeentity")
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["key"])
	assert.Equal(t, int32(7), rows[0]["key2"])
}

func TestAuditedMapper_RedactedValuesNeverLeak(t *testing.T) {
	f := newFixture(t, audit.WithRedactPatterns("token"))
	mapper := mapperFor[Reading](t, f)

	reading := Reading{Sensor: "s1", Seq: 3, Value: 21.5, Secret: "hunter2", Token: "tok-123"}
	require.NoError(t, mapper.Save(context.Background(), reading))
	f.close(t)

	rows := f.session.Rows("audit_ks", "reading_log")
	require.Len(t, rows, 1)
	assert.Equal(t, "sensor:s1; seq:3; value:21.5; ", rows[0]["values"])
	assert.Equal(t, int32(3), rows[0]["seq"])
	for _, v := range rows[0] {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "hunter2")
			assert.NotContains(t, s, "tok-123")
		}
	}

	stored := f.session.Rows(testKeyspace, "readings")
	require.Len(t, stored, 1)
	assert.Equal(t, "hunter2", stored[0]["secret"])
	assert.Equal(t, "tok-123", stored[0]["token"])
}

func TestAuditedMapper_AuditFailureAfterSuccessfulMutation(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	ctx := context.Background()

	f.session.FailCreate(errors.New("no quorum"))
	err := mapper.Save(ctx, AuditableEntity{Key: "k1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, audit.ErrInit)
	assert.Len(t, f.session.Rows(testKeyspace, "auditable_entity"), 1, "the mutation itself succeeded")

	f.session.FailCreate(nil)
	require.NoError(t, mapper.Save(ctx, AuditableEntity{Key: "k2"}))
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1)
	assert.Equal(t, "k2", rows[0]["key"])
}

func TestAuditedMapper_MutationErrorWinsOverAuditError(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)

	boom := errors.New("unavailable")
	f.session.OnExecute(failTable("auditable_entity", boom))
	f.session.FailCreate(errors.New("no quorum"))

	err := mapper.Save(context.Background(), AuditableEntity{Key: "k"})
	assert.Same(t, boom, err)
	f.close(t)
}

func TestAuditedMapper_ClosedEngineRejects(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	f.close(t)

	err := mapper.Save(context.Background(), AuditableEntity{Key: "k"})
	assert.ErrorIs(t, err, audit.ErrDispatch)
	assert.Len(t, f.session.Rows(testKeyspace, "auditable_entity"), 1)
}

func TestAuditedMapper_Async(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	ctx := context.Background()

	require.NoError(t, mapper.SaveAsync(ctx, AuditableEntity{Key: "a"}).Wait(ctx))

	boom := errors.New("overloaded")
	f.session.OnExecute(failTable("auditable_entity", boom))
	err := mapper.DeleteAsync(ctx, AuditableEntity{Key: "a"}).Wait(ctx)
	assert.Same(t, boom, err)
	f.session.OnExecute(nil)

	require.NoError(t, mapper.DeleteByKeyAsync(ctx, mapping.Key{"a"}).Wait(ctx))
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 3)
	assert.Nil(t, rows[0]["err"])
	assert.Equal(t, "overloaded", rows[1]["err"])
	assert.Equal(t, "DELETE", rows[1]["type"])
	assert.Nil(t, rows[2]["err"])
}

func TestAuditedMapper_AsyncAuditFailureKeepsMutationOutcome(t *testing.T) {
	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	ctx := context.Background()

	f.session.FailCreate(errors.New("no quorum"))
	require.NoError(t, mapper.SaveAsync(ctx, AuditableEntity{Key: "a"}).Wait(ctx))
	f.close(t)

	assert.False(t, f.session.HasTable(testKeyspace, auditableTable))
}

func TestAuditedMapper_BeforeAndAfter(t *testing.T) {
	f := newFixture(t, audit.WithOverrides(map[string]audit.Override{
		"AuditableEntity": {Enabled: true, Options: audit.Options{Timing: audit.TimingBefore | audit.TimingAfter}},
	}))
	mapper := mapperFor[AuditableEntity](t, f)

	require.NoError(t, mapper.Save(context.Background(), AuditableEntity{Key: "k"}))
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(0), rows[0]["exec"])
	assert.Equal(t, "INSERT", rows[0]["type"])
	assert.Equal(t, "INSERT", rows[1]["type"])
}

type panickingMapper struct {
	mapping.Mapper[AuditableEntity]
}

func (panickingMapper) Save(context.Context, AuditableEntity, ...mapping.Option) error {
	panic("driver crashed")
}

func TestAuditedMapper_PanicIsAuditedAndRethrown(t *testing.T) {
	f := newFixture(t)
	inner := mapperFor[AuditableEntity](t, f).(*audit.AuditedMapper[AuditableEntity]).Unwrap()
	mapper := audit.Wrap[AuditableEntity](f.engine, panickingMapper{Mapper: inner})

	assert.PanicsWithValue(t, "driver crashed", func() {
		_ = mapper.Save(context.Background(), AuditableEntity{Key: "k"})
	})
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1)
	assert.Equal(t, "driver crashed", rows[0]["err"])
}

func TestAuditedMapper_PanicWithBeforeOnlyTiming(t *testing.T) {
	f := newFixture(t, audit.WithOverrides(map[string]audit.Override{
		"AuditableEntity": {Enabled: true, Options: audit.Options{Timing: audit.TimingBefore}},
	}))
	inner := mapperFor[AuditableEntity](t, f).(*audit.AuditedMapper[AuditableEntity]).Unwrap()
	mapper := audit.Wrap[AuditableEntity](f.engine, panickingMapper{Mapper: inner})

	assert.PanicsWithValue(t, "driver crashed", func() {
		_ = mapper.Save(context.Background(), AuditableEntity{Key: "k"})
	})
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1, "only the before event")
	assert.Nil(t, rows[0]["err"])
	assert.Equal(t, int64(0), rows[0]["exec"])
}

type exitingMapper struct {
	mapping.Mapper[AuditableEntity]
}

func (exitingMapper) Save(context.Context, AuditableEntity, ...mapping.Option) error {
	runtime.Goexit()
	return nil
}

func TestAuditedMapper_GoexitIsAuditedNotPanicked(t *testing.T) {
	f := newFixture(t)
	inner := mapperFor[AuditableEntity](t, f).(*audit.AuditedMapper[AuditableEntity]).Unwrap()
	mapper := audit.Wrap[AuditableEntity](f.engine, exitingMapper{Mapper: inner})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mapper.Save(context.Background(), AuditableEntity{Key: "k"})
	}()
	<-done
	f.close(t)

	rows := f.session.Rows(testKeyspace, auditableTable)
	require.Len(t, rows, 1)
	assert.Equal(t, "mutation aborted", rows[0]["err"])
}

func TestAuditedMapper_AsyncAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	ctx := context.Background()
	f.close(t)

	err := mapper.SaveAsync(ctx, AuditableEntity{Key: "k"}).Wait(ctx)
	require.ErrorIs(t, err, audit.ErrDispatch)
	assert.Len(t, f.session.Rows(testKeyspace, "auditable_entity"), 1, "the mutation itself ran")

	boom := errors.New("overloaded")
	f.session.OnExecute(failTable("auditable_entity", boom))
	err = mapper.DeleteAsync(ctx, AuditableEntity{Key: "k"}).Wait(ctx)
	assert.Same(t, boom, err)
}

func TestAuditedMapper_AsyncConcurrentWithClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	mapper := mapperFor[AuditableEntity](t, f)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mapper.SaveAsync(ctx, AuditableEntity{Key: fmt.Sprintf("k%d", i)}).Wait(ctx)
			if err != nil {
				assert.ErrorIs(t, err, audit.ErrDispatch)
			}
		}()
	}
	require.NoError(t, f.engine.Close())
	wg.Wait()

	assert.Len(t, f.session.Rows(testKeyspace, "auditable_entity"), writers)
	assert.LessOrEqual(t, len(f.session.Rows(testKeyspace, auditableTable)), writers)
}

func TestAuditedMapper_DelegatesQueries(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	mapper := mapperFor[AuditableEntity](t, f)

	stmt, err := mapper.SaveQuery(context.Background(), AuditableEntity{Key: "k", Value: "v"})
	require.NoError(t, err)
	assert.Equal(t, []any{"k", "v"}, stmt.Values())
	assert.Equal(t, "AuditableEntity", mapper.Metadata().Name)
	assert.False(t, f.session.HasTable(testKeyspace, auditableTable))
}
