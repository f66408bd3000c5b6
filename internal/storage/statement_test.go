// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcat-labs/cassandra-audit/pkg/errutil"
)

func TestBoundStatement_SetAndValue(t *testing.T) {
	q := Query{Verb: VerbInsert, Keyspace: "ks", Table: "t", Columns: []Column{
		{Name: `"key"`, Type: TypeText},
		{Name: "n", Type: TypeInt},
	}}
	ps := NewPreparedStatement(`INSERT INTO "ks"."t" ("key", "n") VALUES (?, ?)`, q, nil)

	bs, err := ps.Bind()
	require.NoError(t, err)
	require.NoError(t, bs.Set("key", "k1"))
	require.NoError(t, bs.Set(`"n"`, 3))

	v, ok := bs.Value("key")
	require.True(t, ok)
	assert.Equal(t, "k1", v)
	assert.Equal(t, []any{"k1", 3}, bs.Values())
	assert.Equal(t, "ks", bs.PreparedStatement().Keyspace())
	assert.Equal(t, "t", bs.PreparedStatement().Table())

	err = bs.Set("missing", 1)
	errutil.AssertErrorCode(t, err, "STORAGE_UNKNOWN_VARIABLE")
}

func TestPreparedStatement_BindCountMismatch(t *testing.T) {
	q := Query{Verb: VerbDelete, Table: "t", Key: []Column{{Name: "k", Type: TypeText}}}
	ps := NewPreparedStatement(`DELETE FROM "t" WHERE "k" = ?`, q, nil)

	_, err := ps.Bind("a", "b")
	errutil.AssertErrorCode(t, err, "STORAGE_BIND_MISMATCH")

	bs, err := ps.Bind("a")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, bs.Values())
}

func TestQuery_VariablesOrder(t *testing.T) {
	q := Query{
		Verb:    VerbUpdate,
		Columns: []Column{{Name: "a"}, {Name: "b"}},
		Key:     []Column{{Name: "k"}},
	}
	assert.Equal(t, []Column{{Name: "a"}, {Name: "b"}, {Name: "k"}}, q.Variables())

	q.Verb = VerbDelete
	assert.Equal(t, []Column{{Name: "k"}}, q.Variables())
}

func TestFuture(t *testing.T) {
	f := NewFuture()
	assert.NoError(t, f.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)

	boom := errors.New("boom")
	f.Complete(boom)
	f.Complete(nil)
	assert.ErrorIs(t, f.Wait(context.Background()), boom)
	assert.ErrorIs(t, f.Err(), boom)

	g := Go(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, g.Wait(context.Background()))

	select {
	case <-Completed(nil).Done():
	default:
		t.Fatal("Completed future must be done")
	}
}
