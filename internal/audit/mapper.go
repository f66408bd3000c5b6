// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// errAborted is the err text of a mutation that exited without returning.
const errAborted = "mutation aborted"

type statementFunc = func(ctx context.Context) (*storage.BoundStatement, error)

// AuditedMapper wraps a mapper and records an audit event for every
// mutation. Methods it does not override go straight to the wrapped mapper.
type AuditedMapper[T any] struct {
	mapping.Mapper[T]
	engine *Engine
}

var _ mapping.Mapper[struct{}] = (*AuditedMapper[struct{}])(nil)

// Wrap decorates inner with auditing on engine.
func Wrap[T any](engine *Engine, inner mapping.Mapper[T]) *AuditedMapper[T] {
	return &AuditedMapper[T]{Mapper: inner, engine: engine}
}

// Unwrap returns the wrapped mapper.
func (a *AuditedMapper[T]) Unwrap() mapping.Mapper[T] { return a.Mapper }

// Save implements mapping.Mapper.
func (a *AuditedMapper[T]) Save(ctx context.Context, entity T, opts ...mapping.Option) error {
	return a.intercept(ctx,
		func(ctx context.Context) (*storage.BoundStatement, error) { return a.Mapper.SaveQuery(ctx, entity, opts...) },
		func() error { return a.Mapper.Save(ctx, entity, opts...) })
}

// Delete implements mapping.Mapper.
func (a *AuditedMapper[T]) Delete(ctx context.Context, entity T, opts ...mapping.Option) error {
	return a.intercept(ctx,
		func(ctx context.Context) (*storage.BoundStatement, error) { return a.Mapper.DeleteQuery(ctx, entity, opts...) },
		func() error { return a.Mapper.Delete(ctx, entity, opts...) })
}

// DeleteByKey implements mapping.Mapper.
func (a *AuditedMapper[T]) DeleteByKey(ctx context.Context, key mapping.Key, opts ...mapping.Option) error {
	return a.intercept(ctx,
		func(ctx context.Context) (*storage.BoundStatement, error) { return a.Mapper.DeleteByKeyQuery(ctx, key, opts...) },
		func() error { return a.Mapper.DeleteByKey(ctx, key, opts...) })
}

// SaveAsync implements mapping.Mapper.
func (a *AuditedMapper[T]) SaveAsync(ctx context.Context, entity T, opts ...mapping.Option) *storage.Future {
	return a.interceptAsync(ctx,
		func(ctx context.Context) (*storage.BoundStatement, error) { return a.Mapper.SaveQuery(ctx, entity, opts...) },
		func() *storage.Future { return a.Mapper.SaveAsync(ctx, entity, opts...) })
}

// DeleteAsync implements mapping.Mapper.
func (a *AuditedMapper[T]) DeleteAsync(ctx context.Context, entity T, opts ...mapping.Option) *storage.Future {
	return a.interceptAsync(ctx,
		func(ctx context.Context) (*storage.BoundStatement, error) { return a.Mapper.DeleteQuery(ctx, entity, opts...) },
		func() *storage.Future { return a.Mapper.DeleteAsync(ctx, entity, opts...) })
}

// DeleteByKeyAsync implements mapping.Mapper.
func (a *AuditedMapper[T]) DeleteByKeyAsync(ctx context.Context, key mapping.Key, opts ...mapping.Option) *storage.Future {
	return a.interceptAsync(ctx,
		func(ctx context.Context) (*storage.BoundStatement, error) {
			return a.Mapper.DeleteByKeyQuery(ctx, key, opts...)
		},
		func() *storage.Future { return a.Mapper.DeleteByKeyAsync(ctx, key, opts...) })
}

// before and the after-event recording run on a context detached from the
// caller's cancellation: a mutation that failed because its context ended
// still gets its audit row. WithDispatchTimeout bounds the wait.
func (a *AuditedMapper[T]) before(ctx context.Context, meta *mapping.EntityMetadata, policy Policy, stmt statementFunc) {
	if !policy.Timing.Before() {
		return
	}
	if err := a.engine.record(context.WithoutCancel(ctx), meta, policy, PhaseBefore, stmt, 0, nil); err != nil {
		a.engine.logAuditError(meta, err)
	}
}

func (a *AuditedMapper[T]) intercept(ctx context.Context, stmt statementFunc, run func() error) error {
	meta := a.Mapper.Metadata()
	policy := a.engine.Policy(meta)
	if !policy.Enabled {
		return run()
	}
	a.before(ctx, meta, policy, stmt)
	auditCtx := context.WithoutCancel(ctx)

	start := time.Now()
	completed := false
	defer func() {
		if completed {
			return
		}
		// A nil recover means the goroutine is exiting through runtime.Goexit.
		r := recover()
		if policy.Timing.After() {
			msg := errAborted
			if r != nil {
				msg = fmt.Sprint(r)
			}
			if err := a.engine.record(auditCtx, meta, policy, PhaseAfter, stmt, time.Since(start), &msg); err != nil {
				a.engine.logAuditError(meta, err)
			}
		}
		if r != nil {
			panic(r)
		}
	}()
	mutationErr := run()
	completed = true
	elapsed := time.Since(start)

	if !policy.Timing.After() {
		return mutationErr
	}
	auditErr := a.engine.record(auditCtx, meta, policy, PhaseAfter, stmt, elapsed, errorText(mutationErr))
	if mutationErr != nil {
		if auditErr != nil {
			a.engine.logAuditError(meta, auditErr)
		}
		return mutationErr
	}
	return auditErr
}

func (a *AuditedMapper[T]) interceptAsync(ctx context.Context, stmt statementFunc, run func() *storage.Future) *storage.Future {
	meta := a.Mapper.Metadata()
	policy := a.engine.Policy(meta)
	if !policy.Enabled {
		return run()
	}
	if !a.engine.beginAsync() {
		return rejectClosed(run())
	}
	a.before(ctx, meta, policy, stmt)

	start := time.Now()
	inner := run()
	out := storage.NewFuture()

	go func() {
		defer a.engine.async.Done()
		<-inner.Done()
		elapsed := time.Since(start)
		mutationErr := inner.Err()
		if policy.Timing.After() {
			err := a.engine.record(context.WithoutCancel(ctx), meta, policy, PhaseAfter, stmt, elapsed, errorText(mutationErr))
			if err != nil {
				a.engine.logAuditError(meta, err)
			}
		}
		out.Complete(mutationErr)
	}()
	return out
}

// rejectClosed completes with the mutation's own error, or ErrDispatch when
// the mutation succeeded on an engine that no longer accepts events.
func rejectClosed(inner *storage.Future) *storage.Future {
	out := storage.NewFuture()
	go func() {
		<-inner.Done()
		if err := inner.Err(); err != nil {
			out.Complete(err)
			return
		}
		failuresTotal.WithLabelValues(reasonDispatch).Inc()
		out.Complete(dispatchError("closed", nil))
	}()
	return out
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
