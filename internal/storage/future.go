// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package storage

import (
	"context"
	"sync"
)

// Future is the pending result of an asynchronous operation.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFuture returns an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future already completed with err.
func Completed(err error) *Future {
	f := NewFuture()
	f.Complete(err)
	return f
}

// Go runs fn in a new goroutine and completes the returned future with its
// result.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Future {
	f := NewFuture()
	go func() {
		f.Complete(fn(ctx))
	}()
	return f
}

// Complete resolves the future. Only the first call has an effect.
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the outcome, or nil while the future is pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // context errors are returned as-is
	}
}
