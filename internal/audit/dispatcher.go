// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the size of the dispatch pool when none is configured.
const DefaultWorkers = 10

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Dispatcher runs audit work on a fixed pool of worker goroutines so that
// storage calls never run on the goroutine completing a mutation.
type Dispatcher struct {
	tasks   chan task
	timeout time.Duration

	group     *errgroup.Group
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDispatcher starts workers goroutines. A positive timeout bounds every
// Run call.
func NewDispatcher(workers int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	d := &Dispatcher{
		tasks:   make(chan task),
		timeout: timeout,
		group:   group,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	for range workers {
		group.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	return d
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.tasks:
			t.done <- execute(t)
		}
	}
}

func execute(t task) (err error) {
	if perr := oops.Recover(func() { err = t.fn(t.ctx) }); perr != nil {
		failuresTotal.WithLabelValues(reasonDispatch).Inc()
		return dispatchError("panic", perr)
	}
	return err
}

// Run hands fn to a worker and waits for its result. Task errors are
// returned as-is. Run fails with ErrDispatch when the pool is closed, ctx
// ends before a worker picks the task up or finishes it, or fn panics.
func (d *Dispatcher) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { dispatchDuration.Observe(time.Since(start).Seconds()) }()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	select {
	case <-d.closed:
		return d.reject("closed", nil)
	default:
	}
	if err := ctx.Err(); err != nil {
		return d.reject("rejected", err)
	}

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-d.closed:
		return d.reject("closed", nil)
	case <-ctx.Done():
		return d.reject("rejected", ctx.Err())
	case d.tasks <- t:
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return d.reject("timeout", ctx.Err())
	}
}

func (d *Dispatcher) reject(reason string, err error) error {
	failuresTotal.WithLabelValues(reasonDispatch).Inc()
	return dispatchError(reason, err)
}

// Close stops the workers after their current task and rejects further
// submissions. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.cancel()
	})
	return d.group.Wait() //nolint:wrapcheck // workers never return errors
}
