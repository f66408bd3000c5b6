// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
	"github.com/smartcat-labs/cassandra-audit/pkg/errutil"
)

var tracer = otel.Tracer("cassandra-audit/audit")

type engineConfig struct {
	workers   int
	timeout   time.Duration
	layout    KeyLayout
	prefix    string
	overrides map[string]Override
	redact    []string
	logger    *slog.Logger
	clock     func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

// WithWorkers sets the dispatch pool size.
func WithWorkers(n int) EngineOption {
	return func(c *engineConfig) { c.workers = n }
}

// WithDispatchTimeout bounds how long a mutation waits for its audit event.
func WithDispatchTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.timeout = d }
}

// WithKeyLayout selects the audit primary key layout.
func WithKeyLayout(l KeyLayout) EngineOption {
	return func(c *engineConfig) { c.layout = l }
}

// WithTablePrefix sets the prefix of derived audit table names.
func WithTablePrefix(prefix string) EngineOption {
	return func(c *engineConfig) { c.prefix = prefix }
}

// WithOverrides sets per-entity policy overrides keyed by entity type name.
func WithOverrides(overrides map[string]Override) EngineOption {
	return func(c *engineConfig) { c.overrides = overrides }
}

// WithRedactPatterns adds column globs excluded from the values dump.
func WithRedactPatterns(patterns ...string) EngineOption {
	return func(c *engineConfig) { c.redact = append(c.redact, patterns...) }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = logger }
}

// WithClock sets the source of audit row timestamps.
func WithClock(clock func() time.Time) EngineOption {
	return func(c *engineConfig) { c.clock = clock }
}

// Engine owns the audit state of a process: resolved policies, the
// initialized audit tables, the dispatch pool and pending row writes.
type Engine struct {
	policies   *PolicyResolver
	redactor   *Redactor
	init       *Initializer
	writer     *Writer
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	async  sync.WaitGroup
}

// NewEngine creates an engine writing audit rows through session.
func NewEngine(session storage.Session, opts ...EngineOption) (*Engine, error) {
	cfg := engineConfig{
		workers: DefaultWorkers,
		layout:  LayoutClustered,
		prefix:  DefaultTablePrefix,
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if _, err := ParseKeyLayout(string(cfg.layout)); err != nil {
		return nil, err
	}
	redactor, err := NewRedactor(cfg.redact)
	if err != nil {
		return nil, err
	}

	initializer := NewInitializer(session, cfg.layout, cfg.logger)
	return &Engine{
		policies:   NewPolicyResolver(cfg.prefix, cfg.overrides),
		redactor:   redactor,
		init:       initializer,
		writer:     NewWriter(session, initializer, cfg.clock, cfg.logger),
		dispatcher: NewDispatcher(cfg.workers, cfg.timeout),
		logger:     cfg.logger,
	}, nil
}

// Policy returns the audit policy of an entity.
func (e *Engine) Policy(meta *mapping.EntityMetadata) Policy {
	return e.policies.Resolve(meta)
}

// Target returns the audit table of an entity under its policy.
func (e *Engine) Target(meta *mapping.EntityMetadata) Target {
	return TargetFor(meta, e.Policy(meta))
}

// Ensure initializes the audit table of an audited entity.
func (e *Engine) Ensure(ctx context.Context, meta *mapping.EntityMetadata) (*Prepared, error) {
	return e.init.Ensure(ctx, e.Target(meta))
}

// Schema returns the audit table schema an entity would get.
func (e *Engine) Schema(meta *mapping.EntityMetadata) storage.TableSchema {
	return DeriveSchema(e.Target(meta), e.init.layout)
}

// record runs one audit event through the dispatch pool. The statement is
// built inside the worker.
func (e *Engine) record(
	ctx context.Context,
	meta *mapping.EntityMetadata,
	policy Policy,
	phase Phase,
	statement func(ctx context.Context) (*storage.BoundStatement, error),
	exec time.Duration,
	errText *string,
) (err error) {
	id := ulid.Make()
	ctx, span := tracer.Start(ctx, "audit.dispatch", trace.WithAttributes(
		attribute.String("audit.event_id", id.String()),
		attribute.String("audit.entity", meta.Name),
		attribute.String("audit.phase", string(phase)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target := TargetFor(meta, policy)
	redacted := e.redactor.Columns(meta)
	return e.dispatcher.Run(ctx, func(ctx context.Context) error {
		stmt, err := statement(ctx)
		if err != nil {
			failuresTotal.WithLabelValues(reasonStatement).Inc()
			return dispatchError(reasonStatement, err)
		}
		return e.writer.Write(ctx, target, Event{
			ID:        id,
			Entity:    meta.Name,
			Statement: stmt,
			ExecTime:  exec,
			Err:       errText,
			Phase:     phase,
			Redacted:  redacted,
		})
	})
}

func (e *Engine) logAuditError(meta *mapping.EntityMetadata, err error) {
	errutil.LogError(e.logger.With("entity", meta.Name), "audit event dropped", err)
}

// beginAsync registers an audited async mutation. It reports false once
// Close has started.
func (e *Engine) beginAsync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.async.Add(1)
	return true
}

// Close waits for audited async mutations, stops the dispatch pool and
// waits for pending audit row writes. Async mutations started after Close
// fail with ErrDispatch unless the mutation itself fails.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.async.Wait()
	err := e.dispatcher.Close()
	e.writer.Wait()
	return err
}
