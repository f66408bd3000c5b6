// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package demo holds a small set of entities and a workload that exercises
// the audit engine against any storage backend.
package demo

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Account is audited with the default policy. Its password never reaches
// the audit trail.
type Account struct {
	ID       string    `cql:"id,partition=0"`
	Email    string    `cql:"email"`
	Password string    `cql:"password" audit:"exclude"`
	Created  time.Time `cql:"created"`
}

func (Account) TableName() string           { return "accounts" }
func (Account) AuditOptions() audit.Options { return audit.Options{} }

// Order has a composite partition key and a clustering column, and records
// an event before and after each mutation.
type Order struct {
	Customer string  `cql:"customer,partition=0"`
	Region   int32   `cql:"region,partition=1"`
	Number   int32   `cql:"number,clustering=0"`
	Total    float64 `cql:"total"`
	Note     string  `cql:"note"`
}

func (Order) TableName() string { return "orders" }
func (Order) AuditOptions() audit.Options {
	return audit.Options{TableName: "order_history", Timing: audit.TimingBefore | audit.TimingAfter}
}

// LoginSession is not audited unless the configuration enables it.
type LoginSession struct {
	Token   uuid.UUID `cql:"token,partition=0"`
	Account string    `cql:"account"`
}

func (LoginSession) TableName() string { return "login_sessions" }

// Entities lists the demo entity types.
func Entities() []reflect.Type {
	return []reflect.Type{
		reflect.TypeFor[Account](),
		reflect.TypeFor[Order](),
		reflect.TypeFor[LoginSession](),
	}
}

// Metadata returns the metadata of every demo entity.
func Metadata(m *mapping.Manager) ([]*mapping.EntityMetadata, error) {
	out := make([]*mapping.EntityMetadata, 0, len(Entities()))
	for _, t := range Entities() {
		meta, err := m.Metadata(t)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// CreateTables creates the demo entity tables.
func CreateTables(ctx context.Context, m *mapping.Manager) error {
	metas, err := Metadata(m)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if _, err := m.CreateTable(ctx, meta); err != nil {
			return oops.With("entity", meta.Name).Wrap(err)
		}
	}
	return nil
}

// AuditDDL renders the statements that create the audit tables of the
// audited demo entities in dialect.
func AuditDDL(engine *audit.Engine, m *mapping.Manager, dialect storage.Dialect) ([]string, error) {
	metas, err := Metadata(m)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, meta := range metas {
		if !engine.Policy(meta).Enabled {
			continue
		}
		stmts, err := dialect.CreateTable(engine.Schema(meta))
		if err != nil {
			return nil, oops.With("entity", meta.Name).Wrap(err)
		}
		out = append(out, stmts...)
	}
	return out, nil
}

// Report counts the mutations a Run issued.
type Report struct {
	Saves   int
	Deletes int
}

// Run performs a fixed sequence of saves and deletes through mappers
// obtained from mgr. Entity tables must exist.
func Run(ctx context.Context, mgr *audit.Manager, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var report Report

	accounts, err := audit.MapperFor[Account](ctx, mgr)
	if err != nil {
		return report, err
	}
	orders, err := audit.MapperFor[Order](ctx, mgr)
	if err != nil {
		return report, err
	}
	sessions, err := audit.MapperFor[LoginSession](ctx, mgr)
	if err != nil {
		return report, err
	}

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, a := range []Account{
		{ID: "alice", Email: "alice@example.com", Password: "hunter2", Created: created},
		{ID: "bob", Email: "bob@example.com", Password: "correct horse", Created: created},
		{ID: "alice", Email: "alice@example.org", Password: "hunter3", Created: created},
	} {
		if err := accounts.Save(ctx, a); err != nil {
			return report, err
		}
		report.Saves++
	}
	if err := accounts.Delete(ctx, Account{ID: "bob"}); err != nil {
		return report, err
	}
	report.Deletes++

	var futures []*storage.Future
	for i := range int32(3) {
		futures = append(futures, orders.SaveAsync(ctx, Order{
			Customer: "alice",
			Region:   1,
			Number:   i + 1,
			Total:    float64(10 * (i + 1)),
			Note:     "demo order",
		}))
	}
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			return report, err
		}
		report.Saves++
	}
	if err := orders.DeleteByKey(ctx, mapping.Key{"alice", int32(1), int32(2)}); err != nil {
		return report, err
	}
	report.Deletes++

	if err := sessions.Save(ctx, LoginSession{Token: uuid.New(), Account: "alice"}); err != nil {
		return report, err
	}
	report.Saves++

	logger.Info("demo workload finished", "saves", report.Saves, "deletes", report.Deletes)
	return report, nil
}
