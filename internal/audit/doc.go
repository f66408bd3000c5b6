// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package audit records every save and delete made through an entity mapper
// into a per-entity audit table.
//
// Mappers obtained from a Manager are wrapped in an AuditedMapper when the
// entity type is auditable. The wrapper times the real mutation, then hands
// the regenerated statement to the Engine, which runs the write on its own
// worker pool: the audit table is created on first use, and each event is
// persisted asynchronously as one row keyed by the entity's primary key and
// the event time.
//
// Audit failures never change the outcome of a failed mutation. When the
// mutation succeeds but its event cannot be dispatched, the caller receives
// an error wrapping ErrDispatch or ErrInit. Failed audit row writes are only
// logged and counted.
package audit
