// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the audit metrics. Serve it next to the process registry.
var Registry = prometheus.NewRegistry()

// Failure reasons recorded on audit_failures_total.
const (
	reasonInit      = "init"
	reasonDispatch  = "dispatch"
	reasonStatement = "statement"
	reasonPersist   = "persist"
)

var (
	eventsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_total",
		Help: "Total number of audit events submitted for persistence",
	}, []string{"entity", "mutation"})

	failuresTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "audit_failures_total",
		Help: "Total number of audit failures by stage",
	}, []string{"reason"})

	dispatchDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_dispatch_duration_seconds",
		Help:    "Time callers spend waiting on audit dispatch",
		Buckets: prometheus.DefBuckets,
	})

	tablesInitialized = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "audit_tables_initialized_total",
		Help: "Total number of audit tables initialized by this process",
	})

	schemaDisagreements = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "audit_schema_disagreements_total",
		Help: "Total number of audit table creations that did not reach schema agreement",
	})
)
