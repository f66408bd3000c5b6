// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"reflect"
	"strings"
	"sync"

	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
)

// DefaultTablePrefix is prepended to the entity name to form the audit table
// name when no explicit name is configured.
const DefaultTablePrefix = "audit_"

// Timing selects which audit events a mutation produces.
type Timing uint8

// Timing flags. The zero value means TimingAfter.
const (
	TimingAfter Timing = 1 << iota
	TimingBefore
)

// Before reports whether an event is recorded before the mutation runs.
func (t Timing) Before() bool { return t&TimingBefore != 0 }

// After reports whether an event is recorded once the mutation completes.
func (t Timing) After() bool { return t == 0 || t&TimingAfter != 0 }

// Options is the declarative audit configuration of an entity type.
type Options struct {
	TablePrefix  string
	TableName    string
	KeyspaceName string
	Timing       Timing
}

// Auditable is implemented by entity types whose mutations are audited.
type Auditable interface {
	AuditOptions() Options
}

// Override is a configuration entry for one entity type. It takes precedence
// over the entity's own Auditable declaration; empty option fields keep the
// declared values.
type Override struct {
	Enabled bool
	Options Options
}

// Policy is the resolved audit decision for an entity type.
type Policy struct {
	Enabled  bool
	Keyspace string
	Table    string
	Timing   Timing
}

var auditableType = reflect.TypeFor[Auditable]()

// PolicyResolver computes and memoizes policies per entity type.
type PolicyResolver struct {
	prefix    string
	overrides map[string]Override
	cache     sync.Map // reflect.Type -> Policy
}

// NewPolicyResolver creates a resolver. overrides are keyed by entity type
// name, case-insensitively.
func NewPolicyResolver(prefix string, overrides map[string]Override) *PolicyResolver {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	normalized := make(map[string]Override, len(overrides))
	for name, o := range overrides {
		normalized[strings.ToLower(name)] = o
	}
	return &PolicyResolver{prefix: prefix, overrides: normalized}
}

// Resolve returns the policy of the entity described by meta.
func (r *PolicyResolver) Resolve(meta *mapping.EntityMetadata) Policy {
	if p, ok := r.cache.Load(meta.Type); ok {
		return p.(Policy)
	}
	p, _ := r.cache.LoadOrStore(meta.Type, r.compute(meta))
	return p.(Policy)
}

func (r *PolicyResolver) compute(meta *mapping.EntityMetadata) Policy {
	var (
		opts    Options
		enabled bool
	)
	if reflect.PointerTo(meta.Type).Implements(auditableType) {
		opts = reflect.New(meta.Type).Interface().(Auditable).AuditOptions()
		enabled = true
	}
	if o, ok := r.overrides[strings.ToLower(meta.Name)]; ok {
		enabled = o.Enabled
		opts = merge(opts, o.Options)
	}
	if !enabled {
		return Policy{}
	}

	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = r.prefix
	}
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = prefix + strings.ToLower(meta.Name)
	}
	keyspace := strings.TrimSpace(opts.KeyspaceName)
	if keyspace == "" {
		keyspace = meta.Keyspace
	}
	return Policy{Enabled: true, Keyspace: keyspace, Table: table, Timing: opts.Timing}
}

func merge(base, over Options) Options {
	if over.TablePrefix != "" {
		base.TablePrefix = over.TablePrefix
	}
	if over.TableName != "" {
		base.TableName = over.TableName
	}
	if over.KeyspaceName != "" {
		base.KeyspaceName = over.KeyspaceName
	}
	if over.Timing != 0 {
		base.Timing = over.Timing
	}
	return base
}
