// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
)

// Redactor decides which columns are left out of the audit values dump.
//
// A column is redacted when its struct field is tagged audit:"exclude" or
// when a configured glob matches either "column" or "entity.column" (entity
// lower-cased).
type Redactor struct {
	patterns []glob.Glob
	cache    sync.Map // reflect.Type -> map[string]struct{}
}

// NewRedactor compiles the column patterns.
func NewRedactor(patterns []string) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p), '.')
		if err != nil {
			return nil, oops.Code("AUDIT_INVALID_REDACTION").With("pattern", p).Wrap(err)
		}
		r.patterns = append(r.patterns, g)
	}
	return r, nil
}

// Columns returns the unquoted names of the redacted columns of an entity.
func (r *Redactor) Columns(meta *mapping.EntityMetadata) map[string]struct{} {
	if cached, ok := r.cache.Load(meta.Type); ok {
		return cached.(map[string]struct{})
	}

	entity := strings.ToLower(meta.Name)
	excluded := make(map[string]struct{})
	for _, c := range meta.Columns {
		name := storage.Unquote(c.Name)
		if isExcluded(c) || r.matches(entity, strings.ToLower(name)) {
			excluded[name] = struct{}{}
		}
	}
	cached, _ := r.cache.LoadOrStore(meta.Type, excluded)
	return cached.(map[string]struct{})
}

func isExcluded(c mapping.ColumnMapping) bool {
	for _, opt := range strings.Split(c.Field.Tag.Get("audit"), ",") {
		if strings.TrimSpace(opt) == "exclude" {
			return true
		}
	}
	return false
}

func (r *Redactor) matches(entity, column string) bool {
	for _, g := range r.patterns {
		if g.Match(column) || g.Match(entity+"."+column) {
			return true
		}
	}
	return false
}
