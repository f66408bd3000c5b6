// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

//go:build integration

package integration

import (
	"fmt"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/postgres"
)

type Widget struct {
	ID     string `cql:"id,partition=0"`
	Name   string `cql:"name"`
	Secret string `cql:"secret" audit:"exclude"`
}

func (Widget) TableName() string           { return "widgets" }
func (Widget) AuditOptions() audit.Options { return audit.Options{} }

// Gadget's table is never created, so every mutation fails.
type Gadget struct {
	ID string `cql:"id,partition=0"`
}

func (Gadget) TableName() string           { return "gadgets" }
func (Gadget) AuditOptions() audit.Options { return audit.Options{} }

type auditRow struct {
	id      string
	kind    string
	err     *string
	values  string
	command string
}

var schemaSeq atomic.Int64

var _ = Describe("Audit trail on PostgreSQL", func() {
	var (
		keyspace string
		session  *postgres.Session
		engine   *audit.Engine
		manager  *audit.Manager
	)

	BeforeEach(func() {
		keyspace = fmt.Sprintf("audit_it_%d", schemaSeq.Add(1))
		var err error
		session, err = postgres.Connect(env.ctx, env.connStr, keyspace)
		Expect(err).NotTo(HaveOccurred())

		engine, err = audit.NewEngine(session)
		Expect(err).NotTo(HaveOccurred())
		manager = audit.NewManager(mapping.NewManager(session), engine)
	})

	AfterEach(func() {
		Expect(engine.Close()).To(Succeed())
		Expect(session.Close()).To(Succeed())
	})

	readRows := func(table string) []auditRow {
		rows, err := env.pool.Query(env.ctx, fmt.Sprintf(
			`SELECT "id", "type", "err", "values", "cql" FROM %q.%q ORDER BY "time"`, keyspace, table))
		Expect(err).NotTo(HaveOccurred())
		defer rows.Close()

		var out []auditRow
		for rows.Next() {
			var r auditRow
			Expect(rows.Scan(&r.id, &r.kind, &r.err, &r.values, &r.command)).To(Succeed())
			out = append(out, r)
		}
		Expect(rows.Err()).NotTo(HaveOccurred())
		return out
	}

	countTables := func(table string) int {
		var n int
		Expect(env.pool.QueryRow(env.ctx,
			`SELECT count(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
			keyspace, table).Scan(&n)).To(Succeed())
		return n
	}

	mapperFor := func() mapping.Mapper[Widget] {
		mapper, err := audit.MapperFor[Widget](env.ctx, manager)
		Expect(err).NotTo(HaveOccurred())
		_, err = manager.Mappings().CreateTable(env.ctx, mapper.Metadata())
		Expect(err).NotTo(HaveOccurred())
		return mapper
	}

	It("records saves and deletes with redacted values", func() {
		mapper := mapperFor()

		Expect(mapper.Save(env.ctx, Widget{ID: "w1", Name: "first", Secret: "s3cr3t"})).To(Succeed())
		Expect(mapper.DeleteByKey(env.ctx, mapping.Key{"w1"})).To(Succeed())
		Expect(engine.Close()).To(Succeed())

		rows := readRows("audit_widget")
		Expect(rows).To(HaveLen(2))

		Expect(rows[0].id).To(Equal("w1"))
		Expect(rows[0].kind).To(Equal("INSERT"))
		Expect(rows[0].err).To(BeNil())
		Expect(rows[0].values).To(Equal("id:w1; name:first; "))
		Expect(rows[0].command).To(ContainSubstring(`INSERT INTO "` + keyspace + `"."widgets"`))

		Expect(rows[1].kind).To(Equal("DELETE"))
		Expect(rows[1].values).To(Equal("id:w1; "))

		for _, r := range rows {
			Expect(r.values).NotTo(ContainSubstring("s3cr3t"))
		}
	})

	It("records failed mutations and returns the original error", func() {
		mapper, err := audit.MapperFor[Gadget](env.ctx, manager)
		Expect(err).NotTo(HaveOccurred())

		err = mapper.Save(env.ctx, Gadget{ID: "g1"})
		Expect(err).To(HaveOccurred())
		Expect(engine.Close()).To(Succeed())

		rows := readRows("audit_gadget")
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].err).NotTo(BeNil())
		Expect(*rows[0].err).To(Equal(err.Error()))
	})

	It("creates the audit table once under concurrent first use", func() {
		mapper := mapperFor()

		const writers = 16
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				errs <- mapper.Save(env.ctx, Widget{ID: fmt.Sprintf("w%d", i), Name: "concurrent"})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(engine.Close()).To(Succeed())

		Expect(countTables("audit_widget")).To(Equal(1))
		Expect(readRows("audit_widget")).To(HaveLen(writers))
	})
})
