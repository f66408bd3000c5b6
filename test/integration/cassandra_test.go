// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

//go:build integration

package integration

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	tccassandra "github.com/testcontainers/testcontainers-go/modules/cassandra"

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/mapping"
	"github.com/smartcat-labs/cassandra-audit/internal/storage"
	"github.com/smartcat-labs/cassandra-audit/internal/storage/cassandra"
)

const cassandraKeyspace = "audit_it"

type AuditableEntity struct {
	Key   string `cql:"key,partition=0"`
	Value string `cql:"value"`
}

func (AuditableEntity) TableName() string           { return "auditable_entity" }
func (AuditableEntity) AuditOptions() audit.Options { return audit.Options{} }

type cassandraRow struct {
	key     string
	at      time.Time
	kind    string
	exec    int64
	err     *string
	values  string
	command string
}

var _ = Describe("Audit trail on Cassandra", Ordered, func() {
	var (
		ctx       context.Context
		container *tccassandra.CassandraContainer
		host      string
		reader    *gocql.Session
		session   *cassandra.Session
		engine    *audit.Engine
		manager   *audit.Manager
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = tccassandra.Run(ctx, "cassandra:4.1")
		Expect(err).NotTo(HaveOccurred())

		host, err = container.ConnectionHost(ctx)
		Expect(err).NotTo(HaveOccurred())

		cluster := gocql.NewCluster(host)
		cluster.Timeout = 10 * time.Second
		reader, err = cluster.CreateSession()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if reader != nil {
			reader.Close()
		}
		if container != nil {
			Expect(testcontainers.TerminateContainer(container)).To(Succeed())
		}
	})

	BeforeEach(func() {
		var err error
		session, err = cassandra.Connect(cassandra.Config{
			Hosts:       []string{host},
			Keyspace:    cassandraKeyspace,
			Consistency: "ONE",
			Timeout:     10 * time.Second,
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(session.CreateKeyspace(ctx, cassandraKeyspace, 1)).To(Succeed())

		engine, err = audit.NewEngine(session)
		Expect(err).NotTo(HaveOccurred())
		manager = audit.NewManager(mapping.NewManager(session), engine)
	})

	AfterEach(func() {
		Expect(engine.Close()).To(Succeed())
		Expect(session.Close()).To(Succeed())
	})

	tableExists := func(table string) bool {
		var name string
		err := reader.Query(
			`SELECT table_name FROM system_schema.tables WHERE keyspace_name = ? AND table_name = ?`,
			cassandraKeyspace, table,
		).WithContext(ctx).Scan(&name)
		if errors.Is(err, gocql.ErrNotFound) {
			return false
		}
		Expect(err).NotTo(HaveOccurred())
		return true
	}

	readRows := func(table, key string) []cassandraRow {
		iter := reader.Query(
			`SELECT "key", "time", "type", "exec", "err", "values", "cql" FROM "`+cassandraKeyspace+`"."`+table+`" WHERE "key" = ?`,
			key,
		).WithContext(ctx).Iter()

		var out []cassandraRow
		for {
			var r cassandraRow
			if !iter.Scan(&r.key, &r.at, &r.kind, &r.exec, &r.err, &r.values, &r.command) {
				break
			}
			out = append(out, r)
		}
		Expect(iter.Close()).To(Succeed())
		return out
	}

	It("creates tables once and reports schema agreement", func() {
		schema := storage.TableSchema{
			Table:        "agreement_check",
			PartitionKey: []storage.Column{{Name: "id", Type: storage.TypeText}},
			Columns:      []storage.Column{{Name: "note", Type: storage.TypeText}},
		}

		change, err := session.CreateTable(ctx, schema)
		Expect(err).NotTo(HaveOccurred())
		Expect(change.Applied).To(BeTrue())
		Expect(change.Agreed).To(BeTrue())
		Expect(tableExists("agreement_check")).To(BeTrue())

		change, err = session.CreateTable(ctx, schema)
		Expect(err).NotTo(HaveOccurred())
		Expect(change.Applied).To(BeFalse())
	})

	It("records one audit row for a save", func() {
		mapper, err := audit.MapperFor[AuditableEntity](ctx, manager)
		Expect(err).NotTo(HaveOccurred())
		_, err = manager.Mappings().CreateTable(ctx, mapper.Metadata())
		Expect(err).NotTo(HaveOccurred())

		start := time.Now().Add(-time.Second)
		Expect(mapper.Save(ctx, AuditableEntity{Key: "test-key", Value: "v1"})).To(Succeed())
		Expect(engine.Close()).To(Succeed())

		Expect(tableExists("audit_auditableentity")).To(BeTrue())
		rows := readRows("audit_auditableentity", "test-key")
		Expect(rows).To(HaveLen(1))

		row := rows[0]
		Expect(row.key).To(Equal("test-key"))
		Expect(row.at).To(BeTemporally(">=", start))
		Expect(row.kind).To(Equal("INSERT"))
		Expect(row.exec).To(BeNumerically(">=", 0))
		Expect(row.err).To(BeNil())
		Expect(row.values).To(Equal("key:test-key; value:v1; "))
		Expect(row.command).To(ContainSubstring(`INSERT INTO "` + cassandraKeyspace + `"."auditable_entity"`))
	})

	It("records failed mutations with the driver error", func() {
		mapper, err := audit.MapperFor[Gadget](ctx, manager)
		Expect(err).NotTo(HaveOccurred())

		err = mapper.Save(ctx, Gadget{ID: "g1"})
		Expect(err).To(HaveOccurred())
		Expect(engine.Close()).To(Succeed())

		iter := reader.Query(
			`SELECT "err" FROM "`+cassandraKeyspace+`"."audit_gadget" WHERE "id" = ?`, "g1",
		).WithContext(ctx).Iter()
		var errs []string
		var text *string
		for iter.Scan(&text) {
			Expect(text).NotTo(BeNil())
			errs = append(errs, *text)
			text = nil
		}
		Expect(iter.Close()).To(Succeed())
		Expect(errs).To(Equal([]string{err.Error()}))
	})
})
