// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

// Package config loads the cassandra-audit configuration from a YAML file
// and command line flags.
package config

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/smartcat-labs/cassandra-audit/internal/audit"
	"github.com/smartcat-labs/cassandra-audit/internal/logging"
	"github.com/smartcat-labs/cassandra-audit/internal/xdg"
)

// Storage backends.
const (
	BackendCassandra = "cassandra"
	BackendPostgres  = "postgres"
	BackendSQLite    = "sqlite"
	BackendMemory    = "memory"
)

// Config is the root configuration document.
type Config struct {
	Log     LogConfig     `koanf:"log" json:"log,omitempty"`
	Storage StorageConfig `koanf:"storage" json:"storage,omitempty"`
	Audit   AuditConfig   `koanf:"audit" json:"audit,omitempty"`
	Metrics MetricsConfig `koanf:"metrics" json:"metrics,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Format string `koanf:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend   string          `koanf:"backend" json:"backend,omitempty" jsonschema:"enum=cassandra,enum=postgres,enum=sqlite,enum=memory"`
	Keyspace  string          `koanf:"keyspace" json:"keyspace,omitempty"`
	Cassandra CassandraConfig `koanf:"cassandra" json:"cassandra,omitempty"`
	Postgres  PostgresConfig  `koanf:"postgres" json:"postgres,omitempty"`
	SQLite    SQLiteConfig    `koanf:"sqlite" json:"sqlite,omitempty"`
}

// CassandraConfig configures the gocql session.
type CassandraConfig struct {
	Hosts             []string `koanf:"hosts" json:"hosts,omitempty"`
	Consistency       string   `koanf:"consistency" json:"consistency,omitempty"`
	Timeout           string   `koanf:"timeout" json:"timeout,omitempty"`
	Username          string   `koanf:"username" json:"username,omitempty"`
	Password          string   `koanf:"password" json:"password,omitempty"`
	CreateKeyspace    bool     `koanf:"create_keyspace" json:"create_keyspace,omitempty"`
	ReplicationFactor int      `koanf:"replication_factor" json:"replication_factor,omitempty" jsonschema:"minimum=1"`
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DSN               string `koanf:"dsn" json:"dsn,omitempty"`
	AgreementInterval string `koanf:"agreement_interval" json:"agreement_interval,omitempty"`
	AgreementAttempts int    `koanf:"agreement_attempts" json:"agreement_attempts,omitempty" jsonschema:"minimum=1"`
}

// SQLiteConfig configures the embedded database. An empty path means
// audit.db in the XDG data directory.
type SQLiteConfig struct {
	Path string `koanf:"path" json:"path,omitempty"`
}

// AuditConfig configures the audit engine.
type AuditConfig struct {
	Workers         int                     `koanf:"workers" json:"workers,omitempty" jsonschema:"minimum=1"`
	DispatchTimeout string                  `koanf:"dispatch_timeout" json:"dispatch_timeout,omitempty"`
	KeyLayout       string                  `koanf:"key_layout" json:"key_layout,omitempty" jsonschema:"enum=clustered,enum=legacy"`
	TablePrefix     string                  `koanf:"table_prefix" json:"table_prefix,omitempty"`
	EagerInit       bool                    `koanf:"eager_init" json:"eager_init,omitempty"`
	Redact          []string                `koanf:"redact" json:"redact,omitempty"`
	Entities        map[string]EntityConfig `koanf:"entities" json:"entities,omitempty"`
}

// EntityConfig overrides the audit declaration of one entity type.
type EntityConfig struct {
	// Enabled defaults to true for listed entities.
	Enabled  *bool  `koanf:"enabled" json:"enabled,omitempty"`
	Table    string `koanf:"table" json:"table,omitempty"`
	Keyspace string `koanf:"keyspace" json:"keyspace,omitempty"`
	Prefix   string `koanf:"prefix" json:"prefix,omitempty"`
	Timing   string `koanf:"timing" json:"timing,omitempty" jsonschema:"enum=after,enum=before,enum=both"`
}

// MetricsConfig configures the observability server. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Log: LogConfig{Format: "json", Level: "info"},
		Storage: StorageConfig{
			Backend:  BackendMemory,
			Keyspace: "audit_demo",
			Cassandra: CassandraConfig{
				Hosts:             []string{"127.0.0.1"},
				Consistency:       "QUORUM",
				Timeout:           "5s",
				ReplicationFactor: 1,
			},
			Postgres: PostgresConfig{AgreementInterval: "100ms", AgreementAttempts: 50},
		},
		Audit: AuditConfig{
			Workers:     audit.DefaultWorkers,
			KeyLayout:   string(audit.LayoutClustered),
			TablePrefix: audit.DefaultTablePrefix,
		},
	}
}

// RegisterFlags adds the flags that override configuration keys. Flag
// defaults match Default, so an unset flag never overrides the file.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("log.format", d.Log.Format, "log format (json or text)")
	flags.String("log.level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("storage.backend", d.Storage.Backend, "storage backend (cassandra, postgres, sqlite, memory)")
	flags.String("storage.keyspace", d.Storage.Keyspace, "default keyspace or schema")
	flags.StringSlice("storage.cassandra.hosts", d.Storage.Cassandra.Hosts, "cassandra contact points")
	flags.String("storage.postgres.dsn", "", "postgres connection string")
	flags.String("storage.sqlite.path", "", "sqlite database file")
	flags.Int("audit.workers", d.Audit.Workers, "audit dispatch workers")
	flags.String("audit.key_layout", d.Audit.KeyLayout, "audit key layout (clustered or legacy)")
	flags.String("metrics.addr", "", "metrics/health HTTP address (empty = disabled)")
}

// Load reads the configuration. The file at path is optional when path is
// empty, in which case the XDG config file is used if it exists. The file is
// validated against the configuration schema before it is applied.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}

	k := koanf.New(".")
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := ValidateDocument(data); err != nil {
				return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
			}
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(field string, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("field", field).Errorf(format, args...)
}

func duration(field, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, invalid(field, "invalid duration %q", value)
	}
	return d, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := logging.Setup(logging.Options{Format: c.Log.Format, Level: c.Log.Level, Writer: io.Discard}); err != nil {
		return oops.Code("CONFIG_INVALID").With("field", "log").Wrap(err)
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	case BackendCassandra:
		if len(c.Storage.Cassandra.Hosts) == 0 {
			return invalid("storage.cassandra.hosts", "at least one cassandra host is required")
		}
		if _, err := duration("storage.cassandra.timeout", c.Storage.Cassandra.Timeout); err != nil {
			return err
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return invalid("storage.postgres.dsn", "postgres dsn is required")
		}
		if _, err := duration("storage.postgres.agreement_interval", c.Storage.Postgres.AgreementInterval); err != nil {
			return err
		}
	default:
		return invalid("storage.backend", "unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendSQLite && strings.TrimSpace(c.Storage.Keyspace) == "" {
		return invalid("storage.keyspace", "keyspace is required")
	}

	if c.Audit.Workers < 1 {
		return invalid("audit.workers", "audit workers must be at least 1, got %d", c.Audit.Workers)
	}
	if _, err := duration("audit.dispatch_timeout", c.Audit.DispatchTimeout); err != nil {
		return err
	}
	if _, err := audit.ParseKeyLayout(c.Audit.KeyLayout); err != nil {
		return oops.Code("CONFIG_INVALID").With("field", "audit.key_layout").Wrap(err)
	}
	if _, err := audit.NewRedactor(c.Audit.Redact); err != nil {
		return oops.Code("CONFIG_INVALID").With("field", "audit.redact").Wrap(err)
	}
	for name, e := range c.Audit.Entities {
		if _, err := parseTiming(e.Timing); err != nil {
			return oops.Code("CONFIG_INVALID").With("field", "audit.entities."+name+".timing").Wrap(err)
		}
	}
	return nil
}

func parseTiming(s string) (audit.Timing, error) {
	switch s {
	case "", "after":
		return audit.TimingAfter, nil
	case "before":
		return audit.TimingBefore, nil
	case "both":
		return audit.TimingBefore | audit.TimingAfter, nil
	default:
		return 0, oops.Errorf("unknown audit timing %q", s)
	}
}

// Overrides converts the entity entries to audit overrides.
func (c *Config) Overrides() map[string]audit.Override {
	if len(c.Audit.Entities) == 0 {
		return nil
	}
	out := make(map[string]audit.Override, len(c.Audit.Entities))
	for name, e := range c.Audit.Entities {
		var timing audit.Timing
		if e.Timing != "" {
			timing, _ = parseTiming(e.Timing)
		}
		out[name] = audit.Override{
			Enabled: e.Enabled == nil || *e.Enabled,
			Options: audit.Options{
				TablePrefix:  e.Prefix,
				TableName:    e.Table,
				KeyspaceName: e.Keyspace,
				Timing:       timing,
			},
		}
	}
	return out
}

// EngineOptions returns the audit engine options described by the
// configuration. Call Validate first.
func (c *Config) EngineOptions(logger *slog.Logger) []audit.EngineOption {
	timeout, _ := duration("audit.dispatch_timeout", c.Audit.DispatchTimeout)
	return []audit.EngineOption{
		audit.WithWorkers(c.Audit.Workers),
		audit.WithDispatchTimeout(timeout),
		audit.WithKeyLayout(audit.KeyLayout(c.Audit.KeyLayout)),
		audit.WithTablePrefix(c.Audit.TablePrefix),
		audit.WithOverrides(c.Overrides()),
		audit.WithRedactPatterns(c.Audit.Redact...),
		audit.WithLogger(logger),
	}
}

// ManagerOptions returns the audit manager options.
func (c *Config) ManagerOptions() []audit.ManagerOption {
	if c.Audit.EagerInit {
		return []audit.ManagerOption{audit.WithEagerInit()}
	}
	return nil
}

// CassandraTimeout returns the parsed cassandra request timeout.
func (c *Config) CassandraTimeout() time.Duration {
	d, _ := duration("storage.cassandra.timeout", c.Storage.Cassandra.Timeout)
	return d
}

// PostgresAgreementInterval returns the parsed catalog polling interval.
func (c *Config) PostgresAgreementInterval() time.Duration {
	d, _ := duration("storage.postgres.agreement_interval", c.Storage.Postgres.AgreementInterval)
	return d
}
