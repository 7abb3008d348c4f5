// Package store provides persistence for all woly-server state. It is
// engine-portable between an embedded SQLite file and a PostgreSQL
// server; every query is written once with `?` placeholders and rebound
// for the active engine.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"       // PostgreSQL driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Engine names accepted by Open.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Store wraps the database with the schema-owning models.
type Store struct {
	log    zerolog.Logger
	db     *sql.DB
	engine string
	clock  clockwork.Clock
}

// Open opens the database for the given engine and runs migrations.
func Open(log zerolog.Logger, engine, dsn string) (*Store, error) {
	var db *sql.DB
	var err error

	switch engine {
	case EngineSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	case EnginePostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown database engine %q", engine)
	}

	s := &Store{
		log:    log.With().Str("component", "store").Logger(),
		db:     db,
		engine: engine,
		clock:  clockwork.NewRealClock(),
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// WithClock replaces the store's clock. Used by tests.
func (s *Store) WithClock(clock clockwork.Clock) *Store {
	s.clock = clock
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts `?` placeholders to `$1..$n` for PostgreSQL. SQLite
// queries pass through unchanged.
func (s *Store) rebind(query string) string {
	if s.engine != EnginePostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *Store) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *Store) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *Store) migrate() error {
	// Timestamps are stored as unix milliseconds so the schema is
	// identical on both engines.
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.engine == EnginePostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'offline',
			location TEXT,
			metadata TEXT,
			last_heartbeat_ms BIGINT,
			created_at_ms BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS aggregated_hosts (
			id ` + serial + `,
			node_id TEXT NOT NULL,
			name TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			fqn TEXT NOT NULL,
			mac TEXT NOT NULL,
			secondary_macs TEXT,
			ip TEXT,
			status TEXT NOT NULL DEFAULT 'asleep',
			last_seen_ms BIGINT,
			discovered INTEGER NOT NULL DEFAULT 0,
			responds_to_ping INTEGER,
			notes TEXT,
			tags TEXT,
			power_control TEXT,
			open_ports TEXT,
			ports_scanned_at_ms BIGINT,
			ports_expire_at_ms BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_node_mac ON aggregated_hosts(node_id, mac)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_node_name ON aggregated_hosts(node_id, name)`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_fqn ON aggregated_hosts(fqn)`,

		`CREATE TABLE IF NOT EXISTS host_status_history (
			id ` + serial + `,
			host_fqn TEXT NOT NULL,
			old_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			changed_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_fqn_time ON host_status_history(host_fqn, changed_at_ms)`,

		`CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			node_id TEXT NOT NULL,
			target TEXT NOT NULL,
			payload TEXT,
			state TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			idempotency_key TEXT,
			queued_at_ms BIGINT NOT NULL,
			sent_at_ms BIGINT,
			resolved_at_ms BIGINT,
			outcome TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_state ON commands(state)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_resolved ON commands(resolved_at_ms)`,

		`CREATE TABLE IF NOT EXISTS host_schedules (
			id TEXT PRIMARY KEY,
			host_fqn TEXT NOT NULL,
			host_name TEXT NOT NULL,
			host_mac TEXT NOT NULL,
			scheduled_time TEXT NOT NULL,
			frequency TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			notify_on_wake INTEGER NOT NULL DEFAULT 0,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			last_triggered_ms BIGINT,
			next_trigger_ms BIGINT,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON host_schedules(enabled, next_trigger_ms)`,

		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			events TEXT NOT NULL,
			secret TEXT,
			created_at_ms BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id ` + serial + `,
			webhook_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			response_status INTEGER,
			requested_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
