package sqlite

/*
Встраиваемое хранилище движка на SQLite (modernc, без cgo).
Используется в dev-режиме и в тестах движка. Одно соединение:
SQLite сериализует запись, а движок не держит курсоры между запросами.
Время хранится TEXT в UTC фиксированной ширины, поэтому сравнивается строками.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS agent_definitions (
	slug            TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	default_enabled INTEGER NOT NULL,
	default_config  TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_agent_states (
	tenant_id        TEXT NOT NULL,
	agent_slug       TEXT NOT NULL,
	enabled          INTEGER NOT NULL,
	permission_level TEXT NOT NULL,
	config           TEXT NOT NULL DEFAULT '{}',
	next_run_at      TEXT,
	last_run_at      TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (tenant_id, agent_slug)
);
CREATE INDEX IF NOT EXISTS idx_states_due ON tenant_agent_states (enabled, permission_level, next_run_at);

CREATE TABLE IF NOT EXISTS agent_runs (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	tenant_id     TEXT NOT NULL,
	agent_slug    TEXT NOT NULL,
	status        TEXT NOT NULL,
	trigger_kind  TEXT NOT NULL,
	trigger_data  TEXT NOT NULL DEFAULT '{}',
	summary       TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at    TEXT,
	finished_at   TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant ON agent_runs (tenant_id, agent_slug, seq);

CREATE TABLE IF NOT EXISTS agent_actions (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	run_id            TEXT NOT NULL REFERENCES agent_runs(id),
	tenant_id         TEXT NOT NULL,
	agent_slug        TEXT NOT NULL,
	action_type       TEXT NOT NULL,
	payload           TEXT NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL,
	requires_approval INTEGER NOT NULL,
	approved_by       TEXT,
	rejected_by       TEXT,
	result_message    TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	approved_at       TEXT,
	rejected_at       TEXT,
	claimed_at        TEXT,
	executed_at       TEXT,
	rolled_back_at    TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_run ON agent_actions (run_id, seq);
CREATE INDEX IF NOT EXISTS idx_actions_pending ON agent_actions (tenant_id, status, seq);

CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	tenant_id   TEXT NOT NULL DEFAULT '',
	agent_slug  TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT '',
	action_id   TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '{}',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events (tenant_id, occurred_at);
`

type Store struct {
	db *sql.DB
}

// Open открывает (или создает) базу и применяет схему.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s on %s: %w", pragma, path, err)
		}
	}

	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// encodeJSON: nil карта сохраняется как {}.
func encodeJSON[M ~map[string]any](m M) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode json: %w", err)
	}
	return string(raw), nil
}

func decodeJSON[M ~map[string]any](raw string, dst *M) error {
	if raw == "" {
		*dst = M{}
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("sqlite: decode json: %w", err)
	}
	if *dst == nil {
		*dst = M{}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
