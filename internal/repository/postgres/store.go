package postgres

/*
Продовое хранилище движка на Postgres через пул pgx.
Порядок создания строк фиксирует seq BIGSERIAL: UUID v4 не сортируется.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_definitions (
	slug            TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	default_enabled BOOLEAN NOT NULL,
	default_config  JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tenant_agent_states (
	tenant_id        TEXT NOT NULL,
	agent_slug       TEXT NOT NULL,
	enabled          BOOLEAN NOT NULL,
	permission_level TEXT NOT NULL,
	config           JSONB NOT NULL DEFAULT '{}',
	next_run_at      TIMESTAMPTZ,
	last_run_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, agent_slug)
);
CREATE INDEX IF NOT EXISTS idx_states_due ON tenant_agent_states (next_run_at) WHERE enabled AND permission_level <> 'block';

CREATE TABLE IF NOT EXISTS agent_runs (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	tenant_id     TEXT NOT NULL,
	agent_slug    TEXT NOT NULL,
	status        TEXT NOT NULL,
	trigger_kind  TEXT NOT NULL,
	trigger_data  JSONB NOT NULL DEFAULT '{}',
	summary       TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant ON agent_runs (tenant_id, agent_slug, seq DESC);

CREATE TABLE IF NOT EXISTS agent_actions (
	seq               BIGSERIAL PRIMARY KEY,
	id                TEXT NOT NULL UNIQUE,
	run_id            TEXT NOT NULL REFERENCES agent_runs(id),
	tenant_id         TEXT NOT NULL,
	agent_slug        TEXT NOT NULL,
	action_type       TEXT NOT NULL,
	payload           JSONB NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL,
	requires_approval BOOLEAN NOT NULL,
	approved_by       TEXT,
	rejected_by       TEXT,
	result_message    TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	approved_at       TIMESTAMPTZ,
	rejected_at       TIMESTAMPTZ,
	claimed_at        TIMESTAMPTZ,
	executed_at       TIMESTAMPTZ,
	rolled_back_at    TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
ALTER TABLE agent_actions ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS idx_actions_run ON agent_actions (run_id, seq);
CREATE INDEX IF NOT EXISTS idx_actions_status ON agent_actions (tenant_id, status, seq DESC);

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
	payload     JSONB NOT NULL DEFAULT '{}',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events (tenant_id, occurred_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
}

// New поднимает пул соединений. Доступность базы проверяется через Ping в main.
func New(ctx context.Context, connString string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate применяет схему; повторный вызов безопасен.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: apply schema: %w", err)
		}
	}
	return nil
}

// Ping проверяет доступность базы при старте
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// encodeJSON: nil карта сохраняется как {}.
func encodeJSON[M ~map[string]any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode json: %w", err)
	}
	return raw, nil
}

func decodeJSON[M ~map[string]any](raw []byte, dst *M) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("postgres: decode json: %w", err)
		}
	}
	if *dst == nil {
		*dst = M{}
	}
	return nil
}

// expectOne: апдейт должен был затронуть ровно одну строку, иначе возвращается notFound.
func expectOne(tag pgconn.CommandTag, notFound error) error {
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}
