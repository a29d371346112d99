package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

const stateColumns = `tenant_id, agent_slug, enabled, permission_level, config, next_run_at, last_run_at, created_at, updated_at`

// GetOrCreateTenantState делает ON CONFLICT DO NOTHING и чтение, поэтому конкурентные вызовы получают одну строку.
func (s *Store) GetOrCreateTenantState(ctx context.Context, tenantID, agentSlug string, defaults domain.StateDefaults) (*domain.TenantAgentState, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_agent_states (tenant_id, agent_slug, enabled, permission_level)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, agent_slug) DO NOTHING`,
		tenantID, agentSlug, defaults.Enabled, string(defaults.PermissionLevel))
	if err != nil {
		return nil, fmt.Errorf("postgres: create tenant state %s/%s: %w", tenantID, agentSlug, err)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM tenant_agent_states WHERE tenant_id = $1 AND agent_slug = $2`, tenantID, agentSlug)
	return scanState(row)
}

func (s *Store) ListTenantStates(ctx context.Context, tenantID string) ([]domain.TenantAgentState, error) {
	return s.queryStates(ctx, `SELECT `+stateColumns+` FROM tenant_agent_states WHERE tenant_id = $1 ORDER BY agent_slug`, tenantID)
}

func (s *Store) ListDueTenantStates(ctx context.Context, now time.Time) ([]domain.TenantAgentState, error) {
	return s.queryStates(ctx, `
		SELECT `+stateColumns+` FROM tenant_agent_states
		WHERE enabled AND permission_level <> $1 AND (next_run_at IS NULL OR next_run_at <= $2)
		ORDER BY tenant_id, agent_slug`,
		string(domain.PermissionBlock), now)
}

func (s *Store) UpdateTenantSettings(ctx context.Context, st *domain.TenantAgentState) error {
	cfg, err := encodeJSON(st.Config)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenant_agent_states SET enabled = $1, permission_level = $2, config = $3::jsonb, updated_at = NOW()
		WHERE tenant_id = $4 AND agent_slug = $5`,
		st.Enabled, string(st.PermissionLevel), string(cfg), st.TenantID, st.AgentSlug)
	if err != nil {
		return fmt.Errorf("postgres: update tenant settings: %w", err)
	}
	return expectOne(tag, domain.ErrNotFound)
}

func (s *Store) RecordRunTimes(ctx context.Context, tenantID, agentSlug string, lastRunAt time.Time, nextRunAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenant_agent_states
		SET last_run_at = $3, next_run_at = COALESCE($4::timestamptz, next_run_at), updated_at = NOW()
		WHERE tenant_id = $1 AND agent_slug = $2`,
		tenantID, agentSlug, lastRunAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("postgres: record run times: %w", err)
	}
	return expectOne(tag, domain.ErrNotFound)
}

func (s *Store) queryStates(ctx context.Context, query string, args ...any) ([]domain.TenantAgentState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query tenant states: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TenantAgentState, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanState(row pgx.Row) (*domain.TenantAgentState, error) {
	var (
		st    domain.TenantAgentState
		level string
		cfg   []byte
	)
	err := row.Scan(&st.TenantID, &st.AgentSlug, &st.Enabled, &level, &cfg,
		&st.NextRunAt, &st.LastRunAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "scan tenant state")
	}
	st.PermissionLevel = domain.PermissionLevel(level)
	if err := decodeJSON(cfg, &st.Config); err != nil {
		return nil, err
	}
	return &st, nil
}

// notFoundOr переводит pgx.ErrNoRows в доменную ошибку.
func notFoundOr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}
