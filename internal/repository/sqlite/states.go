package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

const stateColumns = `tenant_id, agent_slug, enabled, permission_level, config, next_run_at, last_run_at, created_at, updated_at`

// GetOrCreateTenantState делает вставку без конфликта и чтение, поэтому конкурентные вызовы получают одну строку.
func (s *Store) GetOrCreateTenantState(ctx context.Context, tenantID, agentSlug string, defaults domain.StateDefaults) (*domain.TenantAgentState, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_agent_states (tenant_id, agent_slug, enabled, permission_level, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?)
		ON CONFLICT (tenant_id, agent_slug) DO NOTHING`,
		tenantID, agentSlug, boolInt(defaults.Enabled), string(defaults.PermissionLevel), now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create tenant state %s/%s: %w", tenantID, agentSlug, err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM tenant_agent_states WHERE tenant_id = ? AND agent_slug = ?`, tenantID, agentSlug)
	return scanState(row)
}

func (s *Store) ListTenantStates(ctx context.Context, tenantID string) ([]domain.TenantAgentState, error) {
	return s.queryStates(ctx, `SELECT `+stateColumns+` FROM tenant_agent_states WHERE tenant_id = ? ORDER BY agent_slug`, tenantID)
}

func (s *Store) ListDueTenantStates(ctx context.Context, now time.Time) ([]domain.TenantAgentState, error) {
	return s.queryStates(ctx, `
		SELECT `+stateColumns+` FROM tenant_agent_states
		WHERE enabled = 1 AND permission_level <> ? AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY tenant_id, agent_slug`,
		string(domain.PermissionBlock), formatTime(now))
}

func (s *Store) UpdateTenantSettings(ctx context.Context, st *domain.TenantAgentState) error {
	cfg, err := encodeJSON(st.Config)
	if err != nil {
		return err
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_agent_states SET enabled = ?, permission_level = ?, config = ?, updated_at = ?
		WHERE tenant_id = ? AND agent_slug = ?`,
		boolInt(st.Enabled), string(st.PermissionLevel), cfg, formatTime(updated), st.TenantID, st.AgentSlug)
	if err != nil {
		return fmt.Errorf("sqlite: update tenant settings: %w", err)
	}
	return expectOne(res, domain.ErrNotFound)
}

func (s *Store) RecordRunTimes(ctx context.Context, tenantID, agentSlug string, lastRunAt time.Time, nextRunAt *time.Time) error {
	last := formatTime(lastRunAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_agent_states SET last_run_at = ?, next_run_at = COALESCE(?, next_run_at), updated_at = ?
		WHERE tenant_id = ? AND agent_slug = ?`,
		last, formatNullTime(nextRunAt), last, tenantID, agentSlug)
	if err != nil {
		return fmt.Errorf("sqlite: record run times: %w", err)
	}
	return expectOne(res, domain.ErrNotFound)
}

func (s *Store) queryStates(ctx context.Context, query string, args ...any) ([]domain.TenantAgentState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query tenant states: %w", err)
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
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return out, nil
}

func scanState(row rowScanner) (*domain.TenantAgentState, error) {
	var (
		st                   domain.TenantAgentState
		enabled              int
		level, cfg           string
		nextRun, lastRun     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&st.TenantID, &st.AgentSlug, &enabled, &level, &cfg, &nextRun, &lastRun, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: scan tenant state: %w", err)
	}
	st.Enabled = enabled != 0
	st.PermissionLevel = domain.PermissionLevel(level)
	if err := decodeJSON(cfg, &st.Config); err != nil {
		return nil, err
	}
	if st.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	if st.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// expectOne: апдейт должен был затронуть ровно одну строку, иначе возвращается notFound.
func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
