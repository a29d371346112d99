package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

const runColumns = `id, tenant_id, agent_slug, status, trigger_kind, trigger_data, summary, error_message, started_at, finished_at, created_at`

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	data, err := encodeJSON(run.TriggerData)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_runs (id, tenant_id, agent_slug, status, trigger_kind, trigger_data, summary, error_message, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11)`,
		run.ID, run.TenantID, run.AgentSlug, string(run.Status), string(run.TriggerKind), string(data),
		run.Summary, run.ErrorMessage, run.StartedAt, run.FinishedAt, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

// UpdateRun не трогает терминальный запуск: воскресить completed/failed нельзя.
func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs SET status = $1, summary = $2, error_message = $3, started_at = $4, finished_at = $5
		WHERE id = $6 AND status NOT IN ('completed', 'failed')`,
		string(run.Status), run.Summary, run.ErrorMessage, run.StartedAt, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("postgres: update run %s: %w", run.ID, err)
	}
	return expectOne(tag, domain.ErrRunFinished)
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id))
}

func (s *Store) ListRuns(ctx context.Context, tenantID, agentSlug string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE tenant_id = $1`
	args := []any{tenantID}
	if agentSlug != "" {
		args = append(args, agentSlug)
		query += fmt.Sprintf(` AND agent_slug = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run             domain.Run
		status, trigger string
		data            []byte
	)
	err := row.Scan(&run.ID, &run.TenantID, &run.AgentSlug, &status, &trigger, &data,
		&run.Summary, &run.ErrorMessage, &run.StartedAt, &run.FinishedAt, &run.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "scan run")
	}
	run.Status = domain.RunStatus(status)
	run.TriggerKind = domain.TriggerKind(trigger)
	if err := decodeJSON(data, &run.TriggerData); err != nil {
		return nil, err
	}
	return &run, nil
}
