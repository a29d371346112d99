package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

const runColumns = `id, tenant_id, agent_slug, status, trigger_kind, trigger_data, summary, error_message, started_at, finished_at, created_at`

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	data, err := encodeJSON(run.TriggerData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, tenant_id, agent_slug, status, trigger_kind, trigger_data, summary, error_message, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.AgentSlug, string(run.Status), string(run.TriggerKind), data,
		run.Summary, run.ErrorMessage, formatNullTime(run.StartedAt), formatNullTime(run.FinishedAt), formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

// UpdateRun не трогает терминальный запуск: воскресить completed/failed нельзя.
func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, summary = ?, error_message = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(run.Status), run.Summary, run.ErrorMessage, formatNullTime(run.StartedAt), formatNullTime(run.FinishedAt),
		run.ID, string(domain.RunCompleted), string(domain.RunFailed))
	if err != nil {
		return fmt.Errorf("sqlite: update run %s: %w", run.ID, err)
	}
	return expectOne(res, domain.ErrRunFinished)
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *Store) ListRuns(ctx context.Context, tenantID, agentSlug string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE tenant_id = ?`
	args := []any{tenantID}
	if agentSlug != "" {
		query += ` AND agent_slug = ?`
		args = append(args, agentSlug)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
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
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return out, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run                   domain.Run
		status, trigger, data string
		started, finished     sql.NullString
		createdAt             string
	)
	err := row.Scan(&run.ID, &run.TenantID, &run.AgentSlug, &status, &trigger, &data,
		&run.Summary, &run.ErrorMessage, &started, &finished, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: scan run: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.TriggerKind = domain.TriggerKind(trigger)
	if err := decodeJSON(data, &run.TriggerData); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &run, nil
}
