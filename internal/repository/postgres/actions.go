package postgres

/*
Действия агентов и механизм Human-in-the-loop (HITL, «человек в контуре»).
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

const actionColumns = `id, run_id, tenant_id, agent_slug, action_type, payload, status, requires_approval,
	approved_by, rejected_by, result_message, error_message,
	approved_at, rejected_at, claimed_at, executed_at, rolled_back_at, created_at, updated_at`

func (s *Store) CreateAction(ctx context.Context, a *domain.Action) error {
	payload, err := encodeJSON(a.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_actions (id, run_id, tenant_id, agent_slug, action_type, payload, status, requires_approval,
			approved_by, rejected_by, result_message, error_message,
			approved_at, rejected_at, claimed_at, executed_at, rolled_back_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		a.ID, a.RunID, a.TenantID, a.AgentSlug, a.ActionType, string(payload), string(a.Status), a.RequiresApproval,
		a.ApprovedBy, a.RejectedBy, a.ResultMessage, a.ErrorMessage,
		a.ApprovedAt, a.RejectedAt, a.ClaimedAt, a.ExecutedAt, a.RolledBackAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create action: %w", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, id string) (*domain.Action, error) {
	return scanAction(s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id = $1`, id))
}

// TransitionAction атомарно переводит действие из from в a.Status.
// Условие WHERE status = $from предотвращает Double Decision. Решение оператора
// проходит только по незахваченной строке, исход исполнения только по захваченной.
func (s *Store) TransitionAction(ctx context.Context, a *domain.Action, from domain.ActionStatus) error {
	// RETURNING отличает "обновили" от "не нашли" за один проход
	var id string
	err := s.pool.QueryRow(ctx, `
		UPDATE agent_actions SET
			status = $1, approved_by = $2, rejected_by = $3, result_message = $4, error_message = $5,
			approved_at = $6, rejected_at = $7, executed_at = $8, updated_at = NOW()
		WHERE id = $9 AND status = $10 AND (claimed_at IS NOT NULL) = $11
		RETURNING id`,
		string(a.Status), a.ApprovedBy, a.RejectedBy, a.ResultMessage, a.ErrorMessage,
		a.ApprovedAt, a.RejectedAt, a.ExecutedAt, a.ID, string(from), a.ClaimedAt != nil).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missingOr(ctx, a.ID, domain.ErrAlreadyProcessed)
		}
		return fmt.Errorf("postgres: transition action %s: %w", a.ID, err)
	}
	return nil
}

// ClaimAction захватывает действие в статусе from до вызова обработчика.
// Захватить строку можно один раз, проигравший получает domain.ErrAlreadyProcessed.
func (s *Store) ClaimAction(ctx context.Context, id string, from domain.ActionStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_actions SET claimed_at = $3, updated_at = $3
		WHERE id = $1 AND status = $2 AND claimed_at IS NULL`,
		id, string(from), at)
	if err != nil {
		return fmt.Errorf("postgres: claim action %s: %w", id, err)
	}
	if err := expectOne(tag, domain.ErrAlreadyProcessed); err != nil {
		return s.missingOr(ctx, id, err)
	}
	return nil
}

func (s *Store) MarkActionRolledBack(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_actions SET rolled_back_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'executed' AND rolled_back_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("postgres: mark rolled back %s: %w", id, err)
	}
	if err := expectOne(tag, domain.ErrAlreadyRolledBack); err != nil {
		return s.missingOr(ctx, id, err)
	}
	return nil
}

func (s *Store) ListActionsByRun(ctx context.Context, runID string) ([]domain.Action, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE run_id = $1 ORDER BY seq`, runID)
}

func (s *Store) ListActions(ctx context.Context, tenantID string, status domain.ActionStatus, limit int) ([]domain.Action, error) {
	return s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM agent_actions
		WHERE tenant_id = $1 AND status = $2
		ORDER BY seq DESC LIMIT $3`,
		tenantID, string(status), limit)
}

// missingOr отличает "строки нет" от "строка в другом состоянии".
func (s *Store) missingOr(ctx context.Context, id string, err error) error {
	var exists bool
	if qerr := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agent_actions WHERE id = $1)`, id).Scan(&exists); qerr == nil && !exists {
		return domain.ErrNotFound
	}
	return err
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]domain.Action, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query actions: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanAction(row pgx.Row) (*domain.Action, error) {
	var (
		a       domain.Action
		status  string
		payload []byte
	)
	err := row.Scan(&a.ID, &a.RunID, &a.TenantID, &a.AgentSlug, &a.ActionType, &payload, &status, &a.RequiresApproval,
		&a.ApprovedBy, &a.RejectedBy, &a.ResultMessage, &a.ErrorMessage,
		&a.ApprovedAt, &a.RejectedAt, &a.ClaimedAt, &a.ExecutedAt, &a.RolledBackAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "scan action")
	}
	a.Status = domain.ActionStatus(status)
	if err := decodeJSON(payload, &a.Payload); err != nil {
		return nil, err
	}
	return &a, nil
}
