package sqlite

/*
Действия агентов и решения оператора (HITL).
Переходы статуса делаются условным апдейтом WHERE status = ?, это защищает от Double Decision.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_actions (id, run_id, tenant_id, agent_slug, action_type, payload, status, requires_approval,
			approved_by, rejected_by, result_message, error_message,
			approved_at, rejected_at, claimed_at, executed_at, rolled_back_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.TenantID, a.AgentSlug, a.ActionType, payload, string(a.Status), boolInt(a.RequiresApproval),
		nullableString(a.ApprovedBy), nullableString(a.RejectedBy), a.ResultMessage, a.ErrorMessage,
		formatNullTime(a.ApprovedAt), formatNullTime(a.RejectedAt), formatNullTime(a.ClaimedAt), formatNullTime(a.ExecutedAt), formatNullTime(a.RolledBackAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create action: %w", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, id string) (*domain.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id = ?`, id)
	return scanAction(row)
}

// TransitionAction атомарно переводит действие из from в a.Status.
// Решение оператора проходит только по незахваченной строке, исход исполнения
// только по захваченной. requires_approval и payload не перезаписываются.
func (s *Store) TransitionAction(ctx context.Context, a *domain.Action, from domain.ActionStatus) error {
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_actions SET
			status = ?, approved_by = ?, rejected_by = ?, result_message = ?, error_message = ?,
			approved_at = ?, rejected_at = ?, executed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (claimed_at IS NOT NULL) = ?`,
		string(a.Status), nullableString(a.ApprovedBy), nullableString(a.RejectedBy), a.ResultMessage, a.ErrorMessage,
		formatNullTime(a.ApprovedAt), formatNullTime(a.RejectedAt), formatNullTime(a.ExecutedAt), formatTime(updated),
		a.ID, string(from), boolInt(a.ClaimedAt != nil))
	if err != nil {
		return fmt.Errorf("sqlite: transition action %s: %w", a.ID, err)
	}
	if err := expectOne(res, domain.ErrAlreadyProcessed); err != nil {
		return s.missingOr(ctx, a.ID, err)
	}
	return nil
}

// ClaimAction захватывает действие в статусе from до вызова обработчика.
// Захватить строку можно один раз, проигравший получает domain.ErrAlreadyProcessed.
func (s *Store) ClaimAction(ctx context.Context, id string, from domain.ActionStatus, at time.Time) error {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_actions SET claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_at IS NULL`,
		ts, ts, id, string(from))
	if err != nil {
		return fmt.Errorf("sqlite: claim action %s: %w", id, err)
	}
	if err := expectOne(res, domain.ErrAlreadyProcessed); err != nil {
		return s.missingOr(ctx, id, err)
	}
	return nil
}

func (s *Store) MarkActionRolledBack(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_actions SET rolled_back_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND rolled_back_at IS NULL`,
		ts, ts, id, string(domain.ActionExecuted))
	if err != nil {
		return fmt.Errorf("sqlite: mark rolled back %s: %w", id, err)
	}
	if err := expectOne(res, domain.ErrAlreadyRolledBack); err != nil {
		return s.missingOr(ctx, id, err)
	}
	return nil
}

func (s *Store) ListActionsByRun(ctx context.Context, runID string) ([]domain.Action, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE run_id = ? ORDER BY seq`, runID)
}

func (s *Store) ListActions(ctx context.Context, tenantID string, status domain.ActionStatus, limit int) ([]domain.Action, error) {
	return s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM agent_actions
		WHERE tenant_id = ? AND status = ?
		ORDER BY seq DESC LIMIT ?`,
		tenantID, string(status), limit)
}

// missingOr отличает "строки нет" от "строка в другом состоянии".
func (s *Store) missingOr(ctx context.Context, id string, err error) error {
	var one int
	if qerr := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_actions WHERE id = ?`, id).Scan(&one); errors.Is(qerr, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query actions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return out, nil
}

func scanAction(row rowScanner) (*domain.Action, error) {
	var (
		a                                 domain.Action
		payload, status                   string
		requiresApproval                  int
		approvedBy, rejectedBy            sql.NullString
		approvedAt, rejectedAt, claimedAt sql.NullString
		executedAt, rbk                   sql.NullString
		createdAt, updatedAt              string
	)
	err := row.Scan(&a.ID, &a.RunID, &a.TenantID, &a.AgentSlug, &a.ActionType, &payload, &status, &requiresApproval,
		&approvedBy, &rejectedBy, &a.ResultMessage, &a.ErrorMessage,
		&approvedAt, &rejectedAt, &claimedAt, &executedAt, &rbk, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: scan action: %w", err)
	}
	a.Status = domain.ActionStatus(status)
	a.RequiresApproval = requiresApproval != 0
	a.ApprovedBy = nullString(approvedBy)
	a.RejectedBy = nullString(rejectedBy)
	if err := decodeJSON(payload, &a.Payload); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&a.ApprovedAt, approvedAt},
		{&a.RejectedAt, rejectedAt},
		{&a.ClaimedAt, claimedAt},
		{&a.ExecutedAt, executedAt},
		{&a.RolledBackAt, rbk},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
