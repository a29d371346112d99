package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/storeops-agents/internal/audit"
)

const auditFields = 12

// WriteBatch: пакетная вставка журнала одним запросом.
func (s *Store) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(events))
	vals := make([]any, 0, len(events)*auditFields)
	for _, e := range events {
		payload, err := encodeJSON(e.Payload)
		if err != nil {
			return err
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		vals = append(vals,
			e.ID, e.Type, e.TenantID, e.AgentSlug, e.RunID, e.ActionID,
			e.Actor, e.Status, e.Message, payload, e.DurationMs, formatTime(e.Timestamp),
		)
	}

	query := `INSERT OR IGNORE INTO audit_events
		(id, type, tenant_id, agent_slug, run_id, action_id, actor, status, message, payload, duration_ms, occurred_at)
		VALUES ` + strings.Join(placeholders, ", ")
	if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("sqlite: write audit batch: %w", err)
	}
	return nil
}

// ListAuditEvents: журнал тенанта, новые сверху.
func (s *Store) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, tenant_id, agent_slug, run_id, action_id, actor, status, message, payload, duration_ms, occurred_at
		FROM audit_events WHERE tenant_id = ? ORDER BY occurred_at DESC, id LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e                 audit.Event
			payload, occurred string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.TenantID, &e.AgentSlug, &e.RunID, &e.ActionID,
			&e.Actor, &e.Status, &e.Message, &payload, &e.DurationMs, &occurred); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit event: %w", err)
		}
		if err := decodeJSON(payload, &e.Payload); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(occurred); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return out, nil
}
