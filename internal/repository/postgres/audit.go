package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/storeops-agents/internal/audit"
)

// Количество колонок в таблице audit_events
const auditFields = 12

func (s *Store) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(events))
	vals := make([]any, 0, len(events)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * auditFields
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12))

		payload, err := encodeJSON(e.Payload)
		if err != nil {
			return err
		}
		vals = append(vals,
			e.ID, e.Type, e.TenantID, e.AgentSlug, e.RunID, e.ActionID,
			e.Actor, e.Status, e.Message, string(payload), e.DurationMs, e.Timestamp,
		)
	}

	query := `INSERT INTO audit_events
		(id, type, tenant_id, agent_slug, run_id, action_id, actor, status, message, payload, duration_ms, occurred_at)
		VALUES ` + strings.Join(placeholders, ", ") + ` ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}
