package audit

import "time"

// Типы событий журнала
const (
	RunStarted       = "run.started"
	RunCompleted     = "run.completed"
	RunFailed        = "run.failed"
	ActionProposed   = "action.proposed"
	ActionApproved   = "action.approved"
	ActionRejected   = "action.rejected"
	ActionExecuted   = "action.executed"
	ActionFailed     = "action.failed"
	ActionRolledBack = "action.rolled_back"
)

type Event struct {
	ID        string         `json:"id"`         // UUID события
	Type      string         `json:"type"`       // run.started, action.approved...
	TenantID  string         `json:"tenant_id"`  // Чей магазин
	AgentSlug string         `json:"agent_slug"` // Кто делал
	RunID     string         `json:"run_id,omitempty"`
	ActionID  string         `json:"action_id,omitempty"`
	Actor     string         `json:"actor,omitempty"` // Оператор, принявший решение
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
