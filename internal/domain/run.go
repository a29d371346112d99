package domain

import "time"

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerEvent     TriggerKind = "event"
)

// TriggerData: контекст запуска. Для событий: {"event": name, "payload": {...}}.
type TriggerData map[string]any

// EventTrigger собирает trigger_data для запуска по событию.
func EventTrigger(eventName string, payload Payload) TriggerData {
	if payload == nil {
		payload = Payload{}
	}
	return TriggerData{"event": eventName, "payload": map[string]any(payload)}
}

// Run: одна попытка исполнения агента для одного тенанта.
type Run struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	AgentSlug    string      `json:"agent_slug"`
	Status       RunStatus   `json:"status"`
	TriggerKind  TriggerKind `json:"trigger_kind"`
	TriggerData  TriggerData `json:"trigger_data"`
	Summary      string      `json:"summary,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Переходы однонаправленные: pending -> running -> {completed, failed}.
// pending -> failed допустим (например, сбой до старта агента).
var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunFailed},
	RunRunning: {RunCompleted, RunFailed},
}

// CanTransitionTo проверяет правила конечного автомата запуска
func (r *Run) CanTransitionTo(next RunStatus) error {
	if r.Status.Terminal() {
		return ErrRunFinished
	}
	for _, s := range runTransitions[r.Status] {
		if s == next {
			return nil
		}
	}
	return ErrInvalidTransition
}

func (r *Run) Start(at time.Time) error {
	if err := r.CanTransitionTo(RunRunning); err != nil {
		return err
	}
	r.Status = RunRunning
	r.StartedAt = &at
	return nil
}

func (r *Run) Complete(summary string, at time.Time) error {
	if err := r.CanTransitionTo(RunCompleted); err != nil {
		return err
	}
	r.Status = RunCompleted
	r.Summary = summary
	r.FinishedAt = &at
	return nil
}

func (r *Run) Fail(message string, at time.Time) error {
	if err := r.CanTransitionTo(RunFailed); err != nil {
		return err
	}
	r.Status = RunFailed
	r.ErrorMessage = message
	r.FinishedAt = &at
	return nil
}
