package domain

import "time"

// Статусы State Machine действия
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
)

func (s ActionStatus) Terminal() bool {
	return s == ActionRejected || s == ActionExecuted || s == ActionFailed
}

func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionApproved, ActionRejected, ActionExecuted, ActionFailed:
		return true
	}
	return false
}

// Action: одно предложенное агентом действие с побочным эффектом.
type Action struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	TenantID   string       `json:"tenant_id"`
	AgentSlug  string       `json:"agent_slug"`
	ActionType string       `json:"action_type"`
	Payload    Payload      `json:"payload"`
	Status     ActionStatus `json:"status"`

	// Снимок политики на момент создания, никогда не пересчитывается.
	RequiresApproval bool `json:"requires_approval"`

	ApprovedBy *string `json:"approved_by,omitempty"`
	RejectedBy *string `json:"rejected_by,omitempty"`

	ResultMessage string `json:"result_message,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"` // Исполнитель захватил действие, обработчик запущен
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"` // Откат не меняет status, только ставит отметку

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanBeExecuted: действие без апрува исполняется из pending,
// действие с апрувом только после перехода в approved.
func (a *Action) CanBeExecuted() bool {
	if a.ClaimedAt != nil {
		return false
	}
	switch a.Status {
	case ActionPending:
		return !a.RequiresApproval
	case ActionApproved:
		return true
	}
	return false
}

// CanTransitionTo проверяет правила конечного автомата
func (a *Action) CanTransitionTo(next ActionStatus) error {
	if a.Status.Terminal() {
		return ErrAlreadyProcessed
	}
	switch a.Status {
	case ActionPending:
		switch next {
		case ActionApproved, ActionRejected:
			return nil
		case ActionExecuted, ActionFailed:
			if a.RequiresApproval {
				return ErrApprovalRequired
			}
			return nil
		}
	case ActionApproved:
		if next == ActionExecuted || next == ActionFailed {
			return nil
		}
	}
	return ErrInvalidTransition
}

func (a *Action) Approve(actor string, at time.Time) error {
	if a.Status != ActionPending || a.ClaimedAt != nil {
		return ErrAlreadyProcessed
	}
	a.Status = ActionApproved
	a.ApprovedBy = &actor
	a.ApprovedAt = &at
	a.UpdatedAt = at
	return nil
}

func (a *Action) Reject(actor string, at time.Time) error {
	if a.Status != ActionPending || a.ClaimedAt != nil {
		return ErrAlreadyProcessed
	}
	a.Status = ActionRejected
	a.RejectedBy = &actor
	a.RejectedAt = &at
	a.UpdatedAt = at
	return nil
}

// Claim захватывает действие перед вызовом обработчика. Захваченное действие
// уже не принимает решений оператора и не может быть захвачено повторно.
func (a *Action) Claim(at time.Time) error {
	if a.ClaimedAt != nil {
		return ErrAlreadyProcessed
	}
	if !a.CanBeExecuted() {
		if a.Status == ActionPending && a.RequiresApproval {
			return ErrApprovalRequired
		}
		return ErrAlreadyProcessed
	}
	a.ClaimedAt = &at
	a.UpdatedAt = at
	return nil
}

func (a *Action) MarkExecuted(message string, at time.Time) error {
	if err := a.CanTransitionTo(ActionExecuted); err != nil {
		return err
	}
	a.Status = ActionExecuted
	a.ResultMessage = message
	a.ExecutedAt = &at
	a.UpdatedAt = at
	return nil
}

func (a *Action) MarkFailed(message string, at time.Time) error {
	if err := a.CanTransitionTo(ActionFailed); err != nil {
		return err
	}
	a.Status = ActionFailed
	a.ErrorMessage = message
	a.UpdatedAt = at
	return nil
}

// CanRollback: откатывать можно только исполненное и еще не откаченное действие.
func (a *Action) CanRollback() error {
	if a.Status != ActionExecuted {
		return ErrNotExecuted
	}
	if a.RolledBackAt != nil {
		return ErrAlreadyRolledBack
	}
	return nil
}

// MarkRolledBack ставит отметку отката. Статус остается executed:
// он отражает факт исполнения, а отметка ведет учет отмены.
func (a *Action) MarkRolledBack(at time.Time) error {
	if err := a.CanRollback(); err != nil {
		return err
	}
	a.RolledBackAt = &at
	a.UpdatedAt = at
	return nil
}
