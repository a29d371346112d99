package domain

// FailureKind классифицирует отказ, чтобы вызывающий код мог различать
// "обработчик не зарегистрирован" и "обработчик вернул ошибку".
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureNotFound       FailureKind = "not_found"
	FailureNoHandler      FailureKind = "no_handler"
	FailurePrecondition   FailureKind = "precondition"
	FailureInvalidPayload FailureKind = "invalid_payload"
	FailureExecution      FailureKind = "execution"
	FailureTimeout        FailureKind = "timeout"
	FailureRollback       FailureKind = "rollback_failed"
	FailureLocked         FailureKind = "locked"
	FailureBlocked        FailureKind = "blocked"
	FailureStorage        FailureKind = "storage"
)

// RunResult: итог одного запуска агента. Исключения наружу не выходят.
type RunResult struct {
	Success      bool        `json:"success"`
	RunID        string      `json:"run_id,omitempty"` // Пусто, если запуск отклонен до создания Run
	Summary      string      `json:"summary,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Kind         FailureKind `json:"kind,omitempty"`
}

func RunSucceeded(runID, summary string) RunResult {
	return RunResult{Success: true, RunID: runID, Summary: summary}
}

func RunFailure(kind FailureKind, runID, message string) RunResult {
	return RunResult{Kind: kind, RunID: runID, ErrorMessage: message}
}

// ActionResult: итог операции над действием (execute/approve/reject/rollback).
type ActionResult struct {
	Success  bool         `json:"success"`
	ActionID string       `json:"action_id,omitempty"`
	Status   ActionStatus `json:"status,omitempty"`
	Message  string       `json:"message,omitempty"`
	Kind     FailureKind  `json:"kind,omitempty"`
}

func ActionSucceeded(a *Action, message string) ActionResult {
	return ActionResult{Success: true, ActionID: a.ID, Status: a.Status, Message: message}
}

func ActionFailure(kind FailureKind, a *Action, message string) ActionResult {
	res := ActionResult{Kind: kind, Message: message}
	if a != nil {
		res.ActionID = a.ID
		res.Status = a.Status
	}
	return res
}
