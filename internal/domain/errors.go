package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessed  = errors.New("action already processed")
	ErrApprovalRequired  = errors.New("action requires approval")
	ErrRunFinished       = errors.New("run already finished")
	ErrNotExecuted       = errors.New("action is not executed")
	ErrAlreadyRolledBack = errors.New("action already rolled back")
)
