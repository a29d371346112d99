package connectors

import (
	"fmt"
	"time"
)

// ThrottleError: внешняя система попросила подождать (Retry-After).
// Единственная ошибка, которую ReliableHandler повторяет.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
