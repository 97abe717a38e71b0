package usecase

import (
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	ErrorLimitExceeded    ErrorCode = "LIMIT_EXCEEDED"
	ErrorStrategyContract ErrorCode = "STRATEGY_CONTRACT"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	ErrorCanceled         ErrorCode = "CANCELED"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure of one turn. SessionID and TurnIndex identify
// the turn so the caller can retry it; the user turn of a failed turn stays
// in history and no agent turn is recorded.
type Error struct {
	Code      ErrorCode
	Reason    string
	SessionID string
	TurnIndex int
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether resubmitting the same message may succeed.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrorRateLimited, ErrorUpstream, ErrorUpstreamTimeout, ErrorCanceled:
		return true
	case ErrorStrategyContract:
		return e.Reason != reasonInvalidStrategy
	case ErrorInternal:
		return e.Reason == reasonStoreLoad
	default:
		return false
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// MissingStrategyError is returned when the backend produced no strategy
// decision for the turn. Tool is set when it called some other tool instead.
type MissingStrategyError struct {
	Tool string
}

func (e *MissingStrategyError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("usecase: no strategy selected, backend called %q instead", e.Tool)
	}
	return "usecase: no strategy selected before reply"
}

// AmbiguousStrategyError is returned when the backend made more strategy
// decisions in one turn than the tool invocation limit allows.
type AmbiguousStrategyError struct {
	Calls int
	Limit int
}

func (e *AmbiguousStrategyError) Error() string {
	return fmt.Sprintf("usecase: %d strategy decisions in one turn, limit is %d", e.Calls, e.Limit)
}

// BackendError is a transient failure of the generative backend.
type BackendError struct {
	Stage      string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("usecase: backend %s failed with status %d: %v", e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("usecase: backend %s failed: %v", e.Stage, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// BackendTimeoutError is returned when a backend call exceeds its deadline.
type BackendTimeoutError struct {
	Stage string
	Err   error
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("usecase: backend %s timed out: %v", e.Stage, e.Err)
}

func (e *BackendTimeoutError) Unwrap() error {
	return e.Err
}
