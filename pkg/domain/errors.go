package domain

import (
	"errors"
	"net/http"
	"time"
)

// ErrorKind is the stable machine-readable denial code surfaced to callers.
type ErrorKind string

const (
	KindKillSwitchActive      ErrorKind = "KillSwitchActive"
	KindRateLimitExceeded     ErrorKind = "RateLimitExceeded"
	KindBudgetExceeded        ErrorKind = "BudgetExceeded"
	KindThreatBlocked         ErrorKind = "ThreatBlocked"
	KindModerationFlagged     ErrorKind = "ModerationFlagged"
	KindModerationUnavailable ErrorKind = "ModerationServiceUnavailable"
	KindAllEndpointsExhausted ErrorKind = "AllEndpointsExhausted"
	KindInvalidRequest        ErrorKind = "InvalidRequest"
	KindDeadlineExceeded      ErrorKind = "DeadlineExceeded"
)

// Common domain errors
var (
	ErrKillSwitchActive      = errors.New("kill switch is active")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrBudgetExceeded        = errors.New("daily budget exceeded")
	ErrThreatBlocked         = errors.New("request blocked by threat detector")
	ErrModerationFlagged     = errors.New("request flagged by content moderation")
	ErrModerationUnavailable = errors.New("moderation service unavailable")
	ErrEndpointUnavailable   = errors.New("endpoint unavailable")
	ErrAllEndpointsExhausted = errors.New("all endpoints exhausted")
	ErrUnknownModel          = errors.New("unknown logical model")
)

// Denial wraps a pipeline denial with the context needed to answer the
// caller and write the audit record. Callers receive the Kind and, where
// applicable, the retry hint; internal state never leaks into Details that
// are surfaced on the wire.
//
//nolint:revive // Name is intentionally short; this is the domain-layer error
type Denial struct {
	Kind       ErrorKind
	Err        error
	RetryAfter time.Duration
	Details    map[string]any
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return d.Err.Error()
	}
	return string(d.Kind)
}

func (d *Denial) Unwrap() error {
	return d.Err
}

// Retryable reports whether the caller can usefully retry the same request.
// Content-based denials are never retryable: retrying identical blocked
// content is pointless.
func (d *Denial) Retryable() bool {
	switch d.Kind {
	case KindRateLimitExceeded, KindBudgetExceeded:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to its transport status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindRateLimitExceeded, KindBudgetExceeded:
		return http.StatusTooManyRequests
	case KindThreatBlocked, KindModerationFlagged, KindInvalidRequest:
		return http.StatusBadRequest
	case KindKillSwitchActive, KindModerationUnavailable:
		return http.StatusServiceUnavailable
	case KindAllEndpointsExhausted:
		return http.StatusBadGateway
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse defines the standard JSON denial model returned by the data
// API. It intentionally avoids exposing internal state (circuit counters,
// raw detector internals) beyond what the caller needs to act.
type ErrorResponse struct {
	Error        ErrorKind `json:"error"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
}
