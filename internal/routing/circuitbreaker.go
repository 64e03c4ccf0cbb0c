package routing

import (
	"sync"
	"time"

	"github.com/veilgate/veilgate/pkg/domain"
)

// BreakerState represents the state of a per-endpoint circuit breaker.
type BreakerState string

const (
	// StateClosed indicates the endpoint receives traffic normally.
	StateClosed BreakerState = "closed"
	// StateOpen indicates the endpoint receives no traffic until cooldown.
	StateOpen BreakerState = "open"
	// StateHalfOpen indicates a single probe is testing recovery.
	StateHalfOpen BreakerState = "half-open"
)

// breaker tracks failures for one endpoint. All transitions happen under
// the breaker's own mutex, so the OPEN→HALF_OPEN hand-off admits exactly
// one winner per cooldown expiry and at most one probe is ever in flight.
type breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool
	cfg           domain.BreakerSettings
}

func newBreaker(cfg domain.BreakerSettings) *breaker {
	return &breaker{state: StateClosed, cfg: cfg}
}

func (b *breaker) configure(cfg domain.BreakerSettings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// acquire decides whether a caller may invoke the endpoint now. The second
// return value marks the caller as the half-open probe; it must report the
// outcome so the probe slot is released.
func (b *breaker) acquire(now time.Time) (proceed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			// This caller wins the transition; later callers see
			// HALF_OPEN with the probe outstanding and skip.
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true, true
		}
		return false, false
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

// onSuccess closes the circuit and resets the failure count.
func (b *breaker) onSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
	}
	b.state = StateClosed
	b.failureCount = 0
	b.windowStart = time.Time{}
}

// onFailure records a failed invocation. A failed probe reopens the circuit
// immediately; in CLOSED the failure counts against the rolling window and
// opens the circuit at the threshold.
func (b *breaker) onFailure(probe bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
		b.open(now)
		return
	}

	if b.state != StateClosed {
		return
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
		// Window restart: this failure starts a fresh count.
		b.windowStart = now
		b.failureCount = 1
	} else {
		b.failureCount++
	}

	if b.failureCount >= b.cfg.FailureThreshold {
		b.open(now)
	}
}

// open transitions to OPEN. Caller must hold b.mu.
func (b *breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failureCount = 0
	b.windowStart = time.Time{}
}

// snapshot returns the current state for the admin surface.
func (b *breaker) snapshot() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		State:        string(b.state),
		FailureCount: b.failureCount,
	}
	if !b.openedAt.IsZero() && b.state == StateOpen {
		stats.OpenedAt = b.openedAt.Format(time.RFC3339)
	}
	return stats
}

// BreakerStats exposes circuit breaker status information.
type BreakerStats struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
	OpenedAt     string `json:"opened_at,omitempty"`
}
