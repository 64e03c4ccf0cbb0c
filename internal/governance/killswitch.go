package governance

import (
	"sync"
	"time"

	"github.com/veilgate/veilgate/pkg/domain"
)

// KillSwitch is the single global emergency shutdown gate. When active,
// every request is denied before any other admission stage runs.
//
// Reads observe the most recent write: the RWMutex orders Activate against
// subsequent Active calls, so no request is admitted after an operator
// triggered shutdown.
type KillSwitch struct {
	mu    sync.RWMutex
	state domain.KillSwitchState
}

// NewKillSwitch creates an inactive kill switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Active reports whether the switch is engaged.
func (k *KillSwitch) Active() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.Active
}

// State returns a snapshot of the switch state.
func (k *KillSwitch) State() domain.KillSwitchState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// Activate engages the switch. Idempotent: activating an already active
// switch keeps the original reason and actor. Returns true when the call
// changed state, so the caller can emit the audit event exactly once per
// transition.
func (k *KillSwitch) Activate(reason, actor string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state.Active {
		return false
	}
	k.state = domain.KillSwitchState{
		Active:      true,
		Reason:      reason,
		ActivatedBy: actor,
		ActivatedAt: time.Now(),
	}
	return true
}

// Deactivate releases the switch. Idempotent; returns true when the call
// changed state. The actor is recorded by the caller's audit event rather
// than retained here.
func (k *KillSwitch) Deactivate(_ string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.state.Active {
		return false
	}
	k.state = domain.KillSwitchState{}
	return true
}
