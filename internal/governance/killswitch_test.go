package governance

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillSwitch_ActivateDeactivate(t *testing.T) {
	ks := NewKillSwitch()
	require.False(t, ks.Active())

	changed := ks.Activate("incident-42", "oncall")
	assert.True(t, changed)
	assert.True(t, ks.Active())

	state := ks.State()
	assert.Equal(t, "incident-42", state.Reason)
	assert.Equal(t, "oncall", state.ActivatedBy)
	assert.False(t, state.ActivatedAt.IsZero())

	changed = ks.Deactivate("oncall")
	assert.True(t, changed)
	assert.False(t, ks.Active())
}

func TestKillSwitch_Idempotent(t *testing.T) {
	ks := NewKillSwitch()

	require.True(t, ks.Activate("first", "a"))
	assert.False(t, ks.Activate("second", "b"), "second activation must not report a transition")

	// The original reason survives a redundant activation.
	assert.Equal(t, "first", ks.State().Reason)

	require.True(t, ks.Deactivate("a"))
	assert.False(t, ks.Deactivate("a"))
}

func TestKillSwitch_ReadAfterWrite(t *testing.T) {
	ks := NewKillSwitch()
	ks.Activate("drill", "ops")

	// Every reader started after activation must observe the active state.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !ks.Active() {
				t.Error("reader observed inactive switch after activation")
			}
		}()
	}
	wg.Wait()
}
