package governance

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostLedger_RecordAndCheck(t *testing.T) {
	ledger := NewCostLedger(0, time.UTC)

	require.True(t, ledger.Check("alice", 10, 0.5))

	ledger.Record("alice", 4)
	ledger.Record("alice", 5.5)
	assert.InDelta(t, 9.5, ledger.SpentUSD("alice"), 1e-9)

	assert.True(t, ledger.Check("alice", 10, 0.5))
	assert.False(t, ledger.Check("alice", 10, 0.51))

	// Another principal is unaffected.
	assert.True(t, ledger.Check("bob", 10, 9))
}

func TestCostLedger_GlobalLimit(t *testing.T) {
	ledger := NewCostLedger(10, time.UTC)

	ledger.Record("alice", 6)
	ledger.Record("bob", 3)
	assert.InDelta(t, 9, ledger.GlobalSpentUSD(), 1e-9)

	// carol has personal headroom but the global window is nearly spent.
	assert.True(t, ledger.Check("carol", 100, 1))
	assert.False(t, ledger.Check("carol", 100, 1.01))
}

func TestCostLedger_LazyDailyReset(t *testing.T) {
	ledger := NewCostLedger(0, time.UTC)

	base := time.Date(2026, 3, 14, 23, 50, 0, 0, time.UTC)
	current := base
	var mu sync.Mutex
	ledger.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	ledger.Record("alice", 9)
	assert.False(t, ledger.Check("alice", 10, 2))

	// Cross midnight; the next access resets the window without a timer.
	mu.Lock()
	current = base.Add(20 * time.Minute)
	mu.Unlock()

	assert.True(t, ledger.Check("alice", 10, 2))
	assert.Zero(t, ledger.SpentUSD("alice"))
	assert.Zero(t, ledger.GlobalSpentUSD())
}

func TestCostLedger_WindowBoundaryUsesConfiguredLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	ledger := NewCostLedger(0, loc)

	// 03:30 UTC is 22:30 the previous day in New York: still the old window.
	utc0330 := time.Date(2026, 1, 15, 3, 30, 0, 0, time.UTC)
	ledger.now = func() time.Time { return utc0330 }

	ledger.Record("alice", 5)
	require.InDelta(t, 5, ledger.SpentUSD("alice"), 1e-9)

	// 04:30 UTC is 23:30 in New York: same local day, no reset.
	ledger.now = func() time.Time { return utc0330.Add(time.Hour) }
	assert.InDelta(t, 5, ledger.SpentUSD("alice"), 1e-9)

	// 05:30 UTC crosses local midnight: window resets.
	ledger.now = func() time.Time { return utc0330.Add(2 * time.Hour) }
	assert.Zero(t, ledger.SpentUSD("alice"))
}

func TestCostLedger_UntilReset(t *testing.T) {
	ledger := NewCostLedger(0, time.UTC)
	ledger.now = func() time.Time {
		return time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	}

	assert.Equal(t, 6*time.Hour, ledger.UntilReset())
}

func TestCostLedger_ConcurrentRecords(t *testing.T) {
	ledger := NewCostLedger(0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ledger.Record("alice", 0.01)
		}()
	}
	wg.Wait()

	assert.InDelta(t, 1.0, ledger.SpentUSD("alice"), 1e-9)
	assert.InDelta(t, 1.0, ledger.GlobalSpentUSD(), 1e-9)
}
