package governance

import (
	"sync"
	"time"
)

// CostLedger tracks per-principal and global daily spend. Windows reset
// lazily when an access crosses midnight in the configured location; there is
// no background timer. Enforcement happens at admission time, never
// retroactively: a request that would exceed the limit is denied before
// invocation.
type CostLedger struct {
	mu             sync.RWMutex
	entries        map[string]*ledgerEntry
	global         *ledgerEntry
	globalLimitUSD float64
	location       *time.Location

	now func() time.Time
}

type ledgerEntry struct {
	mu          sync.Mutex
	spentUSD    float64
	windowStart time.Time
}

// LedgerStats is a point-in-time view of one ledger window.
type LedgerStats struct {
	SpentUSD    float64   `json:"spent_usd"`
	WindowStart time.Time `json:"window_start"`
}

// NewCostLedger creates a ledger whose daily window is bounded by midnight
// in the given location. A nil location means UTC.
func NewCostLedger(globalLimitUSD float64, location *time.Location) *CostLedger {
	if location == nil {
		location = time.UTC
	}
	return &CostLedger{
		entries:        make(map[string]*ledgerEntry),
		global:         &ledgerEntry{},
		globalLimitUSD: globalLimitUSD,
		location:       location,
		now:            time.Now,
	}
}

// Configure updates the global limit and window location on config reload.
// Current spend carries over; only the boundaries change.
func (l *CostLedger) Configure(globalLimitUSD float64, location *time.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalLimitUSD = globalLimitUSD
	if location != nil {
		l.location = location
	}
}

// Check reports whether spending estUSD more would keep the principal within
// limitUSD and the system within the global limit. A non-positive limit
// disables that check.
func (l *CostLedger) Check(principalID string, limitUSD, estUSD float64) bool {
	if limitUSD > 0 {
		if l.spend(l.entryFor(principalID))+estUSD > limitUSD {
			return false
		}
	}

	l.mu.RLock()
	globalLimit := l.globalLimitUSD
	l.mu.RUnlock()
	if globalLimit > 0 && l.spend(l.global)+estUSD > globalLimit {
		return false
	}

	return true
}

// Record adds a billed cost to the per-principal and global windows. Called
// only after the endpoint returned a usage result.
func (l *CostLedger) Record(principalID string, costUSD float64) {
	l.add(l.entryFor(principalID), costUSD)
	l.add(l.global, costUSD)
}

// SpentUSD returns the principal's spend in the current window.
func (l *CostLedger) SpentUSD(principalID string) float64 {
	return l.spend(l.entryFor(principalID))
}

// GlobalSpentUSD returns the aggregate spend in the current window.
func (l *CostLedger) GlobalSpentUSD() float64 {
	return l.spend(l.global)
}

// UntilReset returns the time remaining until the next window boundary,
// used as the retry hint on budget denials.
func (l *CostLedger) UntilReset() time.Duration {
	now := l.now().In(l.loc())
	return l.windowStart(now).Add(24 * time.Hour).Sub(now)
}

// Stats returns per-principal and global window views for the admin surface.
func (l *CostLedger) Stats() map[string]LedgerStats {
	l.mu.RLock()
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	stats := make(map[string]LedgerStats, len(ids)+1)
	for _, id := range ids {
		entry := l.entryFor(id)
		entry.mu.Lock()
		l.resetIfStale(entry)
		stats[id] = LedgerStats{SpentUSD: entry.spentUSD, WindowStart: entry.windowStart}
		entry.mu.Unlock()
	}
	l.global.mu.Lock()
	l.resetIfStale(l.global)
	stats["global"] = LedgerStats{SpentUSD: l.global.spentUSD, WindowStart: l.global.windowStart}
	l.global.mu.Unlock()
	return stats
}

func (l *CostLedger) entryFor(principalID string) *ledgerEntry {
	l.mu.RLock()
	entry, ok := l.entries[principalID]
	l.mu.RUnlock()
	if ok {
		return entry
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[principalID]; ok {
		return entry
	}
	entry = &ledgerEntry{}
	l.entries[principalID] = entry
	return entry
}

func (l *CostLedger) spend(entry *ledgerEntry) float64 {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	l.resetIfStale(entry)
	return entry.spentUSD
}

func (l *CostLedger) add(entry *ledgerEntry, costUSD float64) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	l.resetIfStale(entry)
	entry.spentUSD += costUSD
}

// resetIfStale zeroes the window when the current time has crossed into a
// new day. Caller must hold entry.mu.
func (l *CostLedger) resetIfStale(entry *ledgerEntry) {
	start := l.windowStart(l.now().In(l.loc()))
	if !entry.windowStart.Equal(start) {
		entry.windowStart = start
		entry.spentUSD = 0
	}
}

func (l *CostLedger) windowStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func (l *CostLedger) loc() *time.Location {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.location
}
