package governance

import (
	"sync"
	"time"

	"github.com/veilgate/veilgate/pkg/domain"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Kind       domain.ErrorKind
	RetryAfter time.Duration
}

var allow = Decision{Allowed: true}

func deny(kind domain.ErrorKind, retryAfter time.Duration) Decision {
	return Decision{Kind: kind, RetryAfter: retryAfter}
}

// RateLimiter implements token bucket admission control per principal plus a
// global bucket capping aggregate throughput. The daily budget check runs in
// the same call, before any tokens are consumed, so a request that would
// exceed the budget never drains the bucket.
type RateLimiter struct {
	mu      sync.RWMutex
	tiers   map[domain.Tier]domain.TierLimits
	global  *tokenBucket
	buckets map[string]*tokenBucket

	ledger *CostLedger
}

// NewRateLimiter creates a rate limiter with the provided tier configuration
// and ledger for budget checks.
func NewRateLimiter(tiers map[domain.Tier]domain.TierLimits, global domain.GlobalLimits, ledger *CostLedger) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		ledger:  ledger,
	}
	rl.Configure(tiers, global)
	return rl
}

// Configure replaces the tier configuration and reshapes existing buckets.
// Buckets keep their current fill so a reload does not grant a free burst.
func (rl *RateLimiter) Configure(tiers map[domain.Tier]domain.TierLimits, global domain.GlobalLimits) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tiers = make(map[domain.Tier]domain.TierLimits, len(tiers))
	for tier, limits := range tiers {
		rl.tiers[tier] = limits
	}

	if rl.global == nil {
		rl.global = newTokenBucket(global.Capacity, global.RefillPerSec)
	} else {
		rl.global.configure(global.Capacity, global.RefillPerSec)
	}

	for key, bucket := range rl.buckets {
		limits := rl.limitsForLocked(bucketTier(key))
		bucket.configure(limits.Capacity, limits.RefillPerSec)
	}
}

// bucketTier recovers the tier a bucket was created for. Buckets are keyed
// by "principal\x00tier" so a tier change for a principal creates a fresh
// bucket rather than inheriting the old fill.
func bucketTier(key string) domain.Tier {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == 0 {
			return domain.Tier(key[i+1:])
		}
	}
	return domain.TierDefault
}

func bucketKey(principalID string, tier domain.Tier) string {
	return principalID + "\x00" + string(tier)
}

// CheckAndConsume runs the budget check, then the per-principal bucket, then
// the global bucket, in that order; the first denial wins. Atomicity is per
// bucket key: concurrent requests for the same principal serialize on that
// bucket only.
func (rl *RateLimiter) CheckAndConsume(principalID string, tier domain.Tier, costTokens, estCostUSD float64) Decision {
	limits := rl.limitsFor(tier)

	if rl.ledger != nil && !rl.ledger.Check(principalID, limits.DailyLimitUSD, estCostUSD) {
		return deny(domain.KindBudgetExceeded, rl.ledger.UntilReset())
	}

	bucket := rl.bucketFor(principalID, tier, limits)
	ok, retryAfter := bucket.take(costTokens)
	if !ok {
		return deny(domain.KindRateLimitExceeded, retryAfter)
	}

	ok, retryAfter = rl.global.take(costTokens)
	if !ok {
		// The principal bucket already paid; hand the tokens back so a
		// globally throttled request does not also burn principal quota.
		bucket.refund(costTokens)
		return deny(domain.KindRateLimitExceeded, retryAfter)
	}

	return allow
}

// Stats returns the current token counts per bucket for the admin surface.
func (rl *RateLimiter) Stats() map[string]BucketStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]BucketStats, len(rl.buckets)+1)
	stats["global"] = rl.global.stats()
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats()
	}
	return stats
}

func (rl *RateLimiter) limitsFor(tier domain.Tier) domain.TierLimits {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limitsForLocked(tier)
}

func (rl *RateLimiter) limitsForLocked(tier domain.Tier) domain.TierLimits {
	if limits, ok := rl.tiers[tier]; ok {
		return limits
	}
	return rl.tiers[domain.TierDefault]
}

func (rl *RateLimiter) bucketFor(principalID string, tier domain.Tier, limits domain.TierLimits) *tokenBucket {
	key := bucketKey(principalID, tier)

	rl.mu.RLock()
	bucket, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, ok := rl.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(limits.Capacity, limits.RefillPerSec)
	rl.buckets[key] = bucket
	return bucket
}

// BucketStats exposes current state of a rate limit bucket.
type BucketStats struct {
	Capacity     float64 `json:"capacity"`
	RefillPerSec float64 `json:"refill_per_sec"`
	Available    float64 `json:"available"`
}

// tokenBucket implements a token bucket for admission control. Each bucket
// has its own mutex; unrelated principals never contend.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(capacity, rate float64) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = rate
	}
	return &tokenBucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity, // start full
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) configure(capacity, rate float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = rate
	}

	tb.refill()
	tb.rate = rate
	tb.capacity = capacity
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// take attempts to consume cost tokens. On denial it reports how long the
// caller must wait, at the current refill rate, before the same cost would
// be available.
func (tb *tokenBucket) take(cost float64) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= cost {
		tb.tokens -= cost
		return true, 0
	}

	missing := cost - tb.tokens
	retryAfter := time.Duration(missing / tb.rate * float64(time.Second))
	return false, retryAfter
}

// refund returns tokens consumed by a request that was denied downstream.
func (tb *tokenBucket) refund(cost float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens += cost
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now
}

func (tb *tokenBucket) stats() BucketStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	return BucketStats{
		Capacity:     tb.capacity,
		RefillPerSec: tb.rate,
		Available:    tb.tokens,
	}
}
