package domain

import "time"

// Snapshot represents a point-in-time operational configuration state. The
// file provider publishes a new Snapshot on every successful reload and the
// gateway swaps components over to it atomically.
type Snapshot struct {
	Tiers      map[Tier]TierLimits
	Global     GlobalLimits
	Routes     []ModelRoute
	Endpoints  []EndpointConfig
	Breaker    BreakerSettings
	Threat     ThreatSettings
	Moderation ModerationSettings
	Pricing    PricingSettings
	Budget     BudgetSettings
	Timestamp  time.Time
}

// TierLimits selects the per-principal bucket and budget parameters for a
// service tier.
type TierLimits struct {
	Capacity      float64
	RefillPerSec  float64
	DailyLimitUSD float64
}

// GlobalLimits caps aggregate throughput and spend independent of tier.
type GlobalLimits struct {
	Capacity      float64
	RefillPerSec  float64
	DailyLimitUSD float64
}

// ModelRoute maps a logical model name to its ordered fallback chain of
// endpoint IDs. The chain is tried in sequence until one endpoint succeeds
// or the list is exhausted.
type ModelRoute struct {
	LogicalModel string
	Chain        []string
}

// EndpointConfig describes one physical model endpoint.
type EndpointConfig struct {
	ID       string
	Provider string
	BaseURL  string
}

// BreakerSettings defines the per-endpoint circuit breaker parameters.
type BreakerSettings struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// ThreatSettings controls the threat detector's blocking behaviour.
type ThreatSettings struct {
	BlockAtLevel ThreatLevel
	// CustomPatterns merge over the built-in catalogue; declarative data,
	// not code.
	CustomPatterns []ThreatPattern
}

// ThreatPattern declares one detection pattern for the threat catalogue.
type ThreatPattern struct {
	ID       string
	Category string
	Regex    string
	Severity float64
}

// FailMode selects what happens when the moderation collaborator is
// unreachable after the retry budget is spent.
type FailMode string

const (
	// FailOpen lets the request proceed with a WARNING audit event.
	FailOpen FailMode = "open"
	// FailClosed denies the request with ModerationServiceUnavailable.
	FailClosed FailMode = "closed"
)

// ModerationSettings configures the external content classifier client.
type ModerationSettings struct {
	Endpoint string
	Timeout  time.Duration
	FailMode FailMode
}

// PricingSettings converts token estimates and endpoint usage into USD.
type PricingSettings struct {
	// DefaultUSDPer1KTokens applies when no per-model rate is configured.
	DefaultUSDPer1KTokens float64
	// PerModelUSDPer1KTokens overrides the default rate by requested model.
	PerModelUSDPer1KTokens map[string]float64
}

// CostUSD converts a token count for a model into dollars.
func (p PricingSettings) CostUSD(model string, tokens float64) float64 {
	rate := p.DefaultUSDPer1KTokens
	if r, ok := p.PerModelUSDPer1KTokens[model]; ok {
		rate = r
	}
	return tokens / 1000 * rate
}

// BudgetSettings controls the daily spend window.
type BudgetSettings struct {
	// Timezone is the IANA location whose midnight bounds the daily window.
	// All principals share one window; an empty value means UTC.
	Timezone string
}

// ConfigService is implemented by configuration providers that support hot
// reload of operational settings.
type ConfigService interface {
	// CurrentSnapshot returns the current configuration.
	CurrentSnapshot() Snapshot

	// Subscribe returns a channel receiving configuration updates. The
	// current snapshot is delivered immediately on subscription.
	Subscribe() <-chan Snapshot
}
