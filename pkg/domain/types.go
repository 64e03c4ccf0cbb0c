package domain

import (
	"strings"
	"time"
)

// Tier identifies the service tier of a principal. Tiers select rate-limit
// capacity, refill rate and daily budget from configuration.
type Tier string

const (
	// TierDefault is the baseline tier applied when no tier is configured.
	TierDefault Tier = "default"
	// TierPremium receives higher rate-limit capacity and budget.
	TierPremium Tier = "premium"
)

// Principal identifies a caller (user or service). Immutable once issued.
type Principal struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message within a request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestEnvelope is one inference request flowing through the admission
// pipeline. Created at ingress, immutable, discarded after the pipeline
// completes.
type RequestEnvelope struct {
	PrincipalID         string    `json:"principal_id"`
	RequestedModel      string    `json:"requested_model"`
	Messages            []Message `json:"messages"`
	EstimatedCostTokens float64   `json:"estimated_cost_tokens"`
	TraceID             string    `json:"trace_id"`
	// Tier is stamped at ingress from the principal's issued attributes.
	// Empty means the default tier.
	Tier     Tier      `json:"tier,omitempty"`
	Deadline time.Time `json:"-"`
}

// Text concatenates the message contents for inspection stages. The threat
// detector and moderation client operate on the flattened text, not on the
// message structure.
func (e RequestEnvelope) Text() string {
	parts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Usage reports token consumption as returned by a model endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RouteOutcome is the successful result of routing a request to an endpoint.
type RouteOutcome struct {
	EndpointID string `json:"endpoint_id"`
	Usage      Usage  `json:"usage"`
	CostUSD    float64
}

// EndpointAttempt records a single endpoint invocation made by the router
// while walking a fallback chain. Failed attempts stay internal; they are
// audited but never surfaced to the caller unless the chain is exhausted.
type EndpointAttempt struct {
	EndpointID string
	Err        error
	Duration   time.Duration
}

// Severity classifies audit events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// AuditEvent is an append-only operational record. Events are never mutated
// or deleted by this core.
type AuditEvent struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Severity    Severity       `json:"severity"`
	PrincipalID string         `json:"principal_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Audit event types emitted by the pipeline.
const (
	EventRequestDenied      = "request.denied"
	EventRequestCompleted   = "request.completed"
	EventEndpointFailure    = "endpoint.failure"
	EventKillSwitchChange   = "killswitch.change"
	EventModerationDegraded = "moderation.degraded"
	EventConfigReloaded     = "config.reloaded"
)

// ThreatLevel is the ordered classification of how likely a request is an
// injection or abuse attempt.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

var threatLevelNames = map[ThreatLevel]string{
	ThreatNone:     "NONE",
	ThreatLow:      "LOW",
	ThreatMedium:   "MEDIUM",
	ThreatHigh:     "HIGH",
	ThreatCritical: "CRITICAL",
}

func (l ThreatLevel) String() string {
	if name, ok := threatLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Severity maps a threat level to the audit severity used when a request is
// blocked at that level.
func (l ThreatLevel) Severity() Severity {
	switch {
	case l >= ThreatCritical:
		return SeverityCritical
	case l >= ThreatHigh:
		return SeverityError
	case l >= ThreatMedium:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// ParseThreatLevel converts a level name to its ThreatLevel value.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	for level, name := range threatLevelNames {
		if strings.EqualFold(name, s) {
			return level, true
		}
	}
	return ThreatNone, false
}

// PatternMatch identifies one matched threat pattern and its severity weight.
type PatternMatch struct {
	PatternID string  `json:"pattern_id"`
	Severity  float64 `json:"severity"`
}

// ThreatAssessment is the result of threat classification for one request.
// Ephemeral, computed per request.
type ThreatAssessment struct {
	Level           ThreatLevel    `json:"level"`
	MatchedPatterns []PatternMatch `json:"matched_patterns,omitempty"`
	Score           float64        `json:"score"`
}

// ModerationSource records how a moderation verdict was produced.
type ModerationSource string

const (
	// SourceModerator means the external classifier answered.
	SourceModerator ModerationSource = "moderator"
	// SourceFailOpen means the classifier was unavailable and the request
	// was allowed to proceed per configuration.
	SourceFailOpen ModerationSource = "fail-open"
	// SourceFailClosed means the classifier was unavailable and the request
	// was denied per configuration.
	SourceFailClosed ModerationSource = "fail-closed"
)

// ModerationVerdict is the outcome of content moderation for one request.
type ModerationVerdict struct {
	Flagged    bool             `json:"flagged"`
	Categories []string         `json:"categories,omitempty"`
	Source     ModerationSource `json:"source"`
}

// KillSwitchState is a snapshot of the global emergency shutdown gate.
type KillSwitchState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedBy string    `json:"activated_by,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}
