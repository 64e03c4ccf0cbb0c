// Package gateway orchestrates the admission pipeline: kill switch, rate
// limit and budget, threat detection, content moderation, then routing with
// circuit-breaker fallback. Each stage can short-circuit with a structured
// denial; every denial produces exactly one audit event and every success
// produces exactly one billing update.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veilgate/veilgate/internal/governance"
	"github.com/veilgate/veilgate/internal/routing"
	"github.com/veilgate/veilgate/pkg/audit"
	"github.com/veilgate/veilgate/pkg/domain"
	"github.com/veilgate/veilgate/pkg/moderation"
	"github.com/veilgate/veilgate/pkg/policy/threat"
	"github.com/veilgate/veilgate/pkg/telemetry"
)

// Invoker performs one model endpoint invocation. Concrete variants exist
// per provider; the pipeline is generic over this capability.
type Invoker interface {
	Invoke(ctx context.Context, endpoint domain.EndpointConfig, env domain.RequestEnvelope) (domain.Usage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, endpoint domain.EndpointConfig, env domain.RequestEnvelope) (domain.Usage, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, endpoint domain.EndpointConfig, env domain.RequestEnvelope) (domain.Usage, error) {
	return f(ctx, endpoint, env)
}

// SpendMirror optionally persists recorded spend outside the in-process
// ledger. The Redis audit store implements it.
type SpendMirror interface {
	MirrorSpend(ctx context.Context, principalID string, costUSD float64, day time.Time) error
}

// Gateway runs the fixed admission pipeline for every request.
type Gateway struct {
	killSwitch *governance.KillSwitch
	limiter    *governance.RateLimiter
	ledger     *governance.CostLedger
	moderator  *moderation.Client
	router     *routing.Router
	auditor    audit.Store
	metrics    *telemetry.Metrics
	invoker    Invoker
	logger     *slog.Logger
	tracer     trace.Tracer

	mu       sync.RWMutex
	detector *threat.Detector
	pricing  domain.PricingSettings

	spendMirror SpendMirror
	now         func() time.Time
}

// New assembles a gateway from an initial configuration snapshot.
func New(snap domain.Snapshot, invoker Invoker, auditor audit.Store, metrics *telemetry.Metrics, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.NewMemoryStore()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	detector, err := threat.NewDetector(snap.Threat)
	if err != nil {
		return nil, fmt.Errorf("build threat detector: %w", err)
	}

	location, err := loadLocation(snap.Budget.Timezone)
	if err != nil {
		return nil, err
	}

	ledger := governance.NewCostLedger(snap.Global.DailyLimitUSD, location)

	g := &Gateway{
		killSwitch: governance.NewKillSwitch(),
		limiter:    governance.NewRateLimiter(snap.Tiers, snap.Global, ledger),
		ledger:     ledger,
		moderator:  moderation.NewClient(snap.Moderation, logger),
		router:     routing.NewRouter(snap.Routes, snap.Endpoints, snap.Breaker, logger),
		auditor:    auditor,
		metrics:    metrics,
		invoker:    invoker,
		logger:     logger,
		tracer:     otel.Tracer("veilgate/gateway"),
		detector:   detector,
		pricing:    snap.Pricing,
		now:        time.Now,
	}

	if mirror, ok := auditor.(SpendMirror); ok {
		g.spendMirror = mirror
	}
	return g, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("budget timezone: %w", err)
	}
	return location, nil
}

// Apply reconfigures every pipeline component from a new snapshot. Breaker
// and bucket state survive; only parameters change. A snapshot with an
// invalid threat rule or timezone is rejected and the previous configuration
// stays in force.
func (g *Gateway) Apply(snap domain.Snapshot) error {
	detector, err := threat.NewDetector(snap.Threat)
	if err != nil {
		g.metrics.RecordConfigReload(false)
		return fmt.Errorf("build threat detector: %w", err)
	}
	location, err := loadLocation(snap.Budget.Timezone)
	if err != nil {
		g.metrics.RecordConfigReload(false)
		return err
	}

	g.limiter.Configure(snap.Tiers, snap.Global)
	g.ledger.Configure(snap.Global.DailyLimitUSD, location)
	g.moderator.Configure(snap.Moderation)
	g.router.Configure(snap.Routes, snap.Endpoints, snap.Breaker)

	g.mu.Lock()
	g.detector = detector
	g.pricing = snap.Pricing
	g.mu.Unlock()

	g.metrics.RecordConfigReload(true)
	g.appendEvent(context.Background(), audit.NewEvent(
		domain.EventConfigReloaded, domain.SeverityInfo, "", "",
		map[string]any{"snapshot_at": snap.Timestamp},
	))
	g.logger.Info("configuration applied", "snapshot_at", snap.Timestamp)
	return nil
}

// Handle runs one request through the pipeline. On denial the returned
// Denial carries the stable kind and, where applicable, a retry hint; the
// audit event has already been written.
func (g *Gateway) Handle(ctx context.Context, env domain.RequestEnvelope) (domain.RouteOutcome, *domain.Denial) {
	start := g.now()

	ctx, span := g.tracer.Start(ctx, "gateway.handle", trace.WithAttributes(
		attribute.String("veilgate.principal_id", env.PrincipalID),
		attribute.String("veilgate.model", env.RequestedModel),
		attribute.String("veilgate.trace_id", env.TraceID),
	))
	defer span.End()

	if env.PrincipalID == "" || env.RequestedModel == "" || len(env.Messages) == 0 {
		return domain.RouteOutcome{}, g.deny(ctx, env, start, &domain.Denial{
			Kind: domain.KindInvalidRequest,
			Err:  errors.New("principal_id, requested_model and messages are required"),
		}, domain.SeverityWarning, nil)
	}

	if !env.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
		defer cancel()
	}

	// Stage 1: kill switch. Checked before everything else so activation
	// denies 100% of subsequent requests.
	if g.killSwitch.Active() {
		return domain.RouteOutcome{}, g.deny(ctx, env, start, &domain.Denial{
			Kind: domain.KindKillSwitchActive,
			Err:  domain.ErrKillSwitchActive,
		}, domain.SeverityWarning, nil)
	}

	// Stage 2: budget then rate limit, one call, first denial wins.
	pricing := g.currentPricing()
	estUSD := pricing.CostUSD(env.RequestedModel, env.EstimatedCostTokens)
	decision := g.limiter.CheckAndConsume(env.PrincipalID, tierOrDefault(env.Tier), env.EstimatedCostTokens, estUSD)
	if !decision.Allowed {
		var cause error
		switch decision.Kind {
		case domain.KindBudgetExceeded:
			cause = domain.ErrBudgetExceeded
		default:
			cause = domain.ErrRateLimitExceeded
		}
		return domain.RouteOutcome{}, g.deny(ctx, env, start, &domain.Denial{
			Kind:       decision.Kind,
			Err:        cause,
			RetryAfter: decision.RetryAfter,
		}, domain.SeverityWarning, map[string]any{"estimated_cost_usd": estUSD})
	}

	text := env.Text()

	// Stage 3: threat classification, pure and local.
	detector := g.currentDetector()
	assessment := detector.Detect(text)
	if detector.ShouldBlock(assessment) {
		return domain.RouteOutcome{}, g.deny(ctx, env, start, &domain.Denial{
			Kind:    domain.KindThreatBlocked,
			Err:     fmt.Errorf("%w: level %s", domain.ErrThreatBlocked, assessment.Level),
			Details: map[string]any{"threat_level": assessment.Level.String()},
		}, assessment.Level.Severity(), map[string]any{
			"threat_level": assessment.Level.String(),
			"score":        assessment.Score,
			"patterns":     assessment.MatchedPatterns,
		})
	}

	// Stage 4: external content moderation, when configured.
	if g.moderator.Enabled() {
		verdict, err := g.moderator.Moderate(ctx, text)
		if err != nil {
			g.metrics.RecordModeration("fail_closed")
			return domain.RouteOutcome{}, g.deny(ctx, env, start, &domain.Denial{
				Kind: domain.KindModerationUnavailable,
				Err:  err,
			}, domain.SeverityError, map[string]any{"source": string(verdict.Source)})
		}
		switch {
		case verdict.Flagged:
			g.metrics.RecordModeration("flagged")
			return domain.RouteOutcome{}, g.deny(ctx, env, start, &domain.Denial{
				Kind: domain.KindModerationFlagged,
				Err:  domain.ErrModerationFlagged,
			}, domain.SeverityWarning, map[string]any{"categories": verdict.Categories})
		case verdict.Source == domain.SourceFailOpen:
			// Degraded but proceeding; record it, never silently.
			g.metrics.RecordModeration("fail_open")
			g.appendEvent(ctx, audit.NewEvent(
				domain.EventModerationDegraded, domain.SeverityWarning,
				env.PrincipalID, env.TraceID, nil,
			))
		default:
			g.metrics.RecordModeration("clean")
		}
	}

	// Stage 5: route through the fallback chain.
	outcome, attempts, err := g.route(ctx, env)
	g.auditAttempts(ctx, env, attempts)
	g.publishBreakerStates()

	if err != nil {
		return domain.RouteOutcome{}, g.routeDenial(ctx, env, start, err, attempts)
	}

	// Stage 6: billing. Spend is recorded only against a real usage result.
	cost := pricing.CostUSD(env.RequestedModel, float64(outcome.Usage.TotalTokens))
	outcome.CostUSD = cost
	g.ledger.Record(env.PrincipalID, cost)
	g.metrics.RecordSpend(env.PrincipalID, env.RequestedModel, outcome.Usage.PromptTokens, outcome.Usage.CompletionTokens, cost)
	if g.spendMirror != nil {
		if err := g.spendMirror.MirrorSpend(ctx, env.PrincipalID, cost, g.now()); err != nil {
			g.logger.Warn("spend mirror write failed", "error", err)
		}
	}

	g.appendEvent(ctx, audit.NewEvent(
		domain.EventRequestCompleted, domain.SeverityInfo, env.PrincipalID, env.TraceID,
		map[string]any{
			"endpoint_id":  outcome.EndpointID,
			"model":        env.RequestedModel,
			"total_tokens": outcome.Usage.TotalTokens,
			"cost_usd":     cost,
		},
	))

	span.SetAttributes(attribute.String("veilgate.endpoint_id", outcome.EndpointID))
	g.metrics.RecordRequest(env.RequestedModel, "completed", g.now().Sub(start).Seconds())
	return outcome, nil
}

func (g *Gateway) route(ctx context.Context, env domain.RequestEnvelope) (domain.RouteOutcome, []domain.EndpointAttempt, error) {
	return g.router.Route(ctx, env.RequestedModel, func(ctx context.Context, endpoint domain.EndpointConfig) (domain.Usage, error) {
		usage, err := g.invoker.Invoke(ctx, endpoint, env)
		g.metrics.RecordEndpointAttempt(endpoint.ID, err == nil)
		return usage, err
	})
}

// routeDenial maps a routing failure to its denial and audit record.
func (g *Gateway) routeDenial(ctx context.Context, env domain.RequestEnvelope, start time.Time, err error, attempts []domain.EndpointAttempt) *domain.Denial {
	switch {
	case errors.Is(err, domain.ErrUnknownModel):
		return g.deny(ctx, env, start, &domain.Denial{
			Kind: domain.KindInvalidRequest,
			Err:  err,
		}, domain.SeverityWarning, map[string]any{"model": env.RequestedModel})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return g.deny(ctx, env, start, &domain.Denial{
			Kind: domain.KindDeadlineExceeded,
			Err:  err,
		}, domain.SeverityWarning, nil)
	default:
		return g.deny(ctx, env, start, &domain.Denial{
			Kind: domain.KindAllEndpointsExhausted,
			Err:  domain.ErrAllEndpointsExhausted,
		}, domain.SeverityCritical, map[string]any{
			"model":    env.RequestedModel,
			"attempts": len(attempts),
		})
	}
}

// auditAttempts records each failed endpoint invocation. These stay internal
// operational events and are never surfaced to the caller.
func (g *Gateway) auditAttempts(ctx context.Context, env domain.RequestEnvelope, attempts []domain.EndpointAttempt) {
	for _, attempt := range attempts {
		if attempt.Err == nil {
			continue
		}
		g.appendEvent(ctx, audit.NewEvent(
			domain.EventEndpointFailure, domain.SeverityWarning, env.PrincipalID, env.TraceID,
			map[string]any{
				"endpoint_id": attempt.EndpointID,
				"error":       attempt.Err.Error(),
				"duration_ms": attempt.Duration.Milliseconds(),
			},
		))
	}
}

// deny writes the single denial audit event and the denial metrics, then
// returns the denial for the transport layer.
func (g *Gateway) deny(ctx context.Context, env domain.RequestEnvelope, start time.Time, d *domain.Denial, severity domain.Severity, auditDetails map[string]any) *domain.Denial {
	if auditDetails == nil {
		auditDetails = map[string]any{}
	}
	auditDetails["reason"] = string(d.Kind)
	if d.RetryAfter > 0 {
		auditDetails["retry_after_ms"] = d.RetryAfter.Milliseconds()
	}

	g.appendEvent(ctx, audit.NewEvent(
		domain.EventRequestDenied, severity, env.PrincipalID, env.TraceID, auditDetails,
	))
	g.metrics.RecordDenial(string(d.Kind))
	g.metrics.RecordRequest(env.RequestedModel, "denied", g.now().Sub(start).Seconds())
	g.logger.Info("request denied",
		"principal_id", env.PrincipalID,
		"trace_id", env.TraceID,
		"reason", string(d.Kind),
	)
	return d
}

// appendEvent writes to the audit store; a store failure is logged, never
// propagated into the request path.
func (g *Gateway) appendEvent(ctx context.Context, event domain.AuditEvent) {
	if err := g.auditor.Append(ctx, event); err != nil {
		g.logger.Error("audit append failed", "event_type", event.EventType, "error", err)
	}
}

func (g *Gateway) publishBreakerStates() {
	for id, stats := range g.router.Stats() {
		g.metrics.SetBreakerState(id, stats.State)
	}
}

// SetKillSwitch engages or releases the global gate. The audit event is
// emitted exactly once per state transition; repeated calls with the same
// target state are no-ops.
func (g *Gateway) SetKillSwitch(active bool, reason, actor string) bool {
	var changed bool
	if active {
		changed = g.killSwitch.Activate(reason, actor)
	} else {
		changed = g.killSwitch.Deactivate(actor)
	}
	if !changed {
		return false
	}

	severity := domain.SeverityInfo
	if active {
		severity = domain.SeverityCritical
	}
	g.appendEvent(context.Background(), audit.NewEvent(
		domain.EventKillSwitchChange, severity, "", "",
		map[string]any{"active": active, "reason": reason, "actor": actor},
	))
	g.metrics.SetKillSwitch(active)
	g.logger.Warn("kill switch changed", "active", active, "reason", reason, "actor", actor)
	return true
}

// KillSwitchState returns the current gate state for the admin surface.
func (g *Gateway) KillSwitchState() domain.KillSwitchState {
	return g.killSwitch.State()
}

// Stats aggregates operational state for the admin surface.
type Stats struct {
	KillSwitch domain.KillSwitchState            `json:"kill_switch"`
	Buckets    map[string]governance.BucketStats `json:"buckets"`
	Ledger     map[string]governance.LedgerStats `json:"ledger"`
	Breakers   map[string]routing.BreakerStats   `json:"breakers"`
}

// Stats returns a point-in-time operational snapshot.
func (g *Gateway) Stats() Stats {
	return Stats{
		KillSwitch: g.killSwitch.State(),
		Buckets:    g.limiter.Stats(),
		Ledger:     g.ledger.Stats(),
		Breakers:   g.router.Stats(),
	}
}

func (g *Gateway) currentDetector() *threat.Detector {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detector
}

func (g *Gateway) currentPricing() domain.PricingSettings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pricing
}

func tierOrDefault(tier domain.Tier) domain.Tier {
	if tier == "" {
		return domain.TierDefault
	}
	return tier
}
