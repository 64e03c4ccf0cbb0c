// Package routing selects a model endpoint for each request by walking the
// logical model's ordered fallback chain, guarded by per-endpoint circuit
// breakers.
//
// Transient endpoint failures are recovered here and never surfaced to the
// caller; only chain exhaustion propagates. Breaker counters are keyed per
// endpoint and serialized per key, so endpoints never contend with each
// other.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veilgate/veilgate/pkg/domain"
)

// InvokeFunc performs one endpoint invocation. The router is generic over
// this capability and never branches on provider identity.
type InvokeFunc func(ctx context.Context, endpoint domain.EndpointConfig) (domain.Usage, error)

// Router walks fallback chains with circuit breaker protection.
type Router struct {
	mu        sync.RWMutex
	chains    map[string][]string
	endpoints map[string]domain.EndpointConfig
	breakers  map[string]*breaker
	settings  domain.BreakerSettings

	logger *slog.Logger
	now    func() time.Time
}

// NewRouter creates a router from the route table and breaker settings.
func NewRouter(routes []domain.ModelRoute, endpoints []domain.EndpointConfig, settings domain.BreakerSettings, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		breakers: make(map[string]*breaker),
		logger:   logger,
		now:      time.Now,
	}
	r.Configure(routes, endpoints, settings)
	return r
}

// Configure replaces the route table and breaker settings. Existing breaker
// state survives a reload: an endpoint that was OPEN stays OPEN.
func (r *Router) Configure(routes []domain.ModelRoute, endpoints []domain.EndpointConfig, settings domain.BreakerSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chains = make(map[string][]string, len(routes))
	for _, route := range routes {
		r.chains[route.LogicalModel] = append([]string(nil), route.Chain...)
	}

	r.endpoints = make(map[string]domain.EndpointConfig, len(endpoints))
	for _, ep := range endpoints {
		r.endpoints[ep.ID] = ep
	}

	r.settings = settings
	for _, b := range r.breakers {
		b.configure(settings)
	}
}

// Route iterates the logical model's fallback chain and invokes the first
// admissible endpoint. On success the breaker closes and the outcome is
// returned; on failure the breaker records it and the next candidate is
// tried. All attempts, failed and successful, are reported so the gateway
// can audit them.
func (r *Router) Route(ctx context.Context, logicalModel string, invoke InvokeFunc) (domain.RouteOutcome, []domain.EndpointAttempt, error) {
	chain, ok := r.chainFor(logicalModel)
	if !ok {
		return domain.RouteOutcome{}, nil, fmt.Errorf("%w: %s", domain.ErrUnknownModel, logicalModel)
	}

	var attempts []domain.EndpointAttempt

	for _, endpointID := range chain {
		if err := ctx.Err(); err != nil {
			return domain.RouteOutcome{}, attempts, err
		}

		endpoint, ok := r.endpointFor(endpointID)
		if !ok {
			r.logger.Warn("chain references unknown endpoint", "endpoint_id", endpointID, "model", logicalModel)
			continue
		}

		b := r.breakerFor(endpointID)
		proceed, probe := b.acquire(r.now())
		if !proceed {
			continue
		}

		start := r.now()
		usage, err := invoke(ctx, endpoint)
		duration := r.now().Sub(start)

		if err != nil {
			b.onFailure(probe, r.now())
			attempts = append(attempts, domain.EndpointAttempt{
				EndpointID: endpointID,
				Err:        fmt.Errorf("%w: %s: %w", domain.ErrEndpointUnavailable, endpointID, err),
				Duration:   duration,
			})
			r.logger.Warn("endpoint invocation failed, trying next candidate",
				"endpoint_id", endpointID,
				"model", logicalModel,
				"probe", probe,
				"error", err,
			)
			continue
		}

		b.onSuccess(probe)
		attempts = append(attempts, domain.EndpointAttempt{EndpointID: endpointID, Duration: duration})
		return domain.RouteOutcome{EndpointID: endpointID, Usage: usage}, attempts, nil
	}

	return domain.RouteOutcome{}, attempts, domain.ErrAllEndpointsExhausted
}

// Stats returns breaker state per endpoint for the admin surface.
func (r *Router) Stats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for id, b := range r.breakers {
		stats[id] = b.snapshot()
	}
	return stats
}

func (r *Router) chainFor(logicalModel string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain, ok := r.chains[logicalModel]
	return chain, ok
}

func (r *Router) endpointFor(id string) (domain.EndpointConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

func (r *Router) breakerFor(id string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b = newBreaker(r.settings)
	r.breakers[id] = b
	return b
}
