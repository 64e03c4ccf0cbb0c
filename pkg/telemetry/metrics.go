package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Admission metrics
	requestsTotal *prometheus.CounterVec
	denialsTotal  *prometheus.CounterVec

	// Routing metrics
	endpointAttempts *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec

	// Cost metrics
	spendUSD   *prometheus.CounterVec
	tokensUsed *prometheus.CounterVec

	// Control plane metrics
	killSwitchActive prometheus.Gauge
	configReloads    *prometheus.CounterVec
	moderationCalls  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all gateway metrics
// registered in a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests by logical model and outcome",
			},
			[]string{"model", "outcome"},
		),

		denialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_denials_total",
				Help: "Total number of denied requests by reason",
			},
			[]string{"reason"},
		),

		endpointAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_endpoint_attempts_total",
				Help: "Total number of endpoint invocations by endpoint and status",
			},
			[]string{"endpoint_id", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "outcome"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_state",
				Help: "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open)",
			},
			[]string{"endpoint_id"},
		),

		spendUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_spend_usd_total",
				Help: "Cumulative recorded spend in USD by principal",
			},
			[]string{"principal_id"},
		),

		tokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Cumulative model tokens consumed by model and kind",
			},
			[]string{"model", "kind"},
		),

		killSwitchActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_killswitch_active",
				Help: "Whether the global kill switch is active (1) or not (0)",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		moderationCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_moderation_calls_total",
				Help: "Total number of moderation service calls by result",
			},
			[]string{"result"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.denialsTotal,
		m.endpointAttempts,
		m.requestDuration,
		m.breakerState,
		m.spendUSD,
		m.tokensUsed,
		m.killSwitchActive,
		m.configReloads,
		m.moderationCalls,
	)

	return m
}

// RecordRequest records a completed request with its outcome and latency.
func (m *Metrics) RecordRequest(model, outcome string, seconds float64) {
	m.requestsTotal.WithLabelValues(model, outcome).Inc()
	m.requestDuration.WithLabelValues(model, outcome).Observe(seconds)
}

// RecordDenial records a denied request by reason.
func (m *Metrics) RecordDenial(reason string) {
	m.denialsTotal.WithLabelValues(reason).Inc()
}

// RecordEndpointAttempt records one endpoint invocation.
func (m *Metrics) RecordEndpointAttempt(endpointID string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.endpointAttempts.WithLabelValues(endpointID, status).Inc()
}

// SetBreakerState updates the breaker state gauge for an endpoint.
func (m *Metrics) SetBreakerState(endpointID, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(endpointID).Set(v)
}

// RecordSpend records spend and token usage for a completed request.
func (m *Metrics) RecordSpend(principalID, model string, promptTokens, completionTokens int, costUSD float64) {
	m.spendUSD.WithLabelValues(principalID).Add(costUSD)
	m.tokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.tokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// SetKillSwitch updates the kill switch gauge.
func (m *Metrics) SetKillSwitch(active bool) {
	if active {
		m.killSwitchActive.Set(1)
	} else {
		m.killSwitchActive.Set(0)
	}
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordModeration records a moderation call by result
// (clean, flagged, fail_open, fail_closed).
func (m *Metrics) RecordModeration(result string) {
	m.moderationCalls.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler serving the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
