package routing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilgate/veilgate/pkg/domain"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	routes := []domain.ModelRoute{
		{LogicalModel: "fast-chat", Chain: []string{"ep-a", "ep-b", "ep-c"}},
		{LogicalModel: "solo", Chain: []string{"ep-a"}},
	}
	endpoints := []domain.EndpointConfig{
		{ID: "ep-a", Provider: "alpha", BaseURL: "http://alpha.local"},
		{ID: "ep-b", Provider: "beta", BaseURL: "http://beta.local"},
		{ID: "ep-c", Provider: "gamma", BaseURL: "http://gamma.local"},
	}
	return NewRouter(routes, endpoints, testBreakerSettings(), slog.New(slog.DiscardHandler))
}

// invokeScript returns an InvokeFunc that fails for the listed endpoint IDs
// and succeeds for everything else, recording the call order.
func invokeScript(failing map[string]error, calls *[]string) InvokeFunc {
	return func(_ context.Context, ep domain.EndpointConfig) (domain.Usage, error) {
		*calls = append(*calls, ep.ID)
		if err, ok := failing[ep.ID]; ok {
			return domain.Usage{}, err
		}
		return domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}, nil
	}
}

func TestRouter_FirstEndpointSucceeds(t *testing.T) {
	r := testRouter(t)
	var calls []string

	outcome, attempts, err := r.Route(context.Background(), "fast-chat", invokeScript(nil, &calls))
	require.NoError(t, err)

	assert.Equal(t, "ep-a", outcome.EndpointID)
	assert.Equal(t, 30, outcome.Usage.TotalTokens)
	assert.Equal(t, []string{"ep-a"}, calls)
	require.Len(t, attempts, 1)
	assert.NoError(t, attempts[0].Err)
}

func TestRouter_FallsBackThroughChain(t *testing.T) {
	r := testRouter(t)
	var calls []string
	failing := map[string]error{
		"ep-a": errors.New("connection refused"),
		"ep-b": errors.New("upstream 503"),
	}

	outcome, attempts, err := r.Route(context.Background(), "fast-chat", invokeScript(failing, &calls))
	require.NoError(t, err, "transient failures must not surface when a later candidate succeeds")

	assert.Equal(t, "ep-c", outcome.EndpointID)
	assert.Equal(t, []string{"ep-a", "ep-b", "ep-c"}, calls)

	require.Len(t, attempts, 3)
	assert.ErrorIs(t, attempts[0].Err, domain.ErrEndpointUnavailable)
	assert.ErrorIs(t, attempts[1].Err, domain.ErrEndpointUnavailable)
	assert.NoError(t, attempts[2].Err)
}

func TestRouter_ChainExhausted(t *testing.T) {
	r := testRouter(t)
	var calls []string
	failing := map[string]error{
		"ep-a": errors.New("down"),
		"ep-b": errors.New("down"),
		"ep-c": errors.New("down"),
	}

	_, attempts, err := r.Route(context.Background(), "fast-chat", invokeScript(failing, &calls))
	require.ErrorIs(t, err, domain.ErrAllEndpointsExhausted)
	assert.Len(t, attempts, 3)
}

func TestRouter_UnknownModel(t *testing.T) {
	r := testRouter(t)

	_, attempts, err := r.Route(context.Background(), "no-such-model", func(context.Context, domain.EndpointConfig) (domain.Usage, error) {
		t.Fatal("invoke must not be called for an unknown model")
		return domain.Usage{}, nil
	})
	require.ErrorIs(t, err, domain.ErrUnknownModel)
	assert.Empty(t, attempts)
}

func TestRouter_OpenBreakerSkippedWithoutInvocation(t *testing.T) {
	r := testRouter(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	failing := map[string]error{"ep-a": errors.New("down")}
	var calls []string
	invoke := invokeScript(failing, &calls)

	// Trip ep-a's breaker.
	for i := 0; i < 3; i++ {
		_, _, err := r.Route(context.Background(), "fast-chat", invoke)
		require.NoError(t, err)
	}
	require.Equal(t, string(StateOpen), r.Stats()["ep-a"].State)

	// Inside the cooldown ep-a gets no traffic at all.
	calls = nil
	outcome, attempts, err := r.Route(context.Background(), "fast-chat", invoke)
	require.NoError(t, err)
	assert.Equal(t, "ep-b", outcome.EndpointID)
	assert.Equal(t, []string{"ep-b"}, calls)
	require.Len(t, attempts, 1)
	assert.Equal(t, "ep-b", attempts[0].EndpointID)
}

func TestRouter_HalfOpenProbeRecovers(t *testing.T) {
	r := testRouter(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	failing := map[string]error{"ep-a": errors.New("down")}
	var calls []string
	for i := 0; i < 3; i++ {
		_, _, err := r.Route(context.Background(), "fast-chat", invokeScript(failing, &calls))
		require.NoError(t, err)
	}
	require.Equal(t, string(StateOpen), r.Stats()["ep-a"].State)

	// After cooldown the endpoint has recovered; the probe closes the circuit.
	now = base.Add(31 * time.Second)
	calls = nil
	outcome, _, err := r.Route(context.Background(), "fast-chat", invokeScript(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, "ep-a", outcome.EndpointID)
	assert.Equal(t, string(StateClosed), r.Stats()["ep-a"].State)
}

func TestRouter_SingleEndpointOpenExhaustsChain(t *testing.T) {
	r := testRouter(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	failing := map[string]error{"ep-a": errors.New("down")}
	for i := 0; i < 3; i++ {
		_, _, err := r.Route(context.Background(), "solo", invokeScript(failing, &[]string{}))
		require.ErrorIs(t, err, domain.ErrAllEndpointsExhausted)
	}

	// Breaker open, chain has no other candidate: zero invocations.
	var calls []string
	_, attempts, err := r.Route(context.Background(), "solo", invokeScript(nil, &calls))
	require.ErrorIs(t, err, domain.ErrAllEndpointsExhausted)
	assert.Empty(t, calls)
	assert.Empty(t, attempts)
}

func TestRouter_ContextCanceledBetweenAttempts(t *testing.T) {
	r := testRouter(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	invoke := func(_ context.Context, ep domain.EndpointConfig) (domain.Usage, error) {
		calls = append(calls, ep.ID)
		cancel()
		return domain.Usage{}, errors.New("down")
	}

	_, attempts, err := r.Route(ctx, "fast-chat", invoke)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"ep-a"}, calls, "no further attempts after cancellation")
	require.Len(t, attempts, 1)
}

func TestRouter_ConfigurePreservesBreakerState(t *testing.T) {
	r := testRouter(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	failing := map[string]error{"ep-a": errors.New("down")}
	for i := 0; i < 3; i++ {
		_, _, err := r.Route(context.Background(), "fast-chat", invokeScript(failing, &[]string{}))
		require.NoError(t, err)
	}
	require.Equal(t, string(StateOpen), r.Stats()["ep-a"].State)

	r.Configure(
		[]domain.ModelRoute{{LogicalModel: "fast-chat", Chain: []string{"ep-a", "ep-b"}}},
		[]domain.EndpointConfig{
			{ID: "ep-a", Provider: "alpha", BaseURL: "http://alpha.local"},
			{ID: "ep-b", Provider: "beta", BaseURL: "http://beta.local"},
		},
		testBreakerSettings(),
	)

	assert.Equal(t, string(StateOpen), r.Stats()["ep-a"].State, "reload must not reset breaker state")

	var calls []string
	outcome, _, err := r.Route(context.Background(), "fast-chat", invokeScript(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, "ep-b", outcome.EndpointID)
	assert.Equal(t, []string{"ep-b"}, calls)
}

func TestRouter_UnknownEndpointInChainSkipped(t *testing.T) {
	routes := []domain.ModelRoute{{LogicalModel: "m", Chain: []string{"ghost", "ep-a"}}}
	endpoints := []domain.EndpointConfig{{ID: "ep-a", Provider: "alpha", BaseURL: "http://alpha.local"}}
	r := NewRouter(routes, endpoints, testBreakerSettings(), slog.New(slog.DiscardHandler))

	var calls []string
	outcome, _, err := r.Route(context.Background(), "m", invokeScript(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, "ep-a", outcome.EndpointID)
	assert.Equal(t, []string{"ep-a"}, calls)
}
