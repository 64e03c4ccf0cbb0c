package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veilgate/veilgate/pkg/domain"
)

// maxInvokeResponseBytes bounds how much of an endpoint response is read.
const maxInvokeResponseBytes = 4 << 20

// HTTPInvoker invokes model endpoints over HTTP. One invoker serves all
// endpoints; the target comes from the endpoint configuration.
type HTTPInvoker struct {
	httpClient *http.Client
}

// NewHTTPInvoker creates an invoker. The per-request deadline comes from the
// context; the client timeout is only a safety net for requests without one.
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// invokeRequest is the wire request sent to a model endpoint.
type invokeRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
}

// invokeResponse is the subset of the endpoint response the gateway needs.
type invokeResponse struct {
	Usage domain.Usage `json:"usage"`
}

// Invoke sends the request to the endpoint's completion route and returns
// the reported token usage. Any transport error or non-2xx status is a
// failure that counts against the endpoint's circuit breaker.
func (i *HTTPInvoker) Invoke(ctx context.Context, endpoint domain.EndpointConfig, env domain.RequestEnvelope) (domain.Usage, error) {
	body, err := json.Marshal(invokeRequest{
		Model:    env.RequestedModel,
		Messages: env.Messages,
	})
	if err != nil {
		return domain.Usage{}, fmt.Errorf("marshal request for %s: %w", endpoint.ID, err)
	}

	url := endpoint.BaseURL + "/v1/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.Usage{}, fmt.Errorf("build request for %s: %w", endpoint.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.TraceID != "" {
		req.Header.Set("X-Trace-Id", env.TraceID)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return domain.Usage{}, fmt.Errorf("invoke %s: %w", endpoint.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Usage{}, fmt.Errorf("invoke %s: unexpected status %d", endpoint.ID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInvokeResponseBytes))
	if err != nil {
		return domain.Usage{}, fmt.Errorf("read response from %s: %w", endpoint.ID, err)
	}

	var parsed invokeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return domain.Usage{}, fmt.Errorf("parse response from %s: %w", endpoint.ID, err)
	}

	return parsed.Usage, nil
}
