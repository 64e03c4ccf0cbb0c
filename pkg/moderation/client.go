// Package moderation provides a thin client for the external content
// classification collaborator.
//
// The classifier is called over the network with a fixed per-call timeout.
// Transient failures are retried exactly once with backoff; if the retry
// also fails the client resolves per configuration to fail-open (the request
// proceeds, with the degradation recorded) or fail-closed (the request is
// denied). Failing silently in either direction is not acceptable, so the
// verdict always carries its source.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/veilgate/veilgate/pkg/domain"
)

// retryBackoff is the pause before the single retry attempt.
const retryBackoff = 250 * time.Millisecond

// maxResponseBytes bounds how much of the classifier response is read.
const maxResponseBytes = 1 << 20

// Client calls the external content classifier.
type Client struct {
	mu       sync.RWMutex
	settings domain.ModerationSettings

	httpClient *http.Client
	logger     *slog.Logger
}

// request is the wire request sent to the classifier.
type request struct {
	Input string `json:"input"`
}

// response is the classifier's wire response.
type response struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories"`
}

// NewClient creates a moderation client. The http.Client carries no global
// timeout; each call is bounded by the configured per-call budget.
func NewClient(settings domain.ModerationSettings, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		settings:   settings,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Configure replaces the client settings on config reload.
func (c *Client) Configure(settings domain.ModerationSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
}

// Enabled reports whether a classifier endpoint is configured.
func (c *Client) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Endpoint != ""
}

// Moderate classifies the text. On success the verdict source is
// "moderator". After a failed call and one failed retry, fail-open returns
// an unflagged verdict with source "fail-open" and a nil error; fail-closed
// returns ErrModerationUnavailable.
func (c *Client) Moderate(ctx context.Context, text string) (domain.ModerationVerdict, error) {
	c.mu.RLock()
	settings := c.settings
	c.mu.RUnlock()

	verdict, err := c.call(ctx, settings, text)
	if err == nil {
		return verdict, nil
	}

	// Exactly one retry with backoff, unless the caller is already gone.
	select {
	case <-ctx.Done():
		return c.resolveFailure(settings, ctx.Err())
	case <-time.After(retryBackoff):
	}

	verdict, retryErr := c.call(ctx, settings, text)
	if retryErr == nil {
		return verdict, nil
	}

	c.logger.Warn("moderation call failed after retry",
		"endpoint", settings.Endpoint,
		"first_error", err,
		"retry_error", retryErr,
	)
	return c.resolveFailure(settings, retryErr)
}

func (c *Client) resolveFailure(settings domain.ModerationSettings, cause error) (domain.ModerationVerdict, error) {
	if settings.FailMode == domain.FailOpen {
		return domain.ModerationVerdict{Source: domain.SourceFailOpen}, nil
	}
	return domain.ModerationVerdict{Source: domain.SourceFailClosed},
		fmt.Errorf("%w: %v", domain.ErrModerationUnavailable, cause)
}

func (c *Client) call(ctx context.Context, settings domain.ModerationSettings, text string) (domain.ModerationVerdict, error) {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(request{Input: text})
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("marshal moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, settings.Endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("build moderation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("moderation call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domain.ModerationVerdict{}, fmt.Errorf("moderation call: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("read moderation response: %w", err)
	}

	var parsed response
	if err := json.Unmarshal(data, &parsed); err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("parse moderation response: %w", err)
	}

	return domain.ModerationVerdict{
		Flagged:    parsed.Flagged,
		Categories: parsed.Categories,
		Source:     domain.SourceModerator,
	}, nil
}
