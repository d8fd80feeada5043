// Package remote delivers draft snapshots to the configured HTTP endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/formiclabs/formic/config"
)

// Client posts value snapshots as JSON. Transient failures are retried with
// exponential backoff; every snapshot carries an idempotency key so the
// endpoint can deduplicate retried deliveries.
type Client struct {
	url     string
	headers map[string]string
	http    *retryablehttp.Client
	logger  zerolog.Logger
}

// NewClient validates the endpoint configuration and builds the retrying
// HTTP client around it.
func NewClient(cfg config.RemoteConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote url must be http or https")
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin.Duration > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin.Duration
	}
	if cfg.RetryWaitMax.Duration > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax.Duration
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc.HTTPClient.Timeout = timeout

	return &Client{
		url:     cfg.URL,
		headers: cfg.Headers,
		http:    rc,
		logger:  logger,
	}, nil
}

// Submit posts the snapshot. The idempotency key is generated once per call,
// so retries of the same snapshot reuse it while a later snapshot gets a
// fresh one.
func (c *Client) Submit(ctx context.Context, values map[string]interface{}) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build draft request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit draft: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("submit endpoint returned status %d", resp.StatusCode)
	}
	c.logger.Debug().Int("fields", len(values)).Int("status", resp.StatusCode).Msg("draft submitted")
	return nil
}
