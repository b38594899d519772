// Package upstream relays requests to the AI provider, injecting a credential
// from the key pool and rotating to alternative keys when a call fails.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vynthen/chatgate/internal/config"
	"github.com/vynthen/chatgate/internal/keypool"
	"github.com/vynthen/chatgate/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("chatgate.upstream")

// ErrUpstreamRateLimited means the provider returned 429 on every attempted
// key. Surfaced to clients distinctly from local admission rejections.
var ErrUpstreamRateLimited = errors.New("upstream provider rate limited")

// ErrUpstreamRequestFailed means the provider call failed for a non-429
// reason (network error or non-2xx status). Surfaced as bad gateway; the
// provider's error body is never relayed to clients.
var ErrUpstreamRequestFailed = errors.New("upstream request failed")

// ErrStreamInterrupted marks a failure after response streaming to the
// client began. The response is unsalvageable at that point, so callers must
// not write an error body on top of it.
var ErrStreamInterrupted = errors.New("stream interrupted")

// defaultMaxAttempts bounds the per-request rotation retry loop.
const defaultMaxAttempts = 5

// relayBufSize is the chunk size for streaming provider responses.
const relayBufSize = 32 * 1024

// Client relays requests to the configured AI provider.
type Client struct {
	baseURL     string
	keyHeader   string
	maxAttempts int
	pool        *keypool.Pool
	httpClient  *http.Client
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewClient builds the provider client from configuration.
func NewClient(cfg config.UpstreamConfig, pool *keypool.Pool, metrics *observability.Metrics, logger *slog.Logger) *Client {
	keyHeader := cfg.KeyHeader
	if keyHeader == "" {
		keyHeader = "x-api-key"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	timeout := config.MustParseDuration(cfg.Timeout, 60*time.Second)

	return &Client{
		baseURL:     cfg.BaseURL,
		keyHeader:   keyHeader,
		maxAttempts: maxAttempts,
		pool:        pool,
		httpClient:  &http.Client{Timeout: timeout},
		metrics:     metrics,
		logger:      logger,
	}
}

// Relay POSTs body to the provider at path and streams the response to w.
// The first attempt uses the pool's current key; each subsequent attempt
// rotates to an alternative. Returns keypool.ErrNoCredentials when the pool
// is empty, ErrUpstreamRateLimited when every attempt got a 429, and
// ErrUpstreamRequestFailed otherwise.
func (c *Client) Relay(ctx context.Context, w http.ResponseWriter, path string, body []byte, contentType string) error {
	sel, err := c.pool.Current()
	if err != nil {
		return err
	}
	key := sel.Key

	ctx, span := tracer.Start(ctx, "chatgate.upstream.relay")
	span.SetAttributes(attribute.String("upstream.path", path))
	defer span.End()

	sawRateLimit := false
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.metrics.IncUpstreamAttempts()

		status, err := c.attempt(ctx, w, path, body, contentType, key)
		if err == nil {
			span.SetAttributes(attribute.Int("upstream.attempts", attempt))
			return nil
		}
		lastErr = err

		if status == http.StatusTooManyRequests {
			sawRateLimit = true
			c.metrics.IncUpstreamRateLimited()
		}

		// Streaming already began when the failure happened; the response
		// is unsalvageable, do not retry into a half-written body.
		if errors.Is(err, ErrStreamInterrupted) {
			break
		}

		if ctx.Err() != nil {
			break
		}

		if attempt < c.maxAttempts {
			rotated, rotErr := c.pool.RotateOnFailure()
			if rotErr != nil {
				lastErr = rotErr
				break
			}
			key = rotated
			c.metrics.IncKeyRotations()
			c.logger.Warn("upstream attempt failed, rotating key",
				"path", path,
				"attempt", attempt,
				"status", status,
				"error", err)
		}
	}

	c.metrics.IncUpstreamFailures()
	span.SetAttributes(attribute.Bool("upstream.rate_limited", sawRateLimit))

	if sawRateLimit {
		return fmt.Errorf("%w: %w", ErrUpstreamRateLimited, lastErr)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamRequestFailed, lastErr)
}

// attempt performs one provider call. On success the response is streamed to
// w chunk by chunk with a flush per chunk so token-by-token provider output
// reaches the client promptly. Returns the provider status code (0 for
// transport errors) and an error when the attempt failed.
func (c *Client) attempt(ctx context.Context, w http.ResponseWriter, path string, body []byte, contentType, key string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(c.keyHeader, key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused; the provider's error body
		// stays internal.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return resp.StatusCode, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return resp.StatusCode, fmt.Errorf("%w: %w", ErrStreamInterrupted, writeErr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return resp.StatusCode, nil
		}
		if readErr != nil {
			return resp.StatusCode, fmt.Errorf("%w: %w", ErrStreamInterrupted, readErr)
		}
	}
}
