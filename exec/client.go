package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/web3guy0/pumpbot/metrics"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RATE-LIMITED CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every external call (quote, swap build, RPC submit/confirm, stats, discovery)
// goes through a Client:
//   token bucket → concurrency slot → per-attempt timeout → classify → backoff
//
// 429 / 5xx / network / timeout  → retried, then ErrTransientUnavailable
// other 4xx                       → ErrRequestRejected, never retried
//
// ═══════════════════════════════════════════════════════════════════════════════

const maxResponseBody = 4 << 20

// RetryPolicy bounds the retry loop of a Client.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Backoff:     DefaultBackoff(),
	}
}

// Config describes one provider's limits.
type Config struct {
	Name              string
	RequestsPerMinute int // 0 = unlimited
	Burst             int
	MaxConcurrent     int // 0 = unlimited
	Timeout           time.Duration
	Retry             RetryPolicy
	HTTPClient        *http.Client
}

// Client wraps calls to one provider.
type Client struct {
	name       string
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	timeout    time.Duration
	policy     RetryPolicy
	httpClient *http.Client

	rndMu sync.Mutex
	rnd   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a rate-limited client for a provider
func NewClient(cfg Config) *Client {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	var sem *semaphore.Weighted
	if cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}

	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		name:       cfg.Name,
		limiter:    rate.NewLimiter(limit, burst),
		sem:        sem,
		timeout:    timeout,
		policy:     policy,
		httpClient: httpClient,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepContext,
	}
}

// Name returns the provider name used in logs and metrics.
func (c *Client) Name() string {
	return c.name
}

// HTTPClient exposes the underlying transport for adapters that dial their own
// protocol clients (JSON-RPC) but still route calls through Call.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Call runs fn under the provider's rate limit and retry policy.
func (c *Client) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}

		// Caller gave up; nothing to retry.
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", c.name, op, ctx.Err())
		}

		var throttled *ThrottledError
		if errors.As(err, &throttled) {
			metrics.ClientFailures.WithLabelValues(c.name, "throttled").Inc()
			log.Warn().Err(err).Str("provider", c.name).Str("op", op).Msg("Rate limit outlasts deadline")
			return fmt.Errorf("%s %s: %w: %w", c.name, op, types.ErrTransientUnavailable, err)
		}

		switch Classify(err) {
		case KindRejected:
			metrics.ClientFailures.WithLabelValues(c.name, "rejected").Inc()
			log.Warn().Err(err).Str("provider", c.name).Str("op", op).Msg("Request rejected")
			return fmt.Errorf("%s %s: %w: %w", c.name, op, types.ErrRequestRejected, err)
		case KindFatal:
			return fmt.Errorf("%s %s: %w", c.name, op, err)
		}

		if attempt+1 >= c.policy.MaxAttempts {
			metrics.ClientFailures.WithLabelValues(c.name, "exhausted").Inc()
			log.Error().
				Err(err).
				Str("provider", c.name).
				Str("op", op).
				Int("attempts", attempt+1).
				Msg("❌ Retries exhausted")
			return fmt.Errorf("%s %s: %w after %d attempts: %w", c.name, op, types.ErrTransientUnavailable, attempt+1, err)
		}

		delay := c.delay(attempt)
		metrics.ClientRetries.WithLabelValues(c.name).Inc()
		log.Debug().
			Err(err).
			Str("provider", c.name).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Transient failure, backing off")

		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s %s: %w", c.name, op, err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// The next slot falls after ctx's deadline.
			return &ThrottledError{Err: err}
		}
		return err
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &TimeoutError{After: c.timeout, Err: err}
	}
	return err
}

func (c *Client) delay(attempt int) time.Duration {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.policy.Backoff.Delay(attempt, c.rnd)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// GetJSON issues a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, op, url string, header http.Header, out any) error {
	return c.Call(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		addHeaders(req, header)
		return c.doRequest(req, out)
	})
}

// PostJSON marshals body, POSTs it and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, op, url string, header http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s %s: encode request: %w", c.name, op, err)
	}
	return c.Call(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		addHeaders(req, header)
		return c.doRequest(req, out)
	})
}

func addHeaders(req *http.Request, header http.Header) {
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func (c *Client) doRequest(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(body, 512)}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
