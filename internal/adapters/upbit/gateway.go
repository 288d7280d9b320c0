// Package upbit implements the exchange client: a rate-limited, retrying
// gateway, the typed REST client and the ticker stream.
package upbit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"upbitScalper/internal/ports"
	"upbitScalper/internal/ratelimit"

	"github.com/jpillora/backoff"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://api.upbit.com/v1"

	defaultMaxAttempts = 3
	maxResponseBytes   = 4 << 20
)

// Request describes one gateway call.
type Request struct {
	Method  string
	Path    string
	Params  map[string]string
	Private bool            // Requires a signed bearer credential
	Group   ratelimit.Group // Empty means quotation for public calls and exchange for private ones
	// NoRetry returns 5xx and transport failures after the first attempt.
	// Set it on calls that must not reach the exchange twice; 429 is still
	// retried since a throttled request was never processed.
	NoRetry bool
}

// GatewayConfig holds configuration for the gateway.
type GatewayConfig struct {
	BaseURL     string
	Signer      *Signer
	HTTPClient  *http.Client
	Limiter     *ratelimit.Limiter
	Logger      ports.Logger
	Metrics     ports.Metrics
	MaxAttempts int // Attempts per call for 429, 5xx and transport failures

	// RateLimitBackoff schedules waits after 429 without Retry-After.
	RateLimitBackoff *backoff.Backoff
	// ServerBackoff schedules waits after 5xx and transport failures.
	ServerBackoff *backoff.Backoff
	// MaxJitter is added to 429 waits, drawn from [0, MaxJitter).
	MaxJitter time.Duration

	// Sleep and Jitter are injectable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(max time.Duration) time.Duration
}

// Gateway wraps every exchange call with bucket admission, signing and retry.
type Gateway struct {
	baseURL     string
	signer      *Signer
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	logger      ports.Logger
	metrics     ports.Metrics
	maxAttempts int

	rateLimitBackoff *backoff.Backoff
	serverBackoff    *backoff.Backoff
	maxJitter        time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewGateway creates a new gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for upbit gateway")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required for upbit gateway")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RateLimitBackoff == nil {
		cfg.RateLimitBackoff = &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	}
	if cfg.ServerBackoff == nil {
		cfg.ServerBackoff = &backoff.Backoff{Min: time.Second, Max: 5 * time.Second, Factor: 1.5}
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = 250 * time.Millisecond
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Jitter == nil {
		cfg.Jitter = func(max time.Duration) time.Duration { return rand.N(max) }
	}
	if cfg.Signer == nil {
		cfg.Logger.Warn(context.Background(), "Upbit keys are empty. Gateway will only work for public endpoints.")
	}

	return &Gateway{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		signer:           cfg.Signer,
		httpClient:       cfg.HTTPClient,
		limiter:          cfg.Limiter,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		maxAttempts:      cfg.MaxAttempts,
		rateLimitBackoff: cfg.RateLimitBackoff,
		serverBackoff:    cfg.ServerBackoff,
		maxJitter:        cfg.MaxJitter,
		sleep:            cfg.Sleep,
		jitter:           cfg.Jitter,
	}, nil
}

// RateLimitWait returns the wait after the attempt-th consecutive 429 (0-based):
// min(Max, Min*Factor^attempt + jitter). Waits are non-decreasing as long as
// the schedule step is at least MaxJitter.
func (g *Gateway) RateLimitWait(attempt int) time.Duration {
	wait := g.rateLimitBackoff.ForAttempt(float64(attempt)) + g.jitter(g.maxJitter)
	if wait > g.rateLimitBackoff.Max {
		wait = g.rateLimitBackoff.Max
	}
	return wait
}

// ServerErrorWait returns the wait after the attempt-th 5xx or transport failure.
func (g *Gateway) ServerErrorWait(attempt int) time.Duration {
	return g.serverBackoff.ForAttempt(float64(attempt))
}

// Perform executes req and returns the response body of a 2xx reply.
// Errors wrap ErrRateLimitExceeded, ErrOperationFailed or ErrNonRetryable.
// Failures to build or sign the request are never retried.
func (g *Gateway) Perform(ctx context.Context, req Request) ([]byte, error) {
	op := req.Method + " " + req.Path
	group := req.Group
	if group == "" {
		group = ratelimit.GroupQuotation
		if req.Private {
			group = ratelimit.GroupExchange
		}
	}
	bucket := g.limiter.Bucket(group)

	for attempt := 0; ; attempt++ {
		if err := bucket.Take(ctx); err != nil {
			return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
		}

		status, header, body, err := g.do(ctx, req)
		last := attempt+1 >= g.maxAttempts
		// The outcome of a non-retryable call is unknown after a 5xx or
		// transport failure; the caller decides how to resolve it.
		final := last || req.NoRetry

		if err != nil {
			if errors.Is(err, ports.ErrNonRetryable) {
				g.metrics.ObserveRequest(string(group), "rejected")
				return nil, fmt.Errorf("%s failed: %w", op, err)
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
			}
			g.metrics.ObserveRequest(string(group), "transport_error")
			if final {
				g.logger.Error(ctx, err, op+": transport failure, giving up", map[string]interface{}{"attempts": attempt + 1})
				return nil, fmt.Errorf("%s failed: %w: %w: %w", op, ports.ErrOperationFailed, ports.ErrConnectionFailed, err)
			}
			wait := g.ServerErrorWait(attempt)
			g.logger.Warn(ctx, op+": transport failure, retrying", map[string]interface{}{"attempt": attempt + 1, "wait": wait.String(), "error": err.Error()})
			if err := g.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
			}
			continue
		}

		if rem, ok := ratelimit.ParseRemaining(header.Get("Remaining-Req")); ok {
			bucket.Observe(rem)
		}

		switch {
		case status >= 200 && status < 300:
			g.metrics.ObserveRequest(string(group), "ok")
			return body, nil

		case status == http.StatusTooManyRequests:
			bucket.Report429()
			g.metrics.Observe429(string(group))
			g.metrics.ObserveRequest(string(group), "rate_limited")
			if last {
				g.logger.Warn(ctx, op+": rate limited, giving up", map[string]interface{}{"attempts": attempt + 1})
				return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrRateLimitExceeded, parseAPIError(status, body))
			}
			wait, ok := retryAfter(header.Get("Retry-After"))
			if !ok {
				wait = g.RateLimitWait(attempt)
			}
			g.logger.Warn(ctx, op+": rate limited (429), backing off", map[string]interface{}{"attempt": attempt + 1, "wait": wait.String()})
			if err := g.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
			}

		case status >= 500:
			apiErr := parseAPIError(status, body)
			g.metrics.ObserveRequest(string(group), "server_error")
			if final {
				g.logger.Error(ctx, apiErr, op+": server error, giving up", map[string]interface{}{"attempts": attempt + 1})
				return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrOperationFailed, apiErr)
			}
			wait := g.ServerErrorWait(attempt)
			g.logger.Warn(ctx, op+": server error, retrying", map[string]interface{}{"attempt": attempt + 1, "status": status, "wait": wait.String()})
			if err := g.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
			}

		default:
			apiErr := parseAPIError(status, body)
			g.metrics.ObserveRequest(string(group), "rejected")
			g.logger.Debug(ctx, op+": request rejected", map[string]interface{}{"status": status, "name": apiErr.Name, "message": apiErr.Message})
			return nil, fmt.Errorf("%s failed: %w: %w: %w", op, ports.ErrNonRetryable, mapAPIError(apiErr), apiErr)
		}
	}
}

// do issues a single HTTP round trip.
func (g *Gateway) do(ctx context.Context, req Request) (int, http.Header, []byte, error) {
	query := CanonicalQuery(req.Params)
	target := g.baseURL + req.Path

	var body io.Reader
	if req.Method == http.MethodPost {
		payload := make(map[string]string, len(req.Params))
		for k, v := range req.Params {
			if v != "" {
				payload[k] = v
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("%w: %w: encode body: %w", ports.ErrNonRetryable, ports.ErrInvalidRequest, err)
		}
		body = bytes.NewReader(raw)
	} else if query != "" {
		target += "?" + query
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %w: build request: %w", ports.ErrNonRetryable, ports.ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if req.Private {
		if g.signer == nil {
			return 0, nil, nil, fmt.Errorf("%w: %w: private endpoint called without credentials", ports.ErrNonRetryable, ports.ErrAuthenticationFailed)
		}
		auth, err := g.signer.AuthorizationHeader(query)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("%w: %w: sign request: %w", ports.ErrNonRetryable, ports.ErrAuthenticationFailed, err)
		}
		httpReq.Header.Set("Authorization", auth)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
