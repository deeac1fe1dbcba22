// Package client provides the resilient Pipedrive request executor: bearer
// authentication, response classification, credential refresh, proactive
// rate limiting and retry with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/tap-pipedrive/pkg/auth"
	"github.com/Sternrassler/tap-pipedrive/pkg/ratelimit"
)

// DefaultBaseURL is the Pipedrive v1 API root.
const DefaultBaseURL = "https://api.pipedrive.com/v1"

// Prometheus metrics for API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipedrive_requests_total",
		Help: "Total Pipedrive requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipedrive_request_duration_seconds",
		Help:    "Pipedrive request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipedrive_errors_total",
		Help: "Total Pipedrive request errors by class",
	}, []string{"class"})
)

// TokenSource supplies the bearer token and refreshes it after an auth failure.
// *auth.Manager implements it.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root (default DefaultBaseURL).
	BaseURL string

	// UserAgent identifies the integration to Pipedrive (required).
	UserAgent string

	// HTTPClient performs the requests (default: 30s timeout client).
	HTTPClient *http.Client

	// Retry controls the attempt budget and backoff.
	Retry RetryConfig

	// MaxAuthRefreshes caps credential refreshes within one logical request.
	// A 400/401/403 after the cap is reached is fatal.
	MaxAuthRefreshes int

	// RateLimit configures proactive pacing.
	RateLimit ratelimit.Config

	// Sleep overrides the blocking primitive used for backoff and
	// rate limit waits (for tests).
	Sleep ratelimit.SleepFunc
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		UserAgent:        userAgent,
		Retry:            DefaultRetryConfig(),
		MaxAuthRefreshes: 1,
	}
}

// Client is the Pipedrive request executor. It is not safe for concurrent use;
// extraction runs on a single goroutine.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	limiter    *ratelimit.Tracker
	config     Config
	sleep      ratelimit.SleepFunc
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.MaxAuthRefreshes <= 0 {
		cfg.MaxAuthRefreshes = 1
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = ratelimit.Sleep
	}
	rlCfg := cfg.RateLimit
	if rlCfg.Sleep == nil {
		rlCfg.Sleep = sleep
	}

	logger := log.With().Str("component", "client").Logger()

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		tokens:     tokens,
		limiter:    ratelimit.NewTracker(rlCfg, logger),
		config:     cfg,
		sleep:      sleep,
		logger:     logger,
	}, nil
}

// RateLimiter returns the rate limit tracker.
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.limiter
}

// Execute issues a GET to endpoint (relative to the base URL) and returns the
// raw JSON body. Transient failures are retried; the error returned after the
// budget is spent wraps both ErrRetryExhausted and the last cause.
func (c *Client) Execute(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	reqURL := c.buildURL(endpoint, params)
	label := endpointLabel(endpoint)
	refreshes := 0

	return retryWithBackoff(ctx, c.config.Retry, c.sleep, c.logger, func(n int) Outcome {
		return c.attempt(ctx, reqURL, label, n, &refreshes)
	})
}

// attempt performs one request and applies the local recovery the decision
// calls for: credential refresh on auth failures, a rate limit wait on success.
func (c *Client) attempt(ctx context.Context, reqURL, label string, n int, refreshes *int) Outcome {
	if err := c.limiter.Wait(ctx); err != nil {
		return Fatal(ErrorClassNetwork, fmt.Errorf("%w: %v", ErrContextCancelled, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Fatal(ErrorClassHTTP, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.AccessToken())
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("endpoint", label).Int("attempt", n).Msg("Executing Pipedrive request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err == nil {
		var body []byte
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil {
			requestDuration.WithLabelValues(label).Observe(time.Since(startTime).Seconds())
			requestsTotal.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
			return c.handleResponse(ctx, resp, body, reqURL, label, n, refreshes)
		}
	}

	if ctx.Err() != nil {
		return Fatal(ErrorClassNetwork, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err()))
	}
	requestsTotal.WithLabelValues(label, "network_error").Inc()
	errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
	c.logger.Warn().Err(err).Str("endpoint", label).Int("attempt", n).Msg("HTTP request failed")
	return RetryAfter(ErrorClassNetwork, 0, fmt.Errorf("GET %s: %w", label, err))
}

func (c *Client) handleResponse(
	ctx context.Context,
	resp *http.Response,
	body []byte,
	reqURL, label string,
	n int,
	refreshes *int,
) Outcome {
	if err := c.limiter.UpdateFromHeaders(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	out := decide(resp.StatusCode, resp.Header, body, reqURL)
	if out.Kind == OutcomeSuccess {
		if err := c.limiter.Throttle(ctx); err != nil {
			return Fatal(ErrorClassNetwork, fmt.Errorf("%w: %v", ErrContextCancelled, err))
		}
		return out
	}

	// A retry must not go out before an exhausted window resets; the window
	// is consumed here so the successful retry does not wait for it again.
	if out.Kind == OutcomeRetry {
		if wait := c.limiter.TakeWait(); wait > out.Delay {
			out.Delay = wait
		}
	}

	errorsTotal.WithLabelValues(string(out.Class)).Inc()
	c.logger.Warn().
		Str("endpoint", label).
		Int("status", resp.StatusCode).
		Str("error_class", string(out.Class)).
		Int("attempt", n).
		Msg("Pipedrive request error")

	if out.Class != ErrorClassAuth {
		return out
	}

	if *refreshes >= c.config.MaxAuthRefreshes {
		return Fatal(ErrorClassAuth, &auth.AuthError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("still rejected after %d credential refresh(es)", *refreshes),
			Err:        out.Err,
		})
	}
	*refreshes++

	c.logger.Warn().Str("endpoint", label).Int("status", resp.StatusCode).
		Msg("Possible bad auth, refreshing tokens and trying again")
	if err := c.tokens.Refresh(ctx); err != nil {
		return Fatal(ErrorClassAuth, err)
	}
	return out
}

// decide classifies a completed response. Precedence: 429, 500, 400/401/403,
// other non-2xx, unparseable 2xx body, success.
func decide(status int, header http.Header, body []byte, reqURL string) Outcome {
	httpErr := func(class ErrorClass) *HTTPError {
		return &HTTPError{StatusCode: status, ErrorClass: class, URL: reqURL, Body: string(body)}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return RetryAfter(ErrorClassThrottled, ratelimit.ParseRetryAfter(header), httpErr(ErrorClassThrottled))
	case status == http.StatusInternalServerError:
		return RetryAfter(ErrorClassServer, 0, httpErr(ErrorClassServer))
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return RetryAfter(ErrorClassAuth, 0, httpErr(ErrorClassAuth))
	case status < 200 || status > 299:
		return RetryAfter(ErrorClassHTTP, 0, httpErr(ErrorClassHTTP))
	}

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return RetryAfter(ErrorClassBadResponse, 0, &BadResponseError{StatusCode: status, Body: string(body), Err: err})
	}
	return Success(raw)
}

func (c *Client) buildURL(endpoint string, params url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// endpointLabel collapses numeric path segments so per-record sub-resources
// share one metric series (deals/42/flow -> deals/:id/flow).
func endpointLabel(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// FetchStatic retrieves a non-paginated collection (activityTypes, stages,
// currencies) and returns the items of its data array. A null data field
// yields an empty slice.
func (c *Client) FetchStatic(ctx context.Context, endpoint string) ([]json.RawMessage, error) {
	body, err := c.Execute(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &BadResponseError{StatusCode: http.StatusOK, Body: string(body), Err: err}
	}
	return envelope.Data, nil
}
