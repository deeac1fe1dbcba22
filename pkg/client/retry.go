package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tap-pipedrive/pkg/ratelimit"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipedrive_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipedrive_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipedrive_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// OutcomeKind tags the result of a single attempt.
type OutcomeKind int

const (
	// OutcomeSuccess carries the parsed body.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeRetry asks the driver to try again after a wait.
	OutcomeRetry

	// OutcomeFatal stops the driver immediately.
	OutcomeFatal
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the decision taken for one attempt:
// Success(body), RetryAfter(delay) or Fatal(error).
type Outcome struct {
	Kind OutcomeKind
	Body json.RawMessage

	// Delay is the minimum wait before the next attempt. The driver waits
	// for the larger of Delay and its own backoff.
	Delay time.Duration

	Class ErrorClass
	Err   error
}

// Success builds a successful outcome.
func Success(body json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Body: body}
}

// RetryAfter builds a retryable outcome.
func RetryAfter(class ErrorClass, delay time.Duration, err error) Outcome {
	return Outcome{Kind: OutcomeRetry, Class: class, Delay: delay, Err: err}
}

// Fatal builds an outcome that ends the call.
func Fatal(class ErrorClass, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Class: class, Err: err}
}

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the relative randomness applied to each wait (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration:
// 4 attempts, backoff 2s, 4s, 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// retryWithBackoff runs attempt until it succeeds, fails fatally or the
// attempt budget is spent. It respects context cancellation while waiting.
func retryWithBackoff(
	ctx context.Context,
	cfg RetryConfig,
	sleep ratelimit.SleepFunc,
	logger zerolog.Logger,
	attempt func(n int) Outcome,
) (json.RawMessage, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := cfg.InitialBackoff
	var last Outcome

	for n := 1; n <= maxAttempts; n++ {
		out := attempt(n)
		switch out.Kind {
		case OutcomeSuccess:
			if n > 1 {
				logger.Info().Int("attempt", n).Msg("Request succeeded after retry")
			}
			return out.Body, nil
		case OutcomeFatal:
			return nil, out.Err
		}

		last = out
		if n >= maxAttempts {
			break
		}

		wait := applyJitter(backoff, cfg.Jitter)
		if out.Delay > wait {
			wait = out.Delay
		}

		retriesTotal.WithLabelValues(string(out.Class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(out.Class)).Observe(wait.Seconds())

		logger.Debug().
			Err(out.Err).
			Str("error_class", string(out.Class)).
			Int("attempt", n).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, wait); err != nil {
			logger.Warn().
				Str("error_class", string(out.Class)).
				Int("attempt", n).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	retryExhaustedTotal.WithLabelValues(string(last.Class)).Inc()
	logger.Error().
		Err(last.Err).
		Str("error_class", string(last.Class)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, last.Err)
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - jitter + rand.Float64()*2*jitter))
}
