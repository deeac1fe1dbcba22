package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipedrive_rate_limit_remaining",
		Help: "Requests remaining in the current Pipedrive rate limit window",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipedrive_rate_limit_waits_total",
		Help: "Total number of proactive waits for a rate limit window reset",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipedrive_rate_limit_wait_seconds",
		Help:    "Duration of proactive rate limit waits",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config holds tracker configuration.
type Config struct {
	// RequestsPerSecond caps the steady request rate. Zero disables the cap
	// and leaves pacing entirely to the server-reported window.
	RequestsPerSecond float64

	// Burst is the token bucket size used with RequestsPerSecond (default 1).
	Burst int

	// Sleep overrides the blocking primitive (for tests).
	Sleep SleepFunc
}

// Tracker follows the server-reported rate limit window and paces requests.
// It is used from a single goroutine.
type Tracker struct {
	state  State
	bucket *rate.Limiter
	sleep  SleepFunc
	logger zerolog.Logger
}

// NewTracker creates a new rate limit tracker.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		sleep:  cfg.Sleep,
		logger: logger,
	}
	if t.sleep == nil {
		t.sleep = Sleep
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.bucket = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return t
}

// State returns the last observed window.
func (t *Tracker) State() State {
	return t.state
}

// Wait blocks until the steady-rate bucket admits another request.
// It is a no-op when no RequestsPerSecond cap is configured.
func (t *Tracker) Wait(ctx context.Context) error {
	if t.bucket == nil {
		return nil
	}
	return t.bucket.Wait(ctx)
}

// UpdateFromHeaders records the window reported by a response.
// Responses without rate limit headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(headers http.Header) error {
	state, err := ParseHeaders(headers)
	if err != nil {
		return err
	}
	if !state.Known {
		return nil
	}

	t.state = state
	rateLimitRemaining.Set(float64(state.Remaining))

	t.logger.Debug().
		Int("remaining", state.Remaining).
		Dur("reset_after", state.ResetAfter).
		Msg("Rate limit state updated")

	return nil
}

// TakeWait returns the wait the last reported window demands and consumes the
// window, for callers that fold it into their own delay.
func (t *Tracker) TakeWait() time.Duration {
	wait := t.state.WaitDuration()
	t.state.Known = false
	return wait
}

// Throttle blocks for the reset period when the last response exhausted the
// budget. The state is consumed by a successful wait so the same window is not
// slept twice.
func (t *Tracker) Throttle(ctx context.Context) error {
	wait := t.state.WaitDuration()
	if wait <= 0 {
		return nil
	}

	t.logger.Warn().
		Int("remaining", t.state.Remaining).
		Dur("wait_duration", wait).
		Msg("Rate limit exhausted, waiting for window reset")

	rateLimitWaitsTotal.Inc()
	rateLimitWaitSeconds.Observe(wait.Seconds())

	if err := t.sleep(ctx, wait); err != nil {
		return err
	}

	t.state.Known = false
	return nil
}
