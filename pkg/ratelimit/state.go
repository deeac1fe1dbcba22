// Package ratelimit implements Pipedrive rate limit tracking and request gating.
// It reads the X-RateLimit-Remaining and X-RateLimit-Reset headers of every
// response and blocks the caller until the window resets once the remaining
// budget is exhausted, so the next request does not trip a 429.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers consumed by the tracker.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// MinRemaining is the lowest remaining budget that does not trigger a wait.
const MinRemaining = 1

// State is the rate limit window reported by the last response.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAfter is how long until the window resets, taken from
	// X-RateLimit-Reset (seconds).
	ResetAfter time.Duration

	// UpdatedAt is when the headers were observed.
	UpdatedAt time.Time

	// Known is false until a response carried both headers.
	Known bool
}

// NeedsWait reports whether the budget is exhausted.
func (s State) NeedsWait() bool {
	return s.Known && s.Remaining < MinRemaining
}

// WaitDuration returns how long the caller must block before the next request.
// Returns 0 when no wait is needed.
func (s State) WaitDuration() time.Duration {
	if !s.NeedsWait() || s.ResetAfter < 0 {
		return 0
	}
	return s.ResetAfter
}

// ParseHeaders extracts the rate limit window from response headers.
// A response without both headers yields a zero State with Known=false.
func ParseHeaders(headers http.Header) (State, error) {
	remainStr := strings.TrimSpace(headers.Get(HeaderRemaining))
	resetStr := strings.TrimSpace(headers.Get(HeaderReset))
	if remainStr == "" || resetStr == "" {
		return State{}, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return State{}, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return State{}, fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	return State{
		Remaining:  remain,
		ResetAfter: time.Duration(resetSeconds) * time.Second,
		UpdatedAt:  time.Now(),
		Known:      true,
	}, nil
}

// ParseRetryAfter returns the Retry-After delay in seconds form, or 0 when the
// header is absent or not a non-negative integer.
func ParseRetryAfter(headers http.Header) time.Duration {
	value := strings.TrimSpace(headers.Get(HeaderRetryAfter))
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
