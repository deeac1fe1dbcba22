package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents timeouts, resets and DNS failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassThrottled represents 429 responses.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassServer represents 500 responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassAuth represents 400/401/403 responses, treated as an expired token.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassHTTP represents any other non-2xx response.
	ErrorClassHTTP ErrorClass = "http"

	// ErrorClassBadResponse represents a 2xx response whose body is not JSON.
	ErrorClassBadResponse ErrorClass = "bad_response"
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	ErrorClass ErrorClass
	URL        string
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("pipedrive %s error (status %d) url: %s response: %s",
		e.ErrorClass, e.StatusCode, e.URL, truncate(e.Body, 512))
}

// BadResponseError is a 2xx response whose body could not be parsed as JSON.
type BadResponseError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *BadResponseError) Error() string {
	return fmt.Sprintf("pipedrive bad json (status %d): %v, response_text: %s",
		e.StatusCode, e.Err, truncate(e.Body, 512))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *BadResponseError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var badErr *BadResponseError
	if errors.As(err, &badErr) {
		return badErr.StatusCode
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
