// Package testutil provides testing utilities for the Pipedrive tap.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock Pipedrive endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockPipedrive is a configurable mock of the Pipedrive API and its OAuth
// token endpoint. API routes live under /v1, the token endpoint at
// /oauth/token.
type MockPipedrive struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// accessToken is the bearer the API accepts. Empty accepts any token.
	accessToken string

	// Tracking
	RequestCount      int
	RefreshCount      int
	LastRequestHeader http.Header
	requests          []string
}

// NewMockPipedrive creates a new mock Pipedrive server.
func NewMockPipedrive() *MockPipedrive {
	mock := &MockPipedrive{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			mock.tokenHandler(w, r)
			return
		}

		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.requests = append(mock.requests, requestKey(r))
		want := mock.accessToken
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if want != "" && r.Header.Get("Authorization") != "Bearer "+want {
			writeResponse(w, NewUnauthorizedResponse())
			return
		}
		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockPipedrive) URL() string {
	return m.server.URL
}

// APIURL returns the API root to configure a client with.
func (m *MockPipedrive) APIURL() string {
	return m.server.URL + "/v1"
}

// AuthURL returns the OAuth base URL to configure a token manager with.
func (m *MockPipedrive) AuthURL() string {
	return m.server.URL + "/oauth"
}

// Close shuts down the mock server.
func (m *MockPipedrive) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockPipedrive) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.RefreshCount = 0
	m.LastRequestHeader = nil
	m.requests = nil
}

// RequireToken makes API routes answer 401 unless the request carries token.
// A successful refresh moves the accepted token to the newly issued one.
func (m *MockPipedrive) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = token
}

// SetHandler sets a custom handler for a specific path.
func (m *MockPipedrive) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockPipedrive) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence serves the responses for path in order, repeating the last one.
func (m *MockPipedrive) SetSequence(path string, resps ...MockResponse) {
	var mu sync.Mutex
	served := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[min(served, len(resps)-1)]
		served++
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetRecentsPages serves /v1/recents from bodies keyed by the start parameter.
// Unknown offsets answer 404.
func (m *MockPipedrive) SetRecentsPages(pages map[int]string) {
	m.SetPaged("/v1/recents", pages)
}

// SetPaged serves a paginated path from bodies keyed by the start parameter.
func (m *MockPipedrive) SetPaged(path string, pages map[int]string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		body, ok := pages[start]
		if !ok {
			writeResponse(w, MockResponse{StatusCode: http.StatusNotFound, Body: `{"success":false,"error":"unknown page"}`})
			return
		}
		writeResponse(w, NewHealthyResponse(body))
	})
}

// SetDealFlow configures the flow sub-resource of a deal.
func (m *MockPipedrive) SetDealFlow(dealID int, body string) {
	path := fmt.Sprintf("/v1/deals/%d/flow", dealID)
	m.SetPaged(path, map[int]string{0: body})
}

// GetRequestCount returns the number of API requests made to the server.
func (m *MockPipedrive) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetRefreshCount returns the number of token exchanges.
func (m *MockPipedrive) GetRefreshCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RefreshCount
}

// Requests returns the API requests in arrival order as "path?start=N", with
// the start parameter omitted when absent.
func (m *MockPipedrive) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.requests...)
}

// tokenHandler issues access-N/refresh-N pairs for refresh_token grants.
func (m *MockPipedrive) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		writeResponse(w, MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error":"invalid_request"}`})
		return
	}

	m.mu.Lock()
	m.RefreshCount++
	n := m.RefreshCount
	access := fmt.Sprintf("access-%d", n)
	if m.accessToken != "" {
		m.accessToken = access
	}
	m.mu.Unlock()

	body, _ := json.Marshal(map[string]any{
		"access_token":  access,
		"refresh_token": fmt.Sprintf("refresh-%d", n),
		"token_type":    "Bearer",
		"expires_in":    3599,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// defaultHandler answers any unconfigured API path with an empty collection.
func (m *MockPipedrive) defaultHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, NewHealthyResponse(`{"success":true,"data":[]}`))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func requestKey(r *http.Request) string {
	key := strings.TrimPrefix(r.URL.Path, "/v1/")
	if start := r.URL.Query().Get("start"); start != "" {
		key += "?start=" + start
	}
	return key
}

// NewHealthyResponse creates a standard 200 OK response with rate limit headers.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "80",
			"X-RateLimit-Reset":     "2",
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"success":false,"error":"Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":           strconv.Itoa(retryAfter),
			"X-RateLimit-Remaining": "0",
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"success":false,"error":"Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewUnauthorizedResponse creates a 401 response for an expired token.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"success":false,"error":"unauthorized access","errorCode":401}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// RecentsPage renders a recents page body. nextStart is only written when
// more is true.
func RecentsPage(start int, more bool, nextStart int, items ...string) string {
	pagination := fmt.Sprintf(`"start":%d,"limit":200,"more_items_in_collection":%t`, start, more)
	if more {
		pagination += fmt.Sprintf(`,"next_start":%d`, nextStart)
	}
	return fmt.Sprintf(`{"success":true,"data":[%s],"additional_data":{"pagination":{%s}}}`,
		strings.Join(items, ","), pagination)
}

// RecentsItem renders one recents item of the given type.
func RecentsItem(itemType string, id int, updateTime string, data string) string {
	return fmt.Sprintf(`{"item":%q,"id":%d,"data":%s,"update_time":%q}`, itemType, id, data, updateTime)
}
