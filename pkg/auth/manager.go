// Package auth holds the Pipedrive OAuth credentials and exchanges the
// refresh token for a new access token on demand.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultAuthURL is the Pipedrive OAuth base URL. The token endpoint is
// DefaultAuthURL + "/token".
const DefaultAuthURL = "https://oauth.pipedrive.com/oauth"

var tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pipedrive_token_refreshes_total",
	Help: "Total access token refreshes by result",
}, []string{"result"})

// Credentials are the OAuth client and token values.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
}

// Config holds token manager configuration.
type Config struct {
	// AuthURL is the OAuth base URL (default DefaultAuthURL).
	AuthURL string

	// HTTPClient is used for the token exchange (default: 30s timeout client).
	HTTPClient *http.Client

	// OnRotate is called with the new credentials after every successful
	// refresh, so callers can persist a rotated refresh token.
	OnRotate func(Credentials)
}

// Manager owns the credentials. It is the only writer of the access and
// refresh tokens.
type Manager struct {
	creds      Credentials
	oauth      oauth2.Config
	httpClient *http.Client
	onRotate   func(Credentials)
	refreshes  int
	logger     zerolog.Logger
}

// NewManager creates a token manager for the given credentials.
func NewManager(creds Credentials, cfg Config, logger zerolog.Logger) *Manager {
	authURL := strings.TrimRight(strings.TrimSpace(cfg.AuthURL), "/")
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Manager{
		creds: creds,
		oauth: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  authURL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		onRotate:   cfg.OnRotate,
		logger:     logger,
	}
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken() string {
	return m.creds.AccessToken
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	return m.creds.RefreshToken
}

// RefreshCount returns the number of successful refreshes.
func (m *Manager) RefreshCount() int {
	return m.refreshes
}

// Refresh exchanges the refresh token for a new access token.
// The access token is replaced wholesale; the refresh token is replaced only
// when the server rotates it. Any failure is returned as *AuthError and is not
// retried here.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.creds.RefreshToken == "" {
		tokenRefreshesTotal.WithLabelValues("failure").Inc()
		return &AuthError{Message: "no refresh token configured"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	// A token carrying only the refresh token is never valid, so the source
	// always performs the refresh_token grant.
	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: m.creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		tokenRefreshesTotal.WithLabelValues("failure").Inc()
		authErr := &AuthError{Message: "token refresh failed", Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			authErr.StatusCode = retrieveErr.Response.StatusCode
		}
		m.logger.Error().Err(err).Int("status", authErr.StatusCode).Msg("Token refresh rejected")
		return authErr
	}

	m.creds.AccessToken = tok.AccessToken
	rotated := tok.RefreshToken != "" && tok.RefreshToken != m.creds.RefreshToken
	if tok.RefreshToken != "" {
		m.creds.RefreshToken = tok.RefreshToken
	}
	m.refreshes++
	tokenRefreshesTotal.WithLabelValues("success").Inc()

	m.logger.Info().
		Bool("refresh_token_rotated", rotated).
		Time("expiry", tok.Expiry).
		Msg("Access token refreshed")

	if m.onRotate != nil {
		m.onRotate(m.creds)
	}
	return nil
}

// AuthError is a fatal credential failure. Bad credentials do not heal on
// retry, so callers must stop.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	msg := "pipedrive auth error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err carries an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
