package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/telemetry"
)

const (
	// MinSafetyMargin is the smallest reuse margin accepted before expiry.
	MinSafetyMargin = 10 * time.Second
	// DefaultSafetyMargin is applied when no margin is configured.
	DefaultSafetyMargin = 15 * time.Second
	// DefaultTimeout bounds a single token endpoint request.
	DefaultTimeout = 30 * time.Second

	maxTokenResponse = 1 << 20
)

// AccessToken is a bearer token obtained from the token endpoint.
type AccessToken struct {
	Value     string
	TokenType string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether the token may still be used at now, keeping
// margin in reserve so it cannot expire mid-request.
func (t AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-margin))
}

// String never prints the token value.
func (t AccessToken) String() string {
	return fmt.Sprintf("AccessToken{expires_at=%s}", t.ExpiresAt.Format(time.RFC3339))
}

// tokenResponse is the JSON body returned by the token endpoint.
type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	ExpiresIn   seconds `json:"expires_in"`
	Scope       string  `json:"scope"`
}

// OAuthError is the RFC 6749 error body returned on a rejected request.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// seconds accepts expires_in as either a JSON number or a numeric string;
// both forms are seen in the wild.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*s = seconds(f)
	return nil
}

// TokenManager exchanges client credentials for access tokens and caches
// the result. It is safe for concurrent use; at most one refresh is in
// flight at a time.
type TokenManager struct {
	creds      Credentials
	provider   string
	assertions *AssertionBuilder
	httpClient *http.Client
	timeout    time.Duration
	margin     time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu    sync.RWMutex
	token AccessToken
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) TokenManagerOption {
	return func(m *TokenManager) { m.httpClient = c }
}

// WithTimeout bounds each token request.
func WithTimeout(d time.Duration) TokenManagerOption {
	return func(m *TokenManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSafetyMargin sets the reuse margin. Values below MinSafetyMargin are
// raised to it.
func WithSafetyMargin(d time.Duration) TokenManagerOption {
	return func(m *TokenManager) {
		if d < MinSafetyMargin {
			d = MinSafetyMargin
		}
		m.margin = d
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) {
		m.now = now
		m.assertions.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) TokenManagerOption {
	return func(m *TokenManager) { m.logger = l }
}

// WithProvider labels log lines and metrics with the provider name.
func WithProvider(name string) TokenManagerOption {
	return func(m *TokenManager) { m.provider = name }
}

// NewTokenManager creates a TokenManager for creds.
func NewTokenManager(creds Credentials, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		creds:      creds,
		assertions: NewAssertionBuilder(creds),
		timeout:    DefaultTimeout,
		margin:     DefaultSafetyMargin,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: m.timeout}
	}
	return m
}

// Token returns a valid access token. A cached token is reused while it is
// valid under the safety margin unless force is set, in which case the token
// endpoint is always called.
func (m *TokenManager) Token(ctx context.Context, force bool) (AccessToken, error) {
	if !force {
		m.mu.RLock()
		tok := m.token
		m.mu.RUnlock()
		if tok.ValidAt(m.now(), m.margin) {
			telemetry.TokenCacheHits.WithLabelValues(m.provider).Inc()
			return tok, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if !force && m.token.ValidAt(m.now(), m.margin) {
		telemetry.TokenCacheHits.WithLabelValues(m.provider).Inc()
		return m.token, nil
	}

	tok, err := m.requestToken(ctx)
	if err != nil {
		telemetry.TokenRequests.WithLabelValues(m.provider, string(apperror.KindOf(err))).Inc()
		return AccessToken{}, err
	}
	telemetry.TokenRequests.WithLabelValues(m.provider, "success").Inc()
	m.token = tok
	return tok, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = AccessToken{}
	m.mu.Unlock()
}

// requestToken performs one client_credentials exchange. It is never retried:
// a rejected assertion or secret fails the same way on every attempt.
func (m *TokenManager) requestToken(ctx context.Context) (AccessToken, error) {
	const op = "token request"

	scope := NormalizeScope(m.creds.Scope)
	if scope == "" {
		return AccessToken{}, apperror.Configuration(op, "refusing to request a token with an empty scope")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", scope)

	switch m.creds.AuthMethod {
	case AuthPrivateKeyJWT, "":
		assertion, err := m.assertions.Build()
		if err != nil {
			return AccessToken{}, err
		}
		form.Set("client_assertion_type", ClientAssertionType)
		form.Set("client_assertion", assertion)
	case AuthClientSecret:
		if m.creds.ClientSecret == "" {
			return AccessToken{}, apperror.Configuration(op, "client secret is not configured")
		}
	default:
		return AccessToken{}, apperror.Configuration(op, "unsupported auth method %q", m.creds.AuthMethod)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, apperror.Wrap(apperror.KindConfiguration, op, "invalid token url", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if m.creds.AuthMethod == AuthClientSecret {
		req.SetBasicAuth(m.creds.ClientID, m.creds.ClientSecret.Reveal())
	}

	m.logger.Debug().
		Str("provider", m.provider).
		Str("auth_method", string(m.creds.AuthMethod)).
		Str("scope", scope).
		Msg("requesting access token")

	issuedAt := m.now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return AccessToken{}, apperror.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return AccessToken{}, apperror.Network(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		evt := m.logger.Warn().
			Str("provider", m.provider).
			Int("status", resp.StatusCode).
			Str("local_utc", m.now().UTC().Format(time.RFC3339))
		if d := resp.Header.Get("Date"); d != "" {
			evt = evt.Str("server_date", d)
		}
		var oe OAuthError
		if json.Unmarshal(body, &oe) == nil && oe.Code != "" {
			evt = evt.Str("oauth_error", oe.Code)
		}
		evt.Msg("token request rejected")
		return AccessToken{}, apperror.HTTP(apperror.KindAuth, op, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, apperror.Wrap(apperror.KindAuth, op, "malformed token response", err)
	}
	if tr.AccessToken == "" {
		return AccessToken{}, apperror.Auth(op, "token response missing access_token")
	}

	tok := AccessToken{
		Value:     tr.AccessToken,
		TokenType: tr.TokenType,
		Scope:     tr.Scope,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	if tok.Scope == "" {
		tok.Scope = scope
	}

	m.logger.Info().
		Str("provider", m.provider).
		Int64("expires_in", int64(tr.ExpiresIn)).
		Msg("access token acquired")
	return tok, nil
}
