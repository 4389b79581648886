package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/snapshot/internal/platform/apperror"
)

// ---------------------------------------------------------------------------
// Fake token endpoint
// ---------------------------------------------------------------------------

// fakeTokenServer verifies client assertions the way a SMART Backend Services
// authorization server does: RS384 signature, iss == sub, aud == token URL,
// unique jti, exp no more than five minutes out.
type fakeTokenServer struct {
	t     *testing.T
	pub   *rsa.PublicKey
	calls atomic.Int32

	mu       sync.Mutex
	reply    tokenReply
	jtis     map[string]bool
	lastForm map[string]string
	lastUser string
	lastPass string
	srv      *httptest.Server
}

func newFakeTokenServer(t *testing.T, pub *rsa.PublicKey) *fakeTokenServer {
	t.Helper()
	f := &fakeTokenServer{t: t, pub: pub, reply: tokenReply{expiresIn: 300}, jtis: make(map[string]bool)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

// tokenReply controls how the fake endpoint answers.
type tokenReply struct {
	delay     time.Duration
	status    int
	body      string
	expiresIn any
}

func (f *fakeTokenServer) URL() string { return f.srv.URL + "/token" }

func (f *fakeTokenServer) configure(fn func(r *tokenReply)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.reply)
}

func (f *fakeTokenServer) handle(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	f.mu.Lock()
	reply := f.reply
	f.mu.Unlock()
	if reply.delay > 0 {
		time.Sleep(reply.delay)
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.lastForm = map[string]string{}
	for k := range r.PostForm {
		f.lastForm[k] = r.PostForm.Get(k)
	}
	f.lastUser, f.lastPass, _ = r.BasicAuth()
	f.mu.Unlock()

	if reply.status != 0 {
		w.WriteHeader(reply.status)
		fmt.Fprint(w, reply.body)
		return
	}
	if reply.body != "" {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, reply.body)
		return
	}

	if r.PostForm.Get("grant_type") != "client_credentials" {
		writeOAuthError(w, "unsupported_grant_type")
		return
	}
	if assertion := r.PostForm.Get("client_assertion"); assertion != "" {
		if r.PostForm.Get("client_assertion_type") != ClientAssertionType {
			writeOAuthError(w, "invalid_request")
			return
		}
		if err := f.verify(assertion); err != nil {
			f.t.Logf("assertion rejected: %v", err)
			writeOAuthError(w, "invalid_client")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": fmt.Sprintf("token-%d", n),
		"token_type":   "bearer",
		"expires_in":   reply.expiresIn,
		"scope":        r.PostForm.Get("scope"),
	})
}

func (f *fakeTokenServer) verify(assertion string) error {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "RS384" {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return f.pub, nil
	}, jwt.WithExpirationRequired(), jwt.WithAudience(f.URL()))
	if err != nil {
		return err
	}
	if claims["iss"] != claims["sub"] {
		return fmt.Errorf("iss != sub")
	}
	exp, _ := claims.GetExpirationTime()
	if exp.Time.After(time.Now().Add(5*time.Minute + 30*time.Second)) {
		return fmt.Errorf("exp too far in the future")
	}
	jti, _ := claims["jti"].(string)
	f.mu.Lock()
	defer f.mu.Unlock()
	if jti == "" || f.jtis[jti] {
		return fmt.Errorf("jti missing or replayed")
	}
	f.jtis[jti] = true
	return nil
}

func writeOAuthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(OAuthError{Code: code})
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ...TokenManagerOption) (*TokenManager, *fakeTokenServer) {
	t.Helper()
	path, key := writeRSAKey(t)
	srv := newFakeTokenServer(t, &key.PublicKey)
	creds := testCredentials(path)
	creds.TokenURL = srv.URL()
	return NewTokenManager(creds, opts...), srv
}

// ---------------------------------------------------------------------------
// Cache behaviour
// ---------------------------------------------------------------------------

func TestTokenManager_ReusesCachedToken(t *testing.T) {
	m, srv := newTestManager(t)
	ctx := context.Background()

	first, err := m.Token(ctx, false)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	second, err := m.Token(ctx, false)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if first.Value != second.Value {
		t.Errorf("expected cached token %q, got %q", first.Value, second.Value)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Errorf("expected 1 token request, got %d", got)
	}
}

func TestTokenManager_ForceAlwaysCallsEndpoint(t *testing.T) {
	m, srv := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Token(ctx, false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.Token(ctx, true); err != nil {
			t.Fatal(err)
		}
	}
	if got := srv.calls.Load(); got != 3 {
		t.Errorf("expected 3 token requests, got %d", got)
	}
}

func TestTokenManager_RefreshesInsideSafetyMargin(t *testing.T) {
	// Start in the past so nbf never lands ahead of the verifier's wall clock.
	clock := &testClock{now: time.Now().Add(-time.Minute)}
	m, srv := newTestManager(t, WithClock(clock.Now))
	srv.configure(func(r *tokenReply) { r.expiresIn = 60 })
	ctx := context.Background()

	if _, err := m.Token(ctx, false); err != nil {
		t.Fatal(err)
	}
	clock.Advance(40 * time.Second)
	if _, err := m.Token(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("expected reuse 20s before expiry, got %d calls", got)
	}

	clock.Advance(10 * time.Second)
	tok, err := m.Token(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := srv.calls.Load(); got != 2 {
		t.Errorf("expected refresh 10s before expiry, got %d calls", got)
	}
	if tok.Value != "token-2" {
		t.Errorf("expected refreshed token, got %q", tok.Value)
	}
}

func TestTokenManager_ZeroExpiryIsNotReused(t *testing.T) {
	m, srv := newTestManager(t)
	srv.configure(func(r *tokenReply) { r.expiresIn = 0 })
	ctx := context.Background()

	m.Token(ctx, false)
	m.Token(ctx, false)
	if got := srv.calls.Load(); got != 2 {
		t.Errorf("expected 2 calls for a token without lifetime, got %d", got)
	}
}

func TestTokenManager_ExpiresInAsString(t *testing.T) {
	m, srv := newTestManager(t)
	srv.configure(func(r *tokenReply) { r.expiresIn = "3599" })
	start := time.Now()

	tok, err := m.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if d := tok.ExpiresAt.Sub(start); d < 3590*time.Second || d > 3610*time.Second {
		t.Errorf("unexpected expiry offset %v", d)
	}
}

func TestTokenManager_SafetyMarginClamped(t *testing.T) {
	m := NewTokenManager(Credentials{}, WithSafetyMargin(time.Second))
	if m.margin != MinSafetyMargin {
		t.Errorf("margin = %v, want %v", m.margin, MinSafetyMargin)
	}
}

func TestTokenManager_ConcurrentStaleReadersRefreshOnce(t *testing.T) {
	m, srv := newTestManager(t)
	srv.configure(func(r *tokenReply) { r.delay = 50 * time.Millisecond })
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Token(ctx, false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Token failed: %v", err)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Errorf("expected a single refresh, got %d", got)
	}
}

func TestTokenManager_Invalidate(t *testing.T) {
	m, srv := newTestManager(t)
	ctx := context.Background()
	m.Token(ctx, false)
	m.Invalidate()
	m.Token(ctx, false)
	if got := srv.calls.Load(); got != 2 {
		t.Errorf("expected 2 calls after invalidate, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Request shape
// ---------------------------------------------------------------------------

func TestTokenManager_SendsAssertionGrant(t *testing.T) {
	m, srv := newTestManager(t)
	if _, err := m.Token(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lastForm["client_assertion_type"] != ClientAssertionType {
		t.Errorf("client_assertion_type = %q", srv.lastForm["client_assertion_type"])
	}
	if srv.lastForm["scope"] != "system/Patient.read system/Observation.read" {
		t.Errorf("scope = %q", srv.lastForm["scope"])
	}
	if srv.lastUser != "" {
		t.Error("assertion mode must not send basic auth")
	}
}

func TestTokenManager_ClientSecretMode(t *testing.T) {
	srv := newFakeTokenServer(t, nil)
	creds := Credentials{
		ClientID:     "client-abc",
		ClientSecret: "s3cret",
		AuthMethod:   AuthClientSecret,
		TokenURL:     srv.URL(),
		Scope:        "system/Patient.read,system/Condition.read",
	}
	m := NewTokenManager(creds)
	if _, err := m.Token(context.Background(), false); err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lastUser != "client-abc" || srv.lastPass != "s3cret" {
		t.Errorf("basic auth = %q/%q", srv.lastUser, srv.lastPass)
	}
	if _, ok := srv.lastForm["client_assertion"]; ok {
		t.Error("secret mode must not send a client assertion")
	}
	if srv.lastForm["scope"] != "system/Patient.read system/Condition.read" {
		t.Errorf("scope not normalized: %q", srv.lastForm["scope"])
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestTokenManager_Unauthorized(t *testing.T) {
	m, srv := newTestManager(t)
	srv.configure(func(r *tokenReply) {
		r.status = http.StatusUnauthorized
		r.body = `{"error":"invalid_client"}`
	})

	_, err := m.Token(context.Background(), false)
	if !apperror.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if apperror.StatusOf(err) != 401 {
		t.Errorf("status = %d, want 401", apperror.StatusOf(err))
	}
	if !strings.Contains(err.Error(), "invalid_client") {
		t.Errorf("expected body in error, got %q", err.Error())
	}
	if got := srv.calls.Load(); got != 1 {
		t.Errorf("expected no retry, got %d calls", got)
	}
}

func TestTokenManager_RejectionLogsInjectedClock(t *testing.T) {
	clock := &testClock{now: time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)}
	var buf bytes.Buffer
	m, srv := newTestManager(t, WithClock(clock.Now), WithLogger(zerolog.New(&buf)))
	srv.configure(func(r *tokenReply) {
		r.status = http.StatusUnauthorized
		r.body = `{"error":"invalid_client"}`
	})

	if _, err := m.Token(context.Background(), false); !apperror.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if !strings.Contains(buf.String(), `"local_utc":"2021-06-01T12:00:00Z"`) {
		t.Errorf("log does not carry the injected clock: %s", buf.String())
	}
}

func TestTokenManager_MissingAccessToken(t *testing.T) {
	m, srv := newTestManager(t)
	srv.configure(func(r *tokenReply) { r.body = `{"token_type":"bearer","expires_in":300}` })

	_, err := m.Token(context.Background(), false)
	if !apperror.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestTokenManager_MalformedResponse(t *testing.T) {
	m, srv := newTestManager(t)
	srv.configure(func(r *tokenReply) { r.body = `<html>gateway</html>` })

	_, err := m.Token(context.Background(), false)
	if !apperror.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestTokenManager_EmptyScopeFailsBeforeNetwork(t *testing.T) {
	path, key := writeRSAKey(t)
	srv := newFakeTokenServer(t, &key.PublicKey)
	creds := testCredentials(path)
	creds.TokenURL = srv.URL()
	creds.Scope = ` " , " `

	_, err := NewTokenManager(creds).Token(context.Background(), false)
	if !apperror.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := srv.calls.Load(); got != 0 {
		t.Errorf("expected no network call, got %d", got)
	}
}

func TestTokenManager_MissingKeyFailsBeforeNetwork(t *testing.T) {
	srv := newFakeTokenServer(t, nil)
	creds := testCredentials("/does/not/exist.pem")
	creds.TokenURL = srv.URL()

	_, err := NewTokenManager(creds).Token(context.Background(), false)
	if !apperror.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := srv.calls.Load(); got != 0 {
		t.Errorf("expected no network call, got %d", got)
	}
}

func TestTokenManager_ConnectionRefused(t *testing.T) {
	path, _ := writeRSAKey(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	creds := testCredentials(path)
	creds.TokenURL = url + "/token"
	_, err := NewTokenManager(creds).Token(context.Background(), false)
	if !apperror.IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if apperror.IsTimeout(err) {
		t.Error("connection refused must not be reported as a timeout")
	}
}

func TestTokenManager_Timeout(t *testing.T) {
	m, srv := newTestManager(t, WithTimeout(30*time.Millisecond))
	srv.configure(func(r *tokenReply) { r.delay = 300 * time.Millisecond })

	_, err := m.Token(context.Background(), false)
	if !apperror.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Redaction
// ---------------------------------------------------------------------------

func TestAccessToken_StringRedacted(t *testing.T) {
	tok := AccessToken{Value: "super-secret-bearer", ExpiresAt: time.Now()}
	if strings.Contains(tok.String(), "super-secret-bearer") {
		t.Error("AccessToken.String leaks the token value")
	}
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("hunter2")
	if s.String() == "hunter2" {
		t.Error("Secret.String leaks the value")
	}
	b, err := json.Marshal(struct{ S Secret }{s})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "hunter2") {
		t.Errorf("Secret leaks through JSON: %s", b)
	}
	if s.Reveal() != "hunter2" {
		t.Error("Reveal must return the raw value")
	}
}
