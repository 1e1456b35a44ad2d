package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/crypto"
	"github.com/agentbazaar/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubAgents struct {
	agents map[uuid.UUID]*models.Agent
}

func (s *stubAgents) GetByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return a, nil
}

// stubNonces implements set-if-absent semantics in memory.
type stubNonces struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newStubNonces() *stubNonces { return &stubNonces{seen: make(map[string]bool)} }

func (s *stubNonces) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewBoolResult(false, s.err)
	}
	if s.seen[key] {
		return redis.NewBoolResult(false, nil)
	}
	s.seen[key] = true
	return redis.NewBoolResult(true, nil)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if a := AgentFromCtx(r.Context()); a != nil {
		_, _ = w.Write([]byte(a.AgentID.String()))
	}
	w.WriteHeader(http.StatusOK)
})

type authFixture struct {
	cfg     config.Config
	agents  *stubAgents
	nonces  *stubNonces
	agentID uuid.UUID
	privKey string
	now     time.Time
	handler http.Handler
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	f := &authFixture{
		cfg: config.Config{
			SignatureMaxAge: 30 * time.Second,
			NonceTTL:        60 * time.Second,
		},
		agents:  &stubAgents{agents: make(map[uuid.UUID]*models.Agent)},
		nonces:  newStubNonces(),
		agentID: uuid.New(),
		privKey: priv,
		now:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.agents.agents[f.agentID] = &models.Agent{
		AgentID:   f.agentID,
		PublicKey: pub,
		Status:    models.AgentActive,
		Balance:   decimal.Zero,
	}
	f.handler = AgentAuth(f.cfg, f.agents, f.nonces, func() time.Time { return f.now })(okHandler)
	return f
}

// signedRequest builds a correctly signed request for the fixture agent.
func (f *authFixture) signedRequest(t *testing.T, method, path string, body []byte, mutate func(*http.Request)) *http.Request {
	t.Helper()
	timestamp := f.now.Format(time.RFC3339)
	sig, err := crypto.SignRequest(f.privKey, timestamp, method, path, body)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "AgentSig "+f.agentID.String()+":"+sig)
	req.Header.Set("X-Timestamp", timestamp)
	if mutate != nil {
		mutate(req)
	}
	return req
}

// ---------------------------------------------------------------------------
// AgentAuth
// ---------------------------------------------------------------------------

func TestAgentAuth_Success(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{"hello":"world"}`)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, f.signedRequest(t, http.MethodPost, "/jobs", body, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), f.agentID.String()) {
		t.Error("authenticated agent must be attached to the context")
	}
}

func TestAgentAuth_UniformFailures(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{}`)

	otherAgent := uuid.New()
	suspended := uuid.New()
	_, suspendedPub, _ := crypto.GenerateKeypair()
	f.agents.agents[suspended] = &models.Agent{AgentID: suspended, PublicKey: suspendedPub, Status: models.AgentSuspended}

	cases := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"missing authorization", func(r *http.Request) { r.Header.Del("Authorization") }},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }},
		{"malformed credentials", func(r *http.Request) { r.Header.Set("Authorization", "AgentSig notauuid") }},
		{"unknown agent", func(r *http.Request) {
			r.Header.Set("Authorization", "AgentSig "+otherAgent.String()+":"+strings.Repeat("ab", 64))
		}},
		{"suspended agent", func(r *http.Request) {
			r.Header.Set("Authorization", "AgentSig "+suspended.String()+":"+strings.Repeat("ab", 64))
		}},
		{"missing timestamp", func(r *http.Request) { r.Header.Del("X-Timestamp") }},
		{"stale timestamp", func(r *http.Request) { r.Header.Set("X-Timestamp", "2026-01-02T03:03:00Z") }},
		{"naive timestamp", func(r *http.Request) { r.Header.Set("X-Timestamp", "2026-01-02T03:04:05") }},
		{"garbage signature", func(r *http.Request) {
			r.Header.Set("Authorization", "AgentSig "+f.agentID.String()+":zzzz")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, f.signedRequest(t, http.MethodPost, "/jobs", body, tc.mutate))
			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "authentication failed") {
				t.Errorf("body = %q, want the uniform reason", rec.Body.String())
			}
		})
	}
}

func TestAgentAuth_TamperedBody(t *testing.T) {
	f := newAuthFixture(t)
	req := f.signedRequest(t, http.MethodPost, "/jobs", []byte(`{"n":1}`), nil)
	// Swap the body after signing.
	req.Body = http.NoBody
	req.ContentLength = 0

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for body mismatch", rec.Code)
	}
}

func TestAgentAuth_NonceReplay(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{"op":"fund"}`)
	withNonce := func(r *http.Request) { r.Header.Set("X-Nonce", "nonce-123") }

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, f.signedRequest(t, http.MethodPost, "/jobs", body, withNonce))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, f.signedRequest(t, http.MethodPost, "/jobs", body, withNonce))
	if rec.Code != http.StatusForbidden {
		t.Errorf("replayed nonce: status = %d, want 403", rec.Code)
	}
}

func TestAgentAuth_NonceStoreDownFailsClosed(t *testing.T) {
	f := newAuthFixture(t)
	f.nonces.err = context.DeadlineExceeded

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, f.signedRequest(t, http.MethodPost, "/jobs", []byte(`{}`), func(r *http.Request) {
		r.Header.Set("X-Nonce", "n1")
	}))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when the nonce store is unreachable", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Client IP / principal
// ---------------------------------------------------------------------------

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4455"
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.2")
	if got := ClientIP(req); got != "198.51.100.1" {
		t.Errorf("ClientIP with XFF = %q, want the left-most entry", got)
	}
}

func TestPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4455"
	if got := Principal(req); got != "ip:203.0.113.9" {
		t.Errorf("unauthenticated principal = %q", got)
	}

	id := uuid.New()
	req.Header.Set("Authorization", "AgentSig "+id.String()+":cafe")
	if got := Principal(req); got != id.String() {
		t.Errorf("authenticated principal = %q, want agent id", got)
	}
}

// ---------------------------------------------------------------------------
// Security headers and body cap
// ---------------------------------------------------------------------------

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "1; mode=block",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestBodySizeLimit(t *testing.T) {
	handler := BodySizeLimit(1024)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	small := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 100)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, small)
	if rec.Code != http.StatusOK {
		t.Errorf("small body: %d", rec.Code)
	}

	big := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 2048)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: %d, want 413", rec.Code)
	}

	// GETs are untouched.
	get := httptest.NewRequest(http.MethodGet, "/", nil)
	get.Header.Set("Content-Length", "999999")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, get)
	if rec.Code != http.StatusOK {
		t.Errorf("GET: %d", rec.Code)
	}
}
