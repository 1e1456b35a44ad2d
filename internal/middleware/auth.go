// Package middleware holds the HTTP cross-cutting layers: AgentSig
// authentication, rate limiting, the body-size cap, and security headers.
package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/crypto"
	"github.com/agentbazaar/backend/internal/models"
)

type contextKey string

const ctxAgentKey contextKey = "authenticated_agent"

// AuthenticatedAgent is attached to the request context on success.
type AuthenticatedAgent struct {
	AgentID uuid.UUID
	Agent   *models.Agent
}

// AgentFromCtx returns the authenticated agent or nil.
func AgentFromCtx(ctx context.Context) *AuthenticatedAgent {
	a, _ := ctx.Value(ctxAgentKey).(*AuthenticatedAgent)
	return a
}

// WithAgent returns a context carrying the given agent (tests).
func WithAgent(ctx context.Context, a *AuthenticatedAgent) context.Context {
	return context.WithValue(ctx, ctxAgentKey, a)
}

// AgentLoader resolves agents during authentication.
type AgentLoader interface {
	GetByID(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
}

// NonceStore is the replay guard: set-if-absent with TTL.
type NonceStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Clock is overridable in tests.
type Clock func() time.Time

// AgentAuth verifies the per-request Ed25519 signature scheme:
// Authorization: AgentSig <agent_id>:<signature_hex>, a fresh
// X-Timestamp, and an optional single-use X-Nonce. Every failure is the
// same 403 so callers cannot probe which check rejected them.
func AgentAuth(cfg config.Config, agents AgentLoader, nonces NonceStore, now Clock) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID, signature, ok := parseAgentSig(r.Header.Get("Authorization"))
			if !ok {
				denyAuth(w)
				return
			}

			timestamp := r.Header.Get("X-Timestamp")
			if !crypto.TimestampFresh(timestamp, now(), cfg.SignatureMaxAge) {
				denyAuth(w)
				return
			}

			if nonce := r.Header.Get("X-Nonce"); nonce != "" {
				fresh, err := nonces.SetNX(r.Context(), "nonce:"+nonce, "1", cfg.NonceTTL).Result()
				if err != nil || !fresh {
					denyAuth(w)
					return
				}
			}

			agent, err := agents.GetByID(r.Context(), agentID)
			if err != nil || agent == nil || agent.Status != models.AgentActive {
				denyAuth(w)
				return
			}

			// The signature covers the exact raw body bytes; the body cap
			// has already bounded how much we buffer here.
			body, err := io.ReadAll(r.Body)
			if err != nil {
				denyAuth(w)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !crypto.VerifySignature(agent.PublicKey, signature, timestamp, r.Method, r.URL.Path, body) {
				denyAuth(w)
				return
			}

			ctx := WithAgent(r.Context(), &AuthenticatedAgent{AgentID: agent.AgentID, Agent: agent})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseAgentSig splits "AgentSig <agent_id>:<signature_hex>".
func parseAgentSig(header string) (uuid.UUID, string, bool) {
	const scheme = "AgentSig "
	if !strings.HasPrefix(header, scheme) {
		return uuid.Nil, "", false
	}
	credentials := header[len(scheme):]
	agentIDStr, signature, found := strings.Cut(credentials, ":")
	if !found || signature == "" {
		return uuid.Nil, "", false
	}
	agentID, err := uuid.Parse(agentIDStr)
	if err != nil {
		return uuid.Nil, "", false
	}
	return agentID, signature, true
}

func denyAuth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"authentication failed"}`))
}
