// Package router wires handlers, rate-limit categories, and the auth
// middleware into the ServeMux.
package router

import (
	"net/http"

	"github.com/agentbazaar/backend/internal/agents"
	"github.com/agentbazaar/backend/internal/httpapi"
	"github.com/agentbazaar/backend/internal/jobs"
	"github.com/agentbazaar/backend/internal/listings"
	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/ratelimit"
	"github.com/agentbazaar/backend/internal/reviews"
	"github.com/agentbazaar/backend/internal/wallet"
)

// Deps carries everything the route table needs.
type Deps struct {
	Agents   *agents.Handler
	Listings *listings.Handler
	Jobs     *jobs.Handler
	Reviews  *reviews.Handler
	Wallet   *wallet.Handler

	Auth        func(http.Handler) http.Handler
	Limiter     *ratelimit.Limiter
	FeeSchedule func() map[string]any
	Health      http.HandlerFunc
}

// New builds the route table. Public reads skip auth but still pass the
// limiter; every state-changing route except registration authenticates.
func New(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	limit := func(category ratelimit.Category) func(http.Handler) http.Handler {
		return middleware.RateLimit(d.Limiter, category)
	}
	public := func(category ratelimit.Category, h http.HandlerFunc) http.Handler {
		return limit(category)(h)
	}
	authed := func(category ratelimit.Category, h http.HandlerFunc) http.Handler {
		return limit(category)(d.Auth(h))
	}

	mux.HandleFunc("GET /health", d.Health)
	mux.Handle("GET /fees", public(ratelimit.CategoryRead, func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, d.FeeSchedule())
	}))

	// Agents
	mux.Handle("POST /agents", public(ratelimit.CategoryRegistration, d.Agents.Register))
	mux.Handle("GET /agents/{id}", public(ratelimit.CategoryRead, d.Agents.Get))
	mux.Handle("PATCH /agents/{id}", authed(ratelimit.CategoryWrite, d.Agents.Update))
	mux.Handle("DELETE /agents/{id}", authed(ratelimit.CategoryWrite, d.Agents.Deactivate))
	mux.Handle("GET /agents/{id}/balance", authed(ratelimit.CategoryRead, d.Agents.Balance))
	mux.Handle("GET /agents/{id}/reviews", public(ratelimit.CategoryRead, d.Reviews.ListForAgent))
	mux.Handle("GET /agents/{id}/reputation", public(ratelimit.CategoryRead, d.Reviews.Reputation))

	// Wallet (owner only, enforced in the handler)
	mux.Handle("GET /agents/{id}/wallet/deposit-address", authed(ratelimit.CategoryRead, d.Wallet.DepositAddress))
	mux.Handle("POST /agents/{id}/wallet/deposit-notify", authed(ratelimit.CategoryWrite, d.Wallet.NotifyDeposit))
	mux.Handle("POST /agents/{id}/wallet/withdraw", authed(ratelimit.CategoryWrite, d.Wallet.Withdraw))
	mux.Handle("GET /agents/{id}/wallet/transactions", authed(ratelimit.CategoryRead, d.Wallet.Transactions))
	mux.Handle("GET /agents/{id}/wallet/balance", authed(ratelimit.CategoryRead, d.Wallet.Balance))

	// Listings & discovery
	mux.Handle("POST /listings", authed(ratelimit.CategoryWrite, d.Listings.Create))
	mux.Handle("GET /listings", public(ratelimit.CategoryRead, d.Listings.Browse))
	mux.Handle("GET /listings/{id}", public(ratelimit.CategoryRead, d.Listings.Get))
	mux.Handle("PATCH /listings/{id}", authed(ratelimit.CategoryWrite, d.Listings.Update))
	mux.Handle("GET /discover", public(ratelimit.CategoryDiscovery, d.Listings.Discover))

	// Job lifecycle
	mux.Handle("POST /jobs", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Propose))
	mux.Handle("GET /jobs", authed(ratelimit.CategoryRead, d.Jobs.List))
	mux.Handle("GET /jobs/{id}", authed(ratelimit.CategoryRead, d.Jobs.Get))
	mux.Handle("POST /jobs/{id}/counter", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Counter))
	mux.Handle("POST /jobs/{id}/accept", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Accept))
	mux.Handle("POST /jobs/{id}/fund", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Fund))
	mux.Handle("POST /jobs/{id}/start", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Start))
	mux.Handle("POST /jobs/{id}/deliver", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Deliver))
	mux.Handle("POST /jobs/{id}/verify", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Verify))
	mux.Handle("POST /jobs/{id}/complete", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Complete))
	mux.Handle("POST /jobs/{id}/fail", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Fail))
	mux.Handle("POST /jobs/{id}/dispute", authed(ratelimit.CategoryJobLifecycle, d.Jobs.Dispute))

	// Reviews
	mux.Handle("POST /jobs/{id}/reviews", authed(ratelimit.CategoryWrite, d.Reviews.Submit))
	mux.Handle("GET /jobs/{id}/reviews", public(ratelimit.CategoryRead, d.Reviews.ListForJob))

	return mux
}
