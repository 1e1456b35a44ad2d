package reviews

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/httpapi"
	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/models"
)

// AgentScores resolves the stored reputation scalars for the summary
// endpoint.
type AgentScores interface {
	Get(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
}

type Handler struct {
	svc    *Service
	agents AgentScores
	log    *slog.Logger
}

func NewHandler(svc *Service, agents AgentScores, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, agents: agents, log: log}
}

type reviewResponse struct {
	ReviewID        string    `json:"review_id"`
	JobID           string    `json:"job_id"`
	ReviewerAgentID string    `json:"reviewer_agent_id"`
	RevieweeAgentID string    `json:"reviewee_agent_id"`
	Role            string    `json:"role"`
	Rating          int       `json:"rating"`
	Tags            []string  `json:"tags,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toReviewResponse(r *models.Review) reviewResponse {
	return reviewResponse{
		ReviewID:        r.ReviewID.String(),
		JobID:           r.JobID.String(),
		ReviewerAgentID: r.ReviewerAgentID.String(),
		RevieweeAgentID: r.RevieweeAgentID.String(),
		Role:            string(r.Role),
		Rating:          r.Rating,
		Tags:            r.Tags,
		Comment:         r.Comment,
		CreatedAt:       r.CreatedAt,
	}
}

type submitRequest struct {
	Rating  int      `json:"rating"`
	Tags    []string `json:"tags"`
	Comment string   `json:"comment"`
}

// Submit handles POST /jobs/{id}/reviews.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		httpapi.WriteError(w, h.log, apperr.AuthFailed)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Validation("invalid job id"))
		return
	}
	var req submitRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	review, err := h.svc.Submit(r.Context(), jobID, caller.AgentID, SubmitParams{
		Rating:  req.Rating,
		Tags:    req.Tags,
		Comment: req.Comment,
	})
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, toReviewResponse(review))
}

// ListForAgent handles GET /agents/{id}/reviews (public).
func (h *Handler) ListForAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Validation("invalid agent id"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	reviews, err := h.svc.ListForAgent(r.Context(), agentID, limit, offset)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	out := make([]reviewResponse, len(reviews))
	for i, rev := range reviews {
		out[i] = toReviewResponse(rev)
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

// ListForJob handles GET /jobs/{id}/reviews (public).
func (h *Handler) ListForJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Validation("invalid job id"))
		return
	}
	reviews, err := h.svc.ListForJob(r.Context(), jobID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	out := make([]reviewResponse, len(reviews))
	for i, rev := range reviews {
		out[i] = toReviewResponse(rev)
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

// Reputation handles GET /agents/{id}/reputation (public).
func (h *Handler) Reputation(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Validation("invalid agent id"))
		return
	}
	agent, err := h.agents.Get(r.Context(), agentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	rep, err := h.svc.GetReputation(r.Context(), agentID, agent.ReputationSeller, agent.ReputationClient)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	resp := map[string]any{
		"agent_id":                   rep.AgentID.String(),
		"reputation_seller_display":  rep.SellerDisplay,
		"reputation_client_display":  rep.ClientDisplay,
		"total_reviews_as_seller":    rep.ReviewsAsSeller,
		"total_reviews_as_client":    rep.ReviewsAsClient,
		"top_tags":                   rep.TopTags,
	}
	if rep.SellerScore != nil {
		resp["reputation_seller"] = rep.SellerScore.StringFixed(2)
	}
	if rep.ClientScore != nil {
		resp["reputation_client"] = rep.ClientScore.StringFixed(2)
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}
