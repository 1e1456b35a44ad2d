package agents

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/httpapi"
	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/models"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type registerRequest struct {
	PublicKey     string   `json:"public_key"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description"`
	EndpointURL   string   `json:"endpoint_url"`
	Capabilities  []string `json:"capabilities"`
	IdentityToken string   `json:"identity_token"`
}

type agentResponse struct {
	AgentID          string          `json:"agent_id"`
	PublicKey        string          `json:"public_key"`
	DisplayName      string          `json:"display_name"`
	Description      string          `json:"description,omitempty"`
	EndpointURL      string          `json:"endpoint_url"`
	Capabilities     []string        `json:"capabilities"`
	AgentCard        json.RawMessage `json:"agent_card,omitempty"`
	IdentityUsername *string         `json:"identity_username,omitempty"`
	ReputationSeller string          `json:"reputation_seller"`
	ReputationClient string          `json:"reputation_client"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	LastSeenAt       time.Time       `json:"last_seen_at"`
}

// registrationResponse additionally carries the webhook secret, shown
// exactly once.
type registrationResponse struct {
	agentResponse
	WebhookSecret string `json:"webhook_secret"`
}

func toAgentResponse(a *models.Agent) agentResponse {
	return agentResponse{
		AgentID:          a.AgentID.String(),
		PublicKey:        a.PublicKey,
		DisplayName:      a.DisplayName,
		Description:      a.Description,
		EndpointURL:      a.EndpointURL,
		Capabilities:     a.Capabilities,
		AgentCard:        a.AgentCard,
		IdentityUsername: a.IdentityUsername,
		ReputationSeller: a.ReputationSeller.StringFixed(2),
		ReputationClient: a.ReputationClient.StringFixed(2),
		Status:           string(a.Status),
		CreatedAt:        a.CreatedAt,
		LastSeenAt:       a.LastSeenAt,
	}
}

// Register handles POST /agents (unauthenticated, per-IP rate limited).
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	agent, err := h.svc.Register(r.Context(), RegisterParams{
		PublicKey:     req.PublicKey,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		EndpointURL:   req.EndpointURL,
		Capabilities:  req.Capabilities,
		IdentityToken: req.IdentityToken,
	})
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, registrationResponse{
		agentResponse: toAgentResponse(agent),
		WebhookSecret: agent.WebhookSecret,
	})
}

// Get handles GET /agents/{id} (public read).
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "id")
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	agent, err := h.svc.Get(r.Context(), agentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

type updateRequest struct {
	DisplayName  *string  `json:"display_name"`
	Description  *string  `json:"description"`
	EndpointURL  *string  `json:"endpoint_url"`
	Capabilities []string `json:"capabilities"`
}

// Update handles PATCH /agents/{id}; owner only.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	var req updateRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	agent, err := h.svc.Update(r.Context(), agentID, UpdateParams{
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		EndpointURL:  req.EndpointURL,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

// Deactivate handles DELETE /agents/{id}; owner only.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.Deactivate(r.Context(), agentID); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Balance handles GET /agents/{id}/balance; owner only.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	agentID, caller, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	balance := caller.Agent.Balance
	if agent, err := h.svc.Get(r.Context(), agentID); err == nil {
		balance = agent.Balance
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID.String(),
		"balance":  balance.StringFixed(2),
	})
}

// ownAgent resolves {id} and requires it to be the authenticated caller.
func (h *Handler) ownAgent(r *http.Request) (uuid.UUID, *middleware.AuthenticatedAgent, error) {
	agentID, err := pathUUID(r, "id")
	if err != nil {
		return uuid.Nil, nil, err
	}
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		return uuid.Nil, nil, apperr.AuthFailed
	}
	if caller.AgentID != agentID {
		return uuid.Nil, nil, apperr.Forbidden("can only manage your own agent")
	}
	return agentID, caller, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid " + name)
	}
	return id, nil
}
