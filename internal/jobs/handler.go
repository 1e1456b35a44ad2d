package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

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

type jobResponse struct {
	JobID              string                    `json:"job_id"`
	ClientAgentID      string                    `json:"client_agent_id"`
	SellerAgentID      string                    `json:"seller_agent_id"`
	ListingID          *string                   `json:"listing_id,omitempty"`
	Status             string                    `json:"status"`
	AcceptanceCriteria json.RawMessage           `json:"acceptance_criteria,omitempty"`
	CriteriaHash       *string                   `json:"acceptance_criteria_hash,omitempty"`
	Requirements       json.RawMessage           `json:"requirements,omitempty"`
	AgreedPrice        string                    `json:"agreed_price"`
	DeliveryDeadline   *time.Time                `json:"delivery_deadline,omitempty"`
	NegotiationLog     []models.NegotiationRound `json:"negotiation_log,omitempty"`
	MaxRounds          int                       `json:"max_rounds"`
	CurrentRound       int                       `json:"current_round"`
	Result             json.RawMessage           `json:"result"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

func toJobResponse(j *models.Job) jobResponse {
	resp := jobResponse{
		JobID:              j.JobID.String(),
		ClientAgentID:      j.ClientAgentID.String(),
		SellerAgentID:      j.SellerAgentID.String(),
		Status:             string(j.Status),
		AcceptanceCriteria: j.AcceptanceCriteria,
		CriteriaHash:       j.CriteriaHash,
		Requirements:       j.Requirements,
		AgreedPrice:        j.AgreedPrice.StringFixed(2),
		DeliveryDeadline:   j.DeliveryDeadline,
		NegotiationLog:     j.NegotiationLog,
		MaxRounds:          j.MaxRounds,
		CurrentRound:       j.CurrentRound,
		Result:             j.Result,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
	if j.ListingID != nil {
		id := j.ListingID.String()
		resp.ListingID = &id
	}
	return resp
}

type proposeRequest struct {
	SellerAgentID      string          `json:"seller_agent_id"`
	ListingID          *string         `json:"listing_id"`
	Requirements       json.RawMessage `json:"requirements"`
	AcceptanceCriteria json.RawMessage `json:"acceptance_criteria"`
	MaxBudget          string          `json:"max_budget"`
	DeliveryDeadline   *time.Time      `json:"delivery_deadline"`
	MaxRounds          int             `json:"max_rounds"`
	Message            string          `json:"message"`
}

// Propose handles POST /jobs.
func (h *Handler) Propose(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		httpapi.WriteError(w, h.log, apperr.AuthFailed)
		return
	}
	var req proposeRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	sellerID, err := uuid.Parse(req.SellerAgentID)
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Schema("seller_agent_id must be a UUID"))
		return
	}
	budget, err := decimal.NewFromString(req.MaxBudget)
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Schema("max_budget must be a decimal string"))
		return
	}
	var listingID *uuid.UUID
	if req.ListingID != nil {
		id, err := uuid.Parse(*req.ListingID)
		if err != nil {
			httpapi.WriteError(w, h.log, apperr.Schema("listing_id must be a UUID"))
			return
		}
		listingID = &id
	}

	job, err := h.svc.Propose(r.Context(), caller.AgentID, ProposeParams{
		SellerAgentID:      sellerID,
		ListingID:          listingID,
		Requirements:       req.Requirements,
		AcceptanceCriteria: req.AcceptanceCriteria,
		MaxBudget:          budget,
		DeliveryDeadline:   req.DeliveryDeadline,
		MaxRounds:          req.MaxRounds,
		Message:            req.Message,
	})
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, toJobResponse(job))
}

// Get handles GET /jobs/{id} with result redaction.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	caller, jobID, err := h.callerAndJob(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	job, err := h.svc.Get(r.Context(), jobID, caller.AgentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

// List handles GET /jobs (the caller's jobs).
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		httpapi.WriteError(w, h.log, apperr.AuthFailed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	jobs, err := h.svc.List(r.Context(), caller.AgentID, limit, offset)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

type counterRequest struct {
	ProposedPrice    string          `json:"proposed_price"`
	CounterTerms     json.RawMessage `json:"counter_terms"`
	AcceptedTerms    json.RawMessage `json:"accepted_terms"`
	Message          string          `json:"message"`
	DeliveryDeadline *time.Time      `json:"delivery_deadline"`
	Requirements     json.RawMessage `json:"requirements"`
}

// Counter handles POST /jobs/{id}/counter.
func (h *Handler) Counter(w http.ResponseWriter, r *http.Request) {
	caller, jobID, err := h.callerAndJob(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	var req counterRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	price, err := decimal.NewFromString(req.ProposedPrice)
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Schema("proposed_price must be a decimal string"))
		return
	}
	job, err := h.svc.Counter(r.Context(), jobID, caller.AgentID, CounterParams{
		ProposedPrice:    price,
		CounterTerms:     req.CounterTerms,
		AcceptedTerms:    req.AcceptedTerms,
		Message:          req.Message,
		DeliveryDeadline: req.DeliveryDeadline,
		Requirements:     req.Requirements,
	})
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

type acceptRequest struct {
	AcceptanceCriteriaHash string `json:"acceptance_criteria_hash"`
}

// Accept handles POST /jobs/{id}/accept.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	caller, jobID, err := h.callerAndJob(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	var req acceptRequest
	if r.ContentLength != 0 {
		if err := httpapi.Decode(r, &req); err != nil {
			httpapi.WriteError(w, h.log, err)
			return
		}
	}
	job, err := h.svc.Accept(r.Context(), jobID, caller.AgentID, req.AcceptanceCriteriaHash)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

type escrowResponse struct {
	EscrowID      string     `json:"escrow_id"`
	JobID         string     `json:"job_id"`
	ClientAgentID string     `json:"client_agent_id"`
	SellerAgentID string     `json:"seller_agent_id"`
	Amount        string     `json:"amount"`
	Status        string     `json:"status"`
	FundedAt      *time.Time `json:"funded_at,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
}

// Fund handles POST /jobs/{id}/fund.
func (h *Handler) Fund(w http.ResponseWriter, r *http.Request) {
	caller, jobID, err := h.callerAndJob(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	esc, err := h.svc.Fund(r.Context(), jobID, caller.AgentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, escrowResponse{
		EscrowID:      esc.EscrowID.String(),
		JobID:         esc.JobID.String(),
		ClientAgentID: esc.ClientAgentID.String(),
		SellerAgentID: esc.SellerAgentID.String(),
		Amount:        esc.Amount.StringFixed(2),
		Status:        string(esc.Status),
		FundedAt:      esc.FundedAt,
		ReleasedAt:    esc.ReleasedAt,
	})
}

// Start handles POST /jobs/{id}/start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.svc.Start)
}

type deliverRequest struct {
	Result json.RawMessage `json:"result"`
}

type feeView struct {
	FeeType string `json:"fee_type"`
	Amount  string `json:"amount"`
	Detail  string `json:"detail"`
}

// Deliver handles POST /jobs/{id}/deliver.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	caller, jobID, err := h.callerAndJob(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	var req deliverRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	out, err := h.svc.Deliver(r.Context(), jobID, caller.AgentID, req.Result)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, struct {
		jobResponse
		FeeCharged feeView `json:"fee_charged"`
	}{
		jobResponse: toJobResponse(Redact(out.Job, caller.AgentID)),
		FeeCharged: feeView{
			FeeType: string(out.FeeCharged.FeeType),
			Amount:  out.FeeCharged.Amount.StringFixed(2),
			Detail:  out.FeeCharged.Detail,
		},
	})
}

// Verify handles POST /jobs/{id}/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	caller, jobID, err := h.callerAndJob(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	out, err := h.svc.Verify(r.Context(), jobID, caller.AgentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, struct {
		Job          jobResponse `json:"job"`
		Verification any         `json:"verification"`
		FeeCharged   feeView     `json:"fee_charged"`
	}{
		Job:          toJobResponse(Redact(out.Job, caller.AgentID)),
		Verification: out.Verification,
		FeeCharged: feeView{
			FeeType: string(out.FeeCharged.FeeType),
			Amount:  out.FeeCharged.Amount.StringFixed(2),
			Detail:  out.FeeCharged.Detail,
		},
	})
}

// Complete handles POST /jobs/{id}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.svc.Complete)
}

// Fail handles POST /jobs/{id}/fail.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.svc.Fail)
}

// Dispute handles POST /jobs/{id}/dispute.
func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.svc.Dispute)
}

func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, jobID, agentID uuid.UUID) (*models.Job, error)) {
	caller, jobID, err := h.callerAndJob(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	job, err := op(r.Context(), jobID, caller.AgentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toJobResponse(Redact(job, caller.AgentID)))
}

func (h *Handler) callerAndJob(r *http.Request) (*middleware.AuthenticatedAgent, uuid.UUID, error) {
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		return nil, uuid.Nil, apperr.AuthFailed
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, uuid.Nil, apperr.Validation("invalid job id")
	}
	return caller, jobID, nil
}
