package listings

import (
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

type listingResponse struct {
	ListingID     string          `json:"listing_id"`
	SellerAgentID string          `json:"seller_agent_id"`
	SkillID       string          `json:"skill_id"`
	Description   string          `json:"description,omitempty"`
	PriceModel    string          `json:"price_model"`
	BasePrice     string          `json:"base_price"`
	Currency      string          `json:"currency"`
	SLA           json.RawMessage `json:"sla,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toListingResponse(l *models.Listing) listingResponse {
	return listingResponse{
		ListingID:     l.ListingID.String(),
		SellerAgentID: l.SellerAgentID.String(),
		SkillID:       l.SkillID,
		Description:   l.Description,
		PriceModel:    string(l.PriceModel),
		BasePrice:     l.BasePrice.StringFixed(2),
		Currency:      l.Currency,
		SLA:           l.SLA,
		Status:        string(l.Status),
		CreatedAt:     l.CreatedAt,
	}
}

type createRequest struct {
	SkillID     string          `json:"skill_id"`
	Description string          `json:"description"`
	PriceModel  string          `json:"price_model"`
	BasePrice   string          `json:"base_price"`
	Currency    string          `json:"currency"`
	SLA         json.RawMessage `json:"sla"`
}

// Create handles POST /listings.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		httpapi.WriteError(w, h.log, apperr.AuthFailed)
		return
	}
	var req createRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	price, err := decimal.NewFromString(req.BasePrice)
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Schema("base_price must be a decimal string"))
		return
	}
	listing, err := h.svc.Create(r.Context(), caller.AgentID, CreateParams{
		SkillID:     req.SkillID,
		Description: req.Description,
		PriceModel:  req.PriceModel,
		BasePrice:   price,
		Currency:    req.Currency,
		SLA:         req.SLA,
	})
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, toListingResponse(listing))
}

// Get handles GET /listings/{id} (public).
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	listingID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Validation("invalid listing id"))
		return
	}
	listing, err := h.svc.Get(r.Context(), listingID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toListingResponse(listing))
}

type updateListingRequest struct {
	Description *string         `json:"description"`
	PriceModel  *string         `json:"price_model"`
	BasePrice   *string         `json:"base_price"`
	Currency    *string         `json:"currency"`
	SLA         json.RawMessage `json:"sla"`
	Status      *string         `json:"status"`
}

// Update handles PATCH /listings/{id}; seller only.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		httpapi.WriteError(w, h.log, apperr.AuthFailed)
		return
	}
	listingID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Validation("invalid listing id"))
		return
	}
	var req updateListingRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	params := UpdateParams{
		Description: req.Description,
		PriceModel:  req.PriceModel,
		Currency:    req.Currency,
		SLA:         req.SLA,
		Status:      req.Status,
	}
	if req.BasePrice != nil {
		price, err := decimal.NewFromString(*req.BasePrice)
		if err != nil {
			httpapi.WriteError(w, h.log, apperr.Schema("base_price must be a decimal string"))
			return
		}
		params.BasePrice = &price
	}
	listing, err := h.svc.Update(r.Context(), listingID, caller.AgentID, params)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toListingResponse(listing))
}

// Browse handles GET /listings (public, unranked).
func (h *Handler) Browse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	listings, err := h.svc.Browse(r.Context(), q.Get("skill_id"), limit, offset)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	out := make([]listingResponse, len(listings))
	for i, l := range listings {
		out[i] = toListingResponse(l)
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

type discoverResponse struct {
	listingResponse
	SellerDisplayName string `json:"seller_display_name"`
	SellerReputation  string `json:"seller_reputation"`
}

// Discover handles GET /discover (public, ranked).
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := DiscoverFilter{
		SkillID:    q.Get("skill_id"),
		PriceModel: q.Get("price_model"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if v := q.Get("min_rating"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			httpapi.WriteError(w, h.log, apperr.Validation("min_rating must be a decimal"))
			return
		}
		filter.MinRating = &d
	}
	if v := q.Get("max_price"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			httpapi.WriteError(w, h.log, apperr.Validation("max_price must be a decimal"))
			return
		}
		filter.MaxPrice = &d
	}

	rows, err := h.svc.Discover(r.Context(), filter)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	out := make([]discoverResponse, len(rows))
	for i, row := range rows {
		out[i] = discoverResponse{
			listingResponse:   toListingResponse(&row.Listing),
			SellerDisplayName: row.SellerName,
			SellerReputation:  row.SellerReputation.StringFixed(2),
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}
