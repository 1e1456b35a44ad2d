// Package listings manages service offerings and the ranked discovery
// surface.
package listings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/agents"
	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/validate"
)

// Store is the repository surface; implemented by *Repository.
type Store interface {
	Create(ctx context.Context, l *models.Listing) error
	GetByID(ctx context.Context, listingID uuid.UUID) (*models.Listing, error)
	Update(ctx context.Context, l *models.Listing) error
	Browse(ctx context.Context, skillID string, limit, offset int) ([]*models.Listing, error)
	Discover(ctx context.Context, f DiscoverFilter) ([]*DiscoverRow, error)
	HasActiveForSkill(ctx context.Context, sellerAgentID uuid.UUID, skillID string) (bool, error)
}

// Sellers resolves the seller for card-based skill validation.
type Sellers interface {
	GetByID(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
}

type Service struct {
	repo    Store
	sellers Sellers
	log     *slog.Logger
}

func NewService(repo Store, sellers Sellers, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, sellers: sellers, log: log}
}

// CreateParams is a validated listing creation request.
type CreateParams struct {
	SkillID     string
	Description string
	PriceModel  string
	BasePrice   decimal.Decimal
	Currency    string
	SLA         json.RawMessage
}

// Create adds a listing for the seller. When the seller has a cached
// agent card, skill_id must be one of the card's skills. At most one
// active listing per (seller, skill) — enforced by a partial unique
// index, surfaced as a conflict.
func (s *Service) Create(ctx context.Context, sellerAgentID uuid.UUID, p CreateParams) (*models.Listing, error) {
	if err := validate.Tag(p.SkillID); err != nil {
		return nil, apperr.Schema("skill_id: " + err.Error())
	}
	if err := validate.Text("description", p.Description, validate.MaxDescription); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if !models.ValidPriceModel(p.PriceModel) {
		return nil, apperr.Schema("price_model must be one of per_call, per_unit, per_hour, flat")
	}
	if err := validate.Amount(p.BasePrice); err != nil {
		return nil, apperr.Schema("base_price: " + err.Error())
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	seller, err := s.sellers.GetByID(ctx, sellerAgentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Forbidden("agent not found or not active")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load seller", err)
	}
	if seller.Status != models.AgentActive {
		return nil, apperr.Forbidden("agent not found or not active")
	}
	if len(seller.AgentCard) > 0 {
		if skills := agents.CardSkillIDs(seller.AgentCard); len(skills) > 0 && !skills[p.SkillID] {
			return nil, apperr.Newf(apperr.KindSchema, "skill_id %q not found in the agent card's skills", p.SkillID)
		}
	}

	if exists, err := s.repo.HasActiveForSkill(ctx, sellerAgentID, p.SkillID); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "check active listing", err)
	} else if exists {
		return nil, apperr.Conflict("an active listing for this skill already exists")
	}

	listing := &models.Listing{
		ListingID:     uuid.New(),
		SellerAgentID: sellerAgentID,
		SkillID:       p.SkillID,
		Description:   p.Description,
		PriceModel:    models.PriceModel(p.PriceModel),
		BasePrice:     p.BasePrice,
		Currency:      p.Currency,
		SLA:           p.SLA,
		Status:        models.ListingActive,
	}
	if err := s.repo.Create(ctx, listing); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperr.Conflict("an active listing for this skill already exists")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "create listing", err)
	}
	s.log.Info("listing created", "listing_id", listing.ListingID, "seller", sellerAgentID, "skill", p.SkillID)
	return listing, nil
}

func (s *Service) Get(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	listing, err := s.repo.GetByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("listing not found")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load listing", err)
	}
	return listing, nil
}

// UpdateParams carries optional listing mutations; nil means unchanged.
type UpdateParams struct {
	Description *string
	PriceModel  *string
	BasePrice   *decimal.Decimal
	Currency    *string
	SLA         json.RawMessage
	Status      *string
}

// Update mutates the seller's own listing.
func (s *Service) Update(ctx context.Context, listingID, sellerAgentID uuid.UUID, p UpdateParams) (*models.Listing, error) {
	listing, err := s.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerAgentID != sellerAgentID {
		return nil, apperr.Forbidden("can only update own listings")
	}

	if p.Description != nil {
		if err := validate.Text("description", *p.Description, validate.MaxDescription); err != nil {
			return nil, apperr.Schema(err.Error())
		}
		listing.Description = *p.Description
	}
	if p.PriceModel != nil {
		if !models.ValidPriceModel(*p.PriceModel) {
			return nil, apperr.Schema("price_model must be one of per_call, per_unit, per_hour, flat")
		}
		listing.PriceModel = models.PriceModel(*p.PriceModel)
	}
	if p.BasePrice != nil {
		if err := validate.Amount(*p.BasePrice); err != nil {
			return nil, apperr.Schema("base_price: " + err.Error())
		}
		listing.BasePrice = *p.BasePrice
	}
	if p.Currency != nil {
		listing.Currency = *p.Currency
	}
	if len(p.SLA) > 0 {
		listing.SLA = p.SLA
	}
	if p.Status != nil {
		switch models.ListingStatus(*p.Status) {
		case models.ListingActive, models.ListingPaused, models.ListingArchived:
			if models.ListingStatus(*p.Status) == models.ListingActive && listing.Status != models.ListingActive {
				if exists, err := s.repo.HasActiveForSkill(ctx, sellerAgentID, listing.SkillID); err != nil {
					return nil, apperr.Wrap(apperr.KindDependency, "check active listing", err)
				} else if exists {
					return nil, apperr.Conflict("an active listing for this skill already exists")
				}
			}
			listing.Status = models.ListingStatus(*p.Status)
		default:
			return nil, apperr.Schema("status must be one of active, paused, archived")
		}
	}

	if err := s.repo.Update(ctx, listing); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperr.Conflict("an active listing for this skill already exists")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "update listing", err)
	}
	return listing, nil
}

// Browse lists active listings without ranking.
func (s *Service) Browse(ctx context.Context, skillID string, limit, offset int) ([]*models.Listing, error) {
	limit = clampLimit(limit)
	out, err := s.repo.Browse(ctx, skillID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "browse listings", err)
	}
	return out, nil
}

// Discover returns ranked listings with seller reputation attached.
func (s *Service) Discover(ctx context.Context, f DiscoverFilter) ([]*DiscoverRow, error) {
	f.Limit = clampLimit(f.Limit)
	if f.PriceModel != "" && !models.ValidPriceModel(f.PriceModel) {
		return nil, apperr.Schema("price_model must be one of per_call, per_unit, per_hour, flat")
	}
	out, err := s.repo.Discover(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "discover listings", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
