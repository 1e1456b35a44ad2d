package listings

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const listingColumns = `
	listing_id, seller_agent_id, skill_id, description, price_model,
	base_price::text, currency, sla, status, created_at`

func (r *Repository) Create(ctx context.Context, l *models.Listing) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO listings (listing_id, seller_agent_id, skill_id, description, price_model, base_price, currency, sla, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.ListingID, l.SellerAgentID, l.SkillID, l.Description, l.PriceModel,
		l.BasePrice.StringFixed(2), l.Currency, nullableJSON(l.SLA), l.Status)
	return err
}

func (r *Repository) GetByID(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE listing_id = $1`, listingID)
	return scanListing(row)
}

func (r *Repository) Update(ctx context.Context, l *models.Listing) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE listings SET description = $1, price_model = $2, base_price = $3, currency = $4, sla = $5, status = $6
		WHERE listing_id = $7
	`, l.Description, l.PriceModel, l.BasePrice.StringFixed(2), l.Currency, nullableJSON(l.SLA), l.Status, l.ListingID)
	return err
}

// Browse returns active listings, optionally filtered by skill substring.
func (r *Repository) Browse(ctx context.Context, skillID string, limit, offset int) ([]*models.Listing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status = $1 AND ($2 = '' OR skill_id ILIKE '%' || $2 || '%')
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, models.ListingActive, skillID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DiscoverRow joins a listing with its seller's reputation for ranking.
type DiscoverRow struct {
	Listing          models.Listing
	SellerName       string
	SellerReputation decimal.Decimal
	SellerCard       json.RawMessage
}

// DiscoverFilter narrows the candidate set before ranking.
type DiscoverFilter struct {
	SkillID    string
	MinRating  *decimal.Decimal
	MaxPrice   *decimal.Decimal
	PriceModel string
	Limit      int
	Offset     int
}

// Discover fetches active listings of active sellers matching the filter,
// ranked by (reputation desc, price asc, listing_id asc) for a stable
// order.
func (r *Repository) Discover(ctx context.Context, f DiscoverFilter) ([]*DiscoverRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT l.listing_id, l.seller_agent_id, l.skill_id, l.description, l.price_model,
		       l.base_price::text, l.currency, l.sla, l.status, l.created_at,
		       a.display_name, a.reputation_seller::text, a.agent_card
		FROM listings l
		JOIN agents a ON a.agent_id = l.seller_agent_id
		WHERE l.status = $1 AND a.status = $2
		  AND ($3 = '' OR l.skill_id ILIKE '%' || $3 || '%')
		  AND ($4::numeric IS NULL OR a.reputation_seller >= $4)
		  AND ($5::numeric IS NULL OR l.base_price <= $5)
		  AND ($6 = '' OR l.price_model = $6)
		ORDER BY a.reputation_seller DESC, l.base_price ASC, l.listing_id ASC
		LIMIT $7 OFFSET $8
	`, models.ListingActive, models.AgentActive,
		f.SkillID, decimalOrNil(f.MinRating), decimalOrNil(f.MaxPrice), f.PriceModel,
		f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DiscoverRow
	for rows.Next() {
		var d DiscoverRow
		var price, reputation string
		if err := rows.Scan(
			&d.Listing.ListingID, &d.Listing.SellerAgentID, &d.Listing.SkillID, &d.Listing.Description,
			&d.Listing.PriceModel, &price, &d.Listing.Currency, &d.Listing.SLA, &d.Listing.Status,
			&d.Listing.CreatedAt, &d.SellerName, &reputation, &d.SellerCard,
		); err != nil {
			return nil, err
		}
		if d.Listing.BasePrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if d.SellerReputation, err = decimal.NewFromString(reputation); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// HasActiveForSkill backs the one-active-listing-per-skill invariant
// check; the partial unique index is the authoritative enforcement.
func (r *Repository) HasActiveForSkill(ctx context.Context, sellerAgentID uuid.UUID, skillID string) (bool, error) {
	var exists bool
	row := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM listings WHERE seller_agent_id = $1 AND skill_id = $2 AND status = $3
		)
	`, sellerAgentID, skillID, models.ListingActive)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	var price string
	if err := row.Scan(&l.ListingID, &l.SellerAgentID, &l.SkillID, &l.Description, &l.PriceModel,
		&price, &l.Currency, &l.SLA, &l.Status, &l.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if l.BasePrice, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	return &l, nil
}

func decimalOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.StringFixed(2)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
