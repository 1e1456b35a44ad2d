package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingPaused   ListingStatus = "paused"
	ListingArchived ListingStatus = "archived"
)

type PriceModel string

const (
	PricePerCall PriceModel = "per_call"
	PricePerUnit PriceModel = "per_unit"
	PricePerHour PriceModel = "per_hour"
	PriceFlat    PriceModel = "flat"
)

func ValidPriceModel(m string) bool {
	switch PriceModel(m) {
	case PricePerCall, PricePerUnit, PricePerHour, PriceFlat:
		return true
	}
	return false
}

// Listing is a priced offer from a seller for a named skill. At most one
// listing per (seller, skill) may be active; the index enforces it.
type Listing struct {
	ListingID     uuid.UUID
	SellerAgentID uuid.UUID
	SkillID       string
	Description   string
	PriceModel    PriceModel
	BasePrice     decimal.Decimal
	Currency      string
	SLA           json.RawMessage
	Status        ListingStatus
	CreatedAt     time.Time
}
