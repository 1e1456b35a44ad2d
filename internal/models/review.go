package models

import (
	"time"

	"github.com/google/uuid"
)

type ReviewRole string

const (
	RoleClientOfSeller ReviewRole = "client_of_seller"
	RoleSellerOfClient ReviewRole = "seller_of_client"
)

// Review is one rating of the counterparty on a finished job; unique per
// (job, reviewer).
type Review struct {
	ReviewID        uuid.UUID
	JobID           uuid.UUID
	ReviewerAgentID uuid.UUID
	RevieweeAgentID uuid.UUID
	Role            ReviewRole
	Rating          int
	Tags            []string
	Comment         string
	CreatedAt       time.Time
}
