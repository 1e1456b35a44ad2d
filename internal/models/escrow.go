package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

type EscrowAction string

const (
	EscrowActionCreated  EscrowAction = "created"
	EscrowActionFunded   EscrowAction = "funded"
	EscrowActionReleased EscrowAction = "released"
	EscrowActionRefunded EscrowAction = "refunded"
	EscrowActionDisputed EscrowAction = "disputed"
	EscrowActionResolved EscrowAction = "resolved"
	EscrowActionCredited EscrowAction = "credited"
)

// EscrowAccount locks the agreed price of one job.
type EscrowAccount struct {
	EscrowID      uuid.UUID
	JobID         uuid.UUID
	ClientAgentID uuid.UUID
	SellerAgentID uuid.UUID
	Amount        decimal.Decimal
	Status        EscrowStatus
	FundedAt      *time.Time
	ReleasedAt    *time.Time
}

// EscrowAuditEntry is append-only: written in the same transaction as the
// state change it records, never updated or deleted.
type EscrowAuditEntry struct {
	AuditID      uuid.UUID
	EscrowID     uuid.UUID
	Action       EscrowAction
	ActorAgentID *uuid.UUID
	Amount       decimal.Decimal
	Metadata     json.RawMessage
	CreatedAt    time.Time
}
