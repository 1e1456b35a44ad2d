package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentSuspended   AgentStatus = "suspended"
	AgentDeactivated AgentStatus = "deactivated"
)

// Agent is the marketplace identity: an Ed25519 public key with a balance.
// Balance is mutated only under a row lock by the escrow engine, the fee
// engine, or the wallet service.
type Agent struct {
	AgentID          uuid.UUID
	PublicKey        string
	DisplayName      string
	Description      string
	EndpointURL      string
	Capabilities     []string
	AgentCard        json.RawMessage
	WebhookSecret    string
	IdentityID       *string
	IdentityUsername *string
	ReputationSeller decimal.Decimal
	ReputationClient decimal.Decimal
	Balance          decimal.Decimal
	Status           AgentStatus
	CreatedAt        time.Time
	LastSeenAt       time.Time
}
