package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositConfirming DepositStatus = "confirming"
	DepositCredited   DepositStatus = "credited"
	DepositFailed     DepositStatus = "failed"
)

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// DepositAddress maps an agent to its unique receive address. The
// derivation index is strictly increasing across all agents.
type DepositAddress struct {
	DepositAddressID uuid.UUID
	AgentID          uuid.UUID
	Address          string
	DerivationIndex  int64
	CreatedAt        time.Time
}

type DepositTransaction struct {
	DepositTxID   uuid.UUID
	AgentID       uuid.UUID
	TxHash        string
	FromAddress   string
	AmountUSDC    decimal.Decimal
	AmountCredits decimal.Decimal
	Confirmations int64
	BlockNumber   int64
	Status        DepositStatus
	DetectedAt    time.Time
	CreditedAt    *time.Time
}

type WithdrawalRequest struct {
	WithdrawalID       uuid.UUID
	AgentID            uuid.UUID
	Amount             decimal.Decimal
	Fee                decimal.Decimal
	NetPayout          decimal.Decimal
	DestinationAddress string
	Status             WithdrawalStatus
	TxHash             *string
	ErrorMessage       *string
	RequestedAt        time.Time
	ProcessedAt        *time.Time
}
