// Package fees computes the three marketplace fees and charges them
// against agent balances. All arithmetic is fixed-point decimal, rounded
// half-up to two fractional digits.
package fees

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/config"
)

type FeeType string

const (
	FeeVerification FeeType = "verification"
	FeeStorage      FeeType = "storage"
	FeeBaseClient   FeeType = "base_client"
	FeeBaseSeller   FeeType = "base_seller"
)

// Breakdown is one itemized charge.
type Breakdown struct {
	FeeType FeeType         `json:"fee_type"`
	Amount  decimal.Decimal `json:"amount"`
	Detail  string          `json:"detail"`
}

// BalanceRepo is the slice of the agents repository the fee engine needs:
// lock the row, then mutate the balance inside the caller's transaction.
type BalanceRepo interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (balance decimal.Decimal, err error)
	AdjustBalance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, delta decimal.Decimal) error
}

type Engine struct {
	cfg      config.Config
	balances BalanceRepo
}

func NewEngine(cfg config.Config, balances BalanceRepo) *Engine {
	return &Engine{cfg: cfg, balances: balances}
}

var two = decimal.NewFromInt(2)
var kb = decimal.NewFromInt(1024)

// Verification returns the client's fee for a verification run:
// max(minimum, cpu_seconds × per_cpu_second). Charged regardless of the
// verification outcome so heavy scripts cannot be replayed for free.
func (e *Engine) Verification(cpuSeconds float64) Breakdown {
	computed := decimal.NewFromFloat(cpuSeconds).Mul(e.cfg.FeeVerifyPerCPUSecond).Round(2)
	amount := decimal.Max(computed, e.cfg.FeeVerifyMinimum)
	return Breakdown{
		FeeType: FeeVerification,
		Amount:  amount,
		Detail: fmt.Sprintf("Verification compute: %.1fs × $%s/s (min $%s)",
			cpuSeconds, e.cfg.FeeVerifyPerCPUSecond, e.cfg.FeeVerifyMinimum),
	}
}

// Storage returns the seller's fee for persisting a deliverable of the
// given serialized size: max(minimum, ceil(bytes/1024) × per_kb).
func (e *Engine) Storage(sizeBytes int) Breakdown {
	kbCount := decimal.NewFromInt(int64(sizeBytes)).Div(kb).Ceil()
	computed := kbCount.Mul(e.cfg.FeeStoragePerKB).Round(2)
	amount := decimal.Max(computed, e.cfg.FeeStorageMinimum)
	return Breakdown{
		FeeType: FeeStorage,
		Amount:  amount,
		Detail: fmt.Sprintf("Deliverable storage: %d bytes × $%s/KB (min $%s)",
			sizeBytes, e.cfg.FeeStoragePerKB, e.cfg.FeeStorageMinimum),
	}
}

// Base splits the marketplace fee on the agreed price 50/50. The seller's
// share is half the total rounded to the cent (half away from zero) and the
// client's share is the remainder, so an odd cent goes to the seller and the
// two shares sum to the total exactly.
func (e *Engine) Base(agreedPrice decimal.Decimal) (client, seller Breakdown) {
	total := agreedPrice.Mul(e.cfg.FeeBasePercent).Round(2)
	sellerShare := total.Div(two).Round(2)
	clientShare := total.Sub(sellerShare)

	halfPct := e.cfg.FeeBasePercent.Mul(decimal.NewFromInt(100)).Div(two)
	client = Breakdown{
		FeeType: FeeBaseClient,
		Amount:  clientShare,
		Detail:  fmt.Sprintf("Marketplace fee (client share): %s%% of $%s", halfPct, agreedPrice),
	}
	seller = Breakdown{
		FeeType: FeeBaseSeller,
		Amount:  sellerShare,
		Detail:  fmt.Sprintf("Marketplace fee (seller share): %s%% of $%s", halfPct, agreedPrice),
	}
	return client, seller
}

// Charge deducts a fee from the agent inside tx, locking the balance row
// first. Insufficient balance is a state conflict, not a payment error.
func (e *Engine) Charge(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, fee Breakdown) error {
	balance, err := e.balances.GetForUpdate(ctx, tx, agentID)
	if err != nil {
		return err
	}
	if balance.LessThan(fee.Amount) {
		return apperr.Newf(apperr.KindConflict,
			"insufficient balance for %s fee: balance $%s, fee $%s", fee.FeeType, balance, fee.Amount)
	}
	return e.balances.AdjustBalance(ctx, tx, agentID, fee.Amount.Neg())
}

// Schedule renders the current fee schedule for agents to factor into
// negotiation.
func (e *Engine) Schedule() map[string]any {
	pct := e.cfg.FeeBasePercent.Mul(decimal.NewFromInt(100))
	return map[string]any{
		"version": "2.0",
		"note": "Both parties pay fees proportional to the resources they consume. " +
			"Factor these into your negotiation — the agreed price is not the total cost.",
		"base_marketplace_fee": map[string]any{
			"rate_percent": pct.String(),
			"split":        "50/50 between client and seller",
			"charged_at":   "Escrow resolution (release and refund)",
		},
		"verification_compute_fee": map[string]any{
			"rate_per_cpu_second": e.cfg.FeeVerifyPerCPUSecond.String(),
			"minimum":             e.cfg.FeeVerifyMinimum.String(),
			"charged_to":          "Client (triggers verification)",
			"charged_at":          "Each verify call, even if verification fails",
		},
		"deliverable_storage_fee": map[string]any{
			"rate_per_kb": e.cfg.FeeStoragePerKB.String(),
			"minimum":     e.cfg.FeeStorageMinimum.String(),
			"charged_to":  "Seller (submits deliverable)",
			"charged_at":  "Each deliver call",
		},
	}
}
