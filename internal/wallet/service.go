// Package wallet bridges the credit ledger to USDC on chain: per-agent
// deposit addresses, confirmation-gated crediting, and withdrawal
// processing with immediate debit.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/models"
)

// ErrInsufficientBalance is returned when a withdrawal exceeds the
// balance after the row lock is held.
var ErrInsufficientBalance = errors.New("insufficient balance")

// usdcDecimals converts between 2-dp credits and 6-dp raw USDC units.
const usdcDecimals = 6

// Store is the repository surface; implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetDepositAddress(ctx context.Context, agentID uuid.UUID) (*models.DepositAddress, error)
	NextDerivationIndex(ctx context.Context, tx pgx.Tx) (int64, error)
	InsertDepositAddress(ctx context.Context, tx pgx.Tx, a *models.DepositAddress) error

	GetDepositByHash(ctx context.Context, txHash string) (*models.DepositTransaction, error)
	GetDeposit(ctx context.Context, depositTxID uuid.UUID) (*models.DepositTransaction, error)
	InsertDeposit(ctx context.Context, d *models.DepositTransaction) error
	SetDepositConfirmations(ctx context.Context, depositTxID uuid.UUID, confirmations int64) error
	CreditDeposit(ctx context.Context, depositTxID uuid.UUID, creditedAt time.Time) (bool, error)
	MarkDepositFailed(ctx context.Context, depositTxID uuid.UUID) error
	ListDepositsByStatus(ctx context.Context, status models.DepositStatus) ([]*models.DepositTransaction, error)
	DepositHistory(ctx context.Context, agentID uuid.UUID) ([]*models.DepositTransaction, error)

	CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*models.WithdrawalRequest, error)
	ClaimWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (bool, error)
	SetWithdrawalTxHash(ctx context.Context, withdrawalID uuid.UUID, txHash string) error
	CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID, processedAt time.Time) error
	FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, errorMessage string, processedAt time.Time) error
	RequeueWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error
	ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error)
	WithdrawalHistory(ctx context.Context, agentID uuid.UUID) ([]*models.WithdrawalRequest, error)
	PendingWithdrawalTotal(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error)
	AgentBalance(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error)
}

// Enqueuer schedules the confirmation and processing workers.
type Enqueuer interface {
	EnqueueConfirmDeposit(ctx context.Context, depositTxID uuid.UUID) error
	EnqueueProcessWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error
}

type Service struct {
	cfg     config.Config
	store   Store
	chain   Chain
	secrets Secrets
	queue   Enqueuer
	log     *slog.Logger
	now     func() time.Time
}

func NewService(cfg config.Config, store Store, chain Chain, secrets Secrets, queue Enqueuer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, store: store, chain: chain, secrets: secrets, queue: queue, log: log, now: time.Now}
}

// DepositAddress returns the agent's receive address, deriving one at the
// next index on first use.
func (s *Service) DepositAddress(ctx context.Context, agentID uuid.UUID) (*models.DepositAddress, error) {
	if existing, err := s.store.GetDepositAddress(ctx, agentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Wrap(apperr.KindDependency, "load deposit address", err)
	}

	seed, err := s.secrets.Get(SecretMasterSeed)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "wallet not configured", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	index, err := s.store.NextDerivationIndex(ctx, tx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "reserve derivation index", err)
	}
	address, err := DeriveAddress(seed, index)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "derive address", err)
	}
	addr := &models.DepositAddress{
		DepositAddressID: uuid.New(),
		AgentID:          agentID,
		Address:          address,
		DerivationIndex:  index,
	}
	if err := s.store.InsertDepositAddress(ctx, tx, addr); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "insert deposit address", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit", err)
	}
	s.log.Info("deposit address derived", "agent_id", agentID, "index", index)
	return addr, nil
}

// NotifyDeposit verifies the transaction is a USDC transfer to the
// agent's address, records it, and starts the confirmation poller.
// Duplicate hashes return the existing row.
func (s *Service) NotifyDeposit(ctx context.Context, agentID uuid.UUID, txHash string) (*models.DepositTransaction, error) {
	if existing, err := s.store.GetDepositByHash(ctx, txHash); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Wrap(apperr.KindDependency, "check duplicate deposit", err)
	}

	addr, err := s.store.GetDepositAddress(ctx, agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("no deposit address found for this agent")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load deposit address", err)
	}

	if s.chain == nil {
		return nil, apperr.New(apperr.KindDependency, "wallet infrastructure is not configured")
	}
	info, err := s.chain.TransactionInfo(ctx, txHash)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "fetch transaction", err)
	}
	if !info.Mined {
		return nil, apperr.NotFound("transaction not found on chain")
	}
	if !info.Succeeded {
		return nil, apperr.Validation("transaction reverted on chain")
	}

	var matched *Transfer
	for i := range info.Transfers {
		if strings.EqualFold(info.Transfers[i].To, addr.Address) {
			matched = &info.Transfers[i]
			break
		}
	}
	if matched == nil {
		return nil, apperr.Validation("transaction does not contain a USDC transfer to the deposit address")
	}

	amountUSDC := decimal.NewFromBigInt(matched.Value, -usdcDecimals)
	credits := amountUSDC.Round(2)
	if credits.LessThan(s.cfg.MinDepositAmount) {
		return nil, apperr.Newf(apperr.KindValidation, "deposit %s is below the minimum of %s", credits, s.cfg.MinDepositAmount)
	}

	deposit := &models.DepositTransaction{
		DepositTxID:   uuid.New(),
		AgentID:       agentID,
		TxHash:        txHash,
		FromAddress:   matched.From,
		AmountUSDC:    amountUSDC,
		AmountCredits: credits,
		BlockNumber:   int64(info.BlockNumber),
		Status:        models.DepositConfirming,
	}
	if err := s.store.InsertDeposit(ctx, deposit); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "insert deposit", err)
	}
	if err := s.queue.EnqueueConfirmDeposit(ctx, deposit.DepositTxID); err != nil {
		s.log.Error("enqueue deposit confirmation failed; boot reconciliation will retry",
			"deposit_tx_id", deposit.DepositTxID, "error", err)
	}
	s.log.Info("deposit registered", "tx_hash", txHash, "agent_id", agentID,
		"amount_usdc", amountUSDC, "confirmations_required", s.cfg.DepositConfirmations)
	return deposit, nil
}

// CheckDeposit is the confirmation poller body: returns done=false while
// more confirmations are needed.
func (s *Service) CheckDeposit(ctx context.Context, depositTxID uuid.UUID) (done bool, err error) {
	deposit, err := s.store.GetDeposit(ctx, depositTxID)
	if err != nil {
		return false, err
	}
	if deposit.Status != models.DepositConfirming {
		return true, nil
	}

	if s.chain == nil {
		return false, errors.New("wallet infrastructure is not configured")
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	confirmations := int64(head) - deposit.BlockNumber + 1
	if confirmations < 0 {
		confirmations = 0
	}
	if err := s.store.SetDepositConfirmations(ctx, depositTxID, confirmations); err != nil {
		return false, err
	}
	if confirmations < s.cfg.DepositConfirmations {
		return false, nil
	}

	credited, err := s.store.CreditDeposit(ctx, depositTxID, s.now().UTC())
	if err != nil {
		return false, err
	}
	if credited {
		s.log.Info("deposit credited", "deposit_tx_id", depositTxID,
			"agent_id", deposit.AgentID, "amount", deposit.AmountCredits, "confirmations", confirmations)
	}
	return true, nil
}

// RequestWithdrawal debits the balance immediately and queues the
// on-chain payout of amount − fee.
func (s *Service) RequestWithdrawal(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal, destinationAddress string) (*models.WithdrawalRequest, error) {
	fee := s.cfg.WithdrawalFlatFee
	netPayout := amount.Sub(fee)
	if !netPayout.IsPositive() {
		return nil, apperr.Newf(apperr.KindSchema, "withdrawal amount must exceed the %s fee", fee)
	}
	if amount.LessThan(s.cfg.MinWithdrawalAmount) {
		return nil, apperr.Newf(apperr.KindSchema, "minimum withdrawal is %s", s.cfg.MinWithdrawalAmount)
	}
	if amount.GreaterThan(s.cfg.MaxWithdrawalAmount) {
		return nil, apperr.Newf(apperr.KindSchema, "maximum withdrawal is %s", s.cfg.MaxWithdrawalAmount)
	}
	if destinationAddress == "" {
		return nil, apperr.Schema("destination_address is required")
	}

	w := &models.WithdrawalRequest{
		WithdrawalID:       uuid.New(),
		AgentID:            agentID,
		Amount:             amount,
		Fee:                fee,
		NetPayout:          netPayout,
		DestinationAddress: destinationAddress,
		Status:             models.WithdrawalPending,
	}
	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return nil, apperr.Conflict("insufficient balance for withdrawal")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("agent not found")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "create withdrawal", err)
	}
	if err := s.queue.EnqueueProcessWithdrawal(ctx, w.WithdrawalID); err != nil {
		s.log.Error("enqueue withdrawal processing failed; boot reconciliation will retry",
			"withdrawal_id", w.WithdrawalID, "error", err)
	}
	s.log.Info("withdrawal requested", "withdrawal_id", w.WithdrawalID,
		"agent_id", agentID, "amount", amount, "net_payout", netPayout)
	return w, nil
}

// ProcessWithdrawal broadcasts one pending withdrawal. Any broadcast error,
// a missing treasury key or a missing chain client refunds the debit and
// marks the row failed. An error while recording the tx hash or the
// completion is returned and the row stays processing.
func (s *Service) ProcessWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error {
	claimed, err := s.store.ClaimWithdrawal(ctx, withdrawalID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	w, err := s.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return err
	}
	treasuryKey, err := s.secrets.Get(SecretTreasuryKey)
	if err != nil {
		// No treasury key is terminal for this attempt: refund.
		return s.store.FailWithdrawal(ctx, withdrawalID, "treasury wallet not configured", s.now().UTC())
	}

	if s.chain == nil {
		return s.store.FailWithdrawal(ctx, withdrawalID, "wallet infrastructure is not configured", s.now().UTC())
	}
	raw := w.NetPayout.Shift(usdcDecimals).BigInt()
	txHash, err := s.chain.SendUSDC(ctx, treasuryKey, w.DestinationAddress, raw)
	if err != nil {
		s.log.Error("withdrawal broadcast failed", "withdrawal_id", withdrawalID, "error", err)
		return s.store.FailWithdrawal(ctx, withdrawalID, truncateErr(err), s.now().UTC())
	}
	if err := s.store.SetWithdrawalTxHash(ctx, withdrawalID, txHash); err != nil {
		return err
	}
	if err := s.store.CompleteWithdrawal(ctx, withdrawalID, s.now().UTC()); err != nil {
		return err
	}
	s.log.Info("withdrawal completed", "withdrawal_id", withdrawalID, "tx_hash", txHash, "net_payout", w.NetPayout)
	return nil
}

// Balances returns (balance, available, pending) for display. Balance
// already reflects immediate withdrawal debits; pending is informational.
func (s *Service) Balances(ctx context.Context, agentID uuid.UUID) (balance, available, pending decimal.Decimal, err error) {
	balance, err = s.store.AgentBalance(ctx, agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, decimal.Zero, decimal.Zero, apperr.NotFound("agent not found")
		}
		return decimal.Zero, decimal.Zero, decimal.Zero, apperr.Wrap(apperr.KindDependency, "load balance", err)
	}
	pending, err = s.store.PendingWithdrawalTotal(ctx, agentID)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, apperr.Wrap(apperr.KindDependency, "sum withdrawals", err)
	}
	return balance, balance, pending, nil
}

func (s *Service) DepositHistory(ctx context.Context, agentID uuid.UUID) ([]*models.DepositTransaction, error) {
	return s.store.DepositHistory(ctx, agentID)
}

func (s *Service) WithdrawalHistory(ctx context.Context, agentID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	return s.store.WithdrawalHistory(ctx, agentID)
}

// Reconcile heals in-flight wallet work on boot: confirming deposits are
// re-polled and processing withdrawals resolved against the chain, so a
// crash never orphans money movement.
func (s *Service) Reconcile(ctx context.Context) error {
	if s.chain == nil {
		s.log.Info("wallet reconciliation skipped: chain not configured")
		return nil
	}
	deposits, err := s.store.ListDepositsByStatus(ctx, models.DepositConfirming)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		if err := s.queue.EnqueueConfirmDeposit(ctx, d.DepositTxID); err != nil {
			return err
		}
	}

	withdrawals, err := s.store.ListWithdrawalsByStatus(ctx, models.WithdrawalProcessing)
	if err != nil {
		return err
	}
	for _, w := range withdrawals {
		if err := s.reconcileWithdrawal(ctx, w); err != nil {
			s.log.Error("reconcile withdrawal failed", "withdrawal_id", w.WithdrawalID, "error", err)
		}
	}

	pending, err := s.store.ListWithdrawalsByStatus(ctx, models.WithdrawalPending)
	if err != nil {
		return err
	}
	for _, w := range pending {
		if err := s.queue.EnqueueProcessWithdrawal(ctx, w.WithdrawalID); err != nil {
			return err
		}
	}

	s.log.Info("wallet state reconciled",
		"confirming_deposits", len(deposits),
		"processing_withdrawals", len(withdrawals),
		"pending_withdrawals", len(pending))
	return nil
}

func (s *Service) reconcileWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	if w.TxHash == nil {
		// Never broadcast: safe to retry from scratch.
		if err := s.store.RequeueWithdrawal(ctx, w.WithdrawalID); err != nil {
			return err
		}
		return s.queue.EnqueueProcessWithdrawal(ctx, w.WithdrawalID)
	}
	info, err := s.chain.TransactionInfo(ctx, *w.TxHash)
	if err != nil {
		return err
	}
	switch {
	case info.Mined && info.Succeeded:
		return s.store.CompleteWithdrawal(ctx, w.WithdrawalID, s.now().UTC())
	case info.Mined && !info.Succeeded:
		return s.store.FailWithdrawal(ctx, w.WithdrawalID, "transaction reverted on chain", s.now().UTC())
	default:
		// Still in the mempool: leave it processing; the next boot or an
		// operator resolves it once mined.
		return nil
	}
}

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return msg
}
