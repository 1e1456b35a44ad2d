// Package escrow is the ledger engine: double-spend-safe funding, release
// and refund of per-job escrow, with an append-only audit trail written in
// the same transaction as every state change.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/fees"
	"github.com/agentbazaar/backend/internal/models"
)

// RefundCause records why escrow went back to the client.
type RefundCause string

const (
	CauseFailed       RefundCause = "failed"
	CauseCancelled    RefundCause = "cancelled"
	CauseDeadline     RefundCause = "deadline"
	CauseDeactivation RefundCause = "deactivation"
)

// Store is the persistence surface the engine drives. Implemented by
// *Repository; stubbed in tests.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetJobForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error)
	SetJobStatus(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, status models.JobStatus) error
	GetEscrowForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.EscrowAccount, error)
	InsertEscrow(ctx context.Context, tx pgx.Tx, e *models.EscrowAccount) error
	SetEscrowStatus(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, status models.EscrowStatus, releasedAt *time.Time) error
	AppendAudit(ctx context.Context, tx pgx.Tx, entry *models.EscrowAuditEntry) error
	LockBalance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, delta decimal.Decimal) error
}

// DeadlineQueue is the slice of the deadline scheduler the engine drives
// after commit.
type DeadlineQueue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, deadline time.Time) error
	Cancel(ctx context.Context, jobID uuid.UUID) error
}

type Service struct {
	store     Store
	fees      *fees.Engine
	deadlines DeadlineQueue
	log       *slog.Logger
	now       func() time.Time
}

func NewService(store Store, feeEngine *fees.Engine, deadlines DeadlineQueue, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, fees: feeEngine, deadlines: deadlines, log: log, now: time.Now}
}

// Fund locks the client's balance, debits the agreed price, creates the
// funded escrow, audits it, and transitions the job — all in one
// transaction. Two concurrent funds serialize on the job row and the
// loser sees a state conflict.
func (s *Service) Fund(ctx context.Context, jobID, clientAgentID uuid.UUID) (*models.EscrowAccount, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin fund tx", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.store.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("job not found")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load job", err)
	}
	if job.ClientAgentID != clientAgentID {
		return nil, apperr.Forbidden("only the client can fund the escrow")
	}
	if job.Status != models.JobAgreed {
		return nil, apperr.Newf(apperr.KindConflict, "job must be agreed to fund, currently %s", job.Status)
	}
	if !job.AgreedPrice.IsPositive() {
		return nil, apperr.Schema("job has no agreed price")
	}

	if _, err := s.store.GetEscrowForUpdate(ctx, tx, jobID); err == nil {
		return nil, apperr.Conflict("escrow already exists for this job")
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Wrap(apperr.KindDependency, "check existing escrow", err)
	}

	balance, err := s.store.LockBalance(ctx, tx, clientAgentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "lock client balance", err)
	}
	if balance.LessThan(job.AgreedPrice) {
		return nil, apperr.Newf(apperr.KindConflict, "insufficient balance: %s < %s", balance, job.AgreedPrice)
	}
	if err := s.store.AdjustBalance(ctx, tx, clientAgentID, job.AgreedPrice.Neg()); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "debit client", err)
	}

	now := s.now().UTC()
	esc := &models.EscrowAccount{
		EscrowID:      uuid.New(),
		JobID:         jobID,
		ClientAgentID: job.ClientAgentID,
		SellerAgentID: job.SellerAgentID,
		Amount:        job.AgreedPrice,
		Status:        models.EscrowFunded,
		FundedAt:      &now,
	}
	if err := s.store.InsertEscrow(ctx, tx, esc); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "insert escrow", err)
	}
	for _, action := range []models.EscrowAction{models.EscrowActionCreated, models.EscrowActionFunded} {
		if err := s.store.AppendAudit(ctx, tx, &models.EscrowAuditEntry{
			AuditID:      uuid.New(),
			EscrowID:     esc.EscrowID,
			Action:       action,
			ActorAgentID: &clientAgentID,
			Amount:       esc.Amount,
		}); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "append audit", err)
		}
	}
	if err := s.store.SetJobStatus(ctx, tx, jobID, models.JobFunded); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "transition job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit fund", err)
	}

	if job.DeliveryDeadline != nil && s.deadlines != nil {
		if err := s.deadlines.Enqueue(ctx, jobID, *job.DeliveryDeadline); err != nil {
			// Boot recovery re-enqueues every non-terminal deadline, so a
			// missed enqueue here is healed on restart.
			s.log.Error("enqueue deadline failed", "job_id", jobID, "error", err)
		}
	}
	s.log.Info("escrow funded", "job_id", jobID, "escrow_id", esc.EscrowID, "amount", esc.Amount)
	return esc, nil
}

// Release pays the seller (price minus their base-fee share), charges the
// client's share from residual balance, and completes the job.
func (s *Service) Release(ctx context.Context, jobID uuid.UUID) (*models.EscrowAccount, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin release tx", err)
	}
	defer tx.Rollback(ctx)

	esc, err := s.lockFundedEscrow(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	job, err := s.store.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load job", err)
	}
	if job.Status != models.JobDelivered && job.Status != models.JobVerifying {
		return nil, apperr.Newf(apperr.KindConflict, "job must be delivered to complete, currently %s", job.Status)
	}

	clientFee, sellerFee := s.fees.Base(esc.Amount)
	sellerPayout := esc.Amount.Sub(sellerFee.Amount)

	if err := s.withLockedParties(ctx, tx, esc, func() error {
		if err := s.store.AdjustBalance(ctx, tx, esc.SellerAgentID, sellerPayout); err != nil {
			return err
		}
		return s.chargeResidual(ctx, tx, esc.ClientAgentID, clientFee.Amount)
	}); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "settle balances", err)
	}

	now := s.now().UTC()
	if err := s.store.SetEscrowStatus(ctx, tx, esc.EscrowID, models.EscrowReleased, &now); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "update escrow", err)
	}
	meta, _ := json.Marshal(map[string]string{
		"client_base_fee": clientFee.Amount.StringFixed(2),
		"seller_base_fee": sellerFee.Amount.StringFixed(2),
		"seller_payout":   sellerPayout.StringFixed(2),
	})
	if err := s.store.AppendAudit(ctx, tx, &models.EscrowAuditEntry{
		AuditID:  uuid.New(),
		EscrowID: esc.EscrowID,
		Action:   models.EscrowActionReleased,
		Amount:   sellerPayout,
		Metadata: meta,
	}); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "append audit", err)
	}
	if err := s.store.SetJobStatus(ctx, tx, jobID, models.JobCompleted); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "transition job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit release", err)
	}

	s.cancelDeadline(ctx, jobID)
	esc.Status = models.EscrowReleased
	esc.ReleasedAt = &now
	s.log.Info("escrow released", "job_id", jobID, "seller_payout", sellerPayout)
	return esc, nil
}

// Refund returns the escrow to the client minus their base-fee share and
// debits the seller's share from residual balance. The job lands in
// failed or cancelled depending on the cause.
func (s *Service) Refund(ctx context.Context, jobID uuid.UUID, cause RefundCause) (*models.EscrowAccount, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin refund tx", err)
	}
	defer tx.Rollback(ctx)

	esc, err := s.lockFundedEscrow(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	clientFee, sellerFee := s.fees.Base(esc.Amount)
	clientRefund := esc.Amount.Sub(clientFee.Amount)

	if err := s.withLockedParties(ctx, tx, esc, func() error {
		if err := s.store.AdjustBalance(ctx, tx, esc.ClientAgentID, clientRefund); err != nil {
			return err
		}
		return s.chargeResidual(ctx, tx, esc.SellerAgentID, sellerFee.Amount)
	}); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "settle balances", err)
	}

	now := s.now().UTC()
	if err := s.store.SetEscrowStatus(ctx, tx, esc.EscrowID, models.EscrowRefunded, &now); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "update escrow", err)
	}
	meta, _ := json.Marshal(map[string]string{
		"cause":           string(cause),
		"client_refund":   clientRefund.StringFixed(2),
		"client_base_fee": clientFee.Amount.StringFixed(2),
		"seller_base_fee": sellerFee.Amount.StringFixed(2),
	})
	if err := s.store.AppendAudit(ctx, tx, &models.EscrowAuditEntry{
		AuditID:  uuid.New(),
		EscrowID: esc.EscrowID,
		Action:   models.EscrowActionRefunded,
		Amount:   clientRefund,
		Metadata: meta,
	}); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "append audit", err)
	}

	target := models.JobFailed
	if cause == CauseCancelled || cause == CauseDeactivation {
		target = models.JobCancelled
	}
	if err := s.store.SetJobStatus(ctx, tx, jobID, target); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "transition job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit refund", err)
	}

	s.cancelDeadline(ctx, jobID)
	esc.Status = models.EscrowRefunded
	esc.ReleasedAt = &now
	s.log.Info("escrow refunded", "job_id", jobID, "cause", cause, "client_refund", clientRefund)
	return esc, nil
}

// MarkDisputed freezes a funded escrow and records the dispute. Escrow
// already resolved (released or refunded) keeps its monetary state; only
// the audit entry is added.
func (s *Service) MarkDisputed(ctx context.Context, jobID, actorAgentID uuid.UUID) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "begin dispute tx", err)
	}
	defer tx.Rollback(ctx)

	esc, err := s.store.GetEscrowForUpdate(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("escrow not found for this job")
		}
		return apperr.Wrap(apperr.KindDependency, "load escrow", err)
	}
	if esc.Status == models.EscrowFunded {
		if err := s.store.SetEscrowStatus(ctx, tx, esc.EscrowID, models.EscrowDisputed, nil); err != nil {
			return apperr.Wrap(apperr.KindDependency, "update escrow", err)
		}
	}
	if err := s.store.AppendAudit(ctx, tx, &models.EscrowAuditEntry{
		AuditID:      uuid.New(),
		EscrowID:     esc.EscrowID,
		Action:       models.EscrowActionDisputed,
		ActorAgentID: &actorAgentID,
		Amount:       esc.Amount,
	}); err != nil {
		return apperr.Wrap(apperr.KindDependency, "append audit", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindDependency, "commit dispute", err)
	}
	return nil
}

// Get returns the escrow account for a job. The read takes the row lock
// briefly inside its own transaction.
func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*models.EscrowAccount, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)
	esc, err := s.store.GetEscrowForUpdate(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("escrow not found for this job")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load escrow", err)
	}
	_ = tx.Commit(ctx)
	return esc, nil
}

func (s *Service) lockFundedEscrow(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.EscrowAccount, error) {
	esc, err := s.store.GetEscrowForUpdate(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("escrow not found for this job")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load escrow", err)
	}
	if esc.Status != models.EscrowFunded {
		return nil, apperr.Newf(apperr.KindConflict, "escrow must be funded, currently %s", esc.Status)
	}
	return esc, nil
}

// withLockedParties locks both party balance rows in UUID order before
// running the mutation, so concurrent settlements cannot deadlock.
func (s *Service) withLockedParties(ctx context.Context, tx pgx.Tx, esc *models.EscrowAccount, fn func() error) error {
	ids := []uuid.UUID{esc.ClientAgentID, esc.SellerAgentID}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if _, err := s.store.LockBalance(ctx, tx, id); err != nil {
			return err
		}
	}
	return fn()
}

// chargeResidual debits a fee share from an agent's remaining balance.
// If the balance cannot cover it the platform absorbs the share rather
// than blocking settlement.
func (s *Service) chargeResidual(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	balance, err := s.store.LockBalance(ctx, tx, agentID)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		s.log.Warn("fee share absorbed: insufficient residual balance",
			"agent_id", agentID, "fee", amount, "balance", balance)
		return nil
	}
	return s.store.AdjustBalance(ctx, tx, agentID, amount.Neg())
}

func (s *Service) cancelDeadline(ctx context.Context, jobID uuid.UUID) {
	if s.deadlines == nil {
		return
	}
	if err := s.deadlines.Cancel(ctx, jobID); err != nil {
		s.log.Error("cancel deadline failed", "job_id", jobID, "error", err)
	}
}
