// Package jobs drives the job lifecycle: bounded negotiation, the
// transition graph, delivery, verification, and settlement through the
// escrow engine.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/criteria"
	"github.com/agentbazaar/backend/internal/crypto"
	"github.com/agentbazaar/backend/internal/escrow"
	"github.com/agentbazaar/backend/internal/fees"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/validate"
)

const (
	defaultMaxRounds = 5
	maxMaxRounds     = 20
)

// Store is the persistence surface; implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, j *models.Job) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error)
	UpdateNegotiation(ctx context.Context, tx pgx.Tx, j *models.Job) error
	SetStatus(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, status models.JobStatus) error
	SetStarted(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, at time.Time) error
	SetDelivered(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, result json.RawMessage, at time.Time) error
	ListForAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.Job, error)
	AgentStatus(ctx context.Context, agentID uuid.UUID) (models.AgentStatus, error)
}

// Escrow is the slice of the ledger engine the lifecycle drives.
type Escrow interface {
	Fund(ctx context.Context, jobID, clientAgentID uuid.UUID) (*models.EscrowAccount, error)
	Release(ctx context.Context, jobID uuid.UUID) (*models.EscrowAccount, error)
	Refund(ctx context.Context, jobID uuid.UUID, cause escrow.RefundCause) (*models.EscrowAccount, error)
	MarkDisputed(ctx context.Context, jobID, actorAgentID uuid.UUID) error
}

// Verifier runs acceptance criteria against a deliverable.
type Verifier interface {
	Verify(ctx context.Context, doc *criteria.Document, deliverable json.RawMessage, meta criteria.DeliveryMeta) (criteria.SuiteResult, error)
}

// FeeEngine is the slice of the fee engine the lifecycle charges through.
type FeeEngine interface {
	Verification(cpuSeconds float64) fees.Breakdown
	Storage(sizeBytes int) fees.Breakdown
	Charge(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, fee fees.Breakdown) error
}

// Notifier enqueues webhooks; delivery is at-least-once and asynchronous.
type Notifier interface {
	JobEvent(ctx context.Context, job *models.Job, event string, data map[string]any)
}

type Service struct {
	repo     Store
	escrow   Escrow
	verifier Verifier
	fees     FeeEngine
	notify   Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(repo Store, esc Escrow, verifier Verifier, feeEngine FeeEngine, notify Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, escrow: esc, verifier: verifier, fees: feeEngine, notify: notify, log: log, now: time.Now}
}

// ProposeParams is the validated surface of a job proposal.
type ProposeParams struct {
	SellerAgentID      uuid.UUID
	ListingID          *uuid.UUID
	Requirements       json.RawMessage
	AcceptanceCriteria json.RawMessage
	MaxBudget          decimal.Decimal
	DeliveryDeadline   *time.Time
	MaxRounds          int
	Message            string
}

// Propose creates a job with the caller as client. Acceptance criteria
// are fixed and hashed here; negotiation may not change them.
func (s *Service) Propose(ctx context.Context, clientAgentID uuid.UUID, p ProposeParams) (*models.Job, error) {
	if p.SellerAgentID == clientAgentID {
		return nil, apperr.Schema("cannot propose a job to yourself")
	}
	if err := validate.Amount(p.MaxBudget); err != nil {
		return nil, apperr.Schema("max_budget: " + err.Error())
	}
	if err := validate.Text("message", p.Message, validate.MaxMessage); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if p.MaxRounds == 0 {
		p.MaxRounds = defaultMaxRounds
	}
	if p.MaxRounds < 1 || p.MaxRounds > maxMaxRounds {
		return nil, apperr.Newf(apperr.KindSchema, "max_rounds must be in [1, %d]", maxMaxRounds)
	}
	if p.DeliveryDeadline != nil && !p.DeliveryDeadline.After(s.now()) {
		return nil, apperr.Schema("delivery_deadline must be in the future")
	}

	for _, id := range []uuid.UUID{clientAgentID, p.SellerAgentID} {
		status, err := s.repo.AgentStatus(ctx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperr.Newf(apperr.KindNotFound, "agent %s not found", id)
			}
			return nil, apperr.Wrap(apperr.KindDependency, "load agent", err)
		}
		if status != models.AgentActive {
			return nil, apperr.Newf(apperr.KindNotFound, "agent %s is not active", id)
		}
	}

	if _, err := criteria.Parse(p.AcceptanceCriteria); err != nil {
		return nil, apperr.Schema("acceptance_criteria: " + err.Error())
	}
	var criteriaHash *string
	if len(p.AcceptanceCriteria) > 0 {
		h, err := crypto.HashCriteria(p.AcceptanceCriteria)
		if err != nil {
			return nil, apperr.Schema("acceptance_criteria: " + err.Error())
		}
		criteriaHash = &h
	}

	now := s.now().UTC()
	job := &models.Job{
		JobID:              uuid.New(),
		ClientAgentID:      clientAgentID,
		SellerAgentID:      p.SellerAgentID,
		ListingID:          p.ListingID,
		Status:             models.JobProposed,
		AcceptanceCriteria: p.AcceptanceCriteria,
		CriteriaHash:       criteriaHash,
		Requirements:       p.Requirements,
		AgreedPrice:        p.MaxBudget,
		DeliveryDeadline:   p.DeliveryDeadline,
		MaxRounds:          p.MaxRounds,
		CurrentRound:       0,
		NegotiationLog: []models.NegotiationRound{{
			Round:         0,
			Proposer:      clientAgentID.String(),
			ProposedPrice: p.MaxBudget.StringFixed(2),
			Message:       p.Message,
			CriteriaHash:  deref(criteriaHash),
			Timestamp:     now,
		}},
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "create job", err)
	}
	s.emit(ctx, job, "job.proposed", map[string]any{"proposed_price": job.AgreedPrice.StringFixed(2)})
	s.log.Info("job proposed", "job_id", job.JobID, "client", clientAgentID, "seller", p.SellerAgentID)
	return job, nil
}

// CounterParams is one negotiation round.
type CounterParams struct {
	ProposedPrice    decimal.Decimal
	CounterTerms     json.RawMessage
	AcceptedTerms    json.RawMessage
	Message          string
	DeliveryDeadline *time.Time
	Requirements     json.RawMessage
}

// Counter appends a round. Only the party that did not send the previous
// round may counter; exceeding max_rounds auto-cancels the job.
func (s *Service) Counter(ctx context.Context, jobID, agentID uuid.UUID, p CounterParams) (*models.Job, error) {
	if err := validate.Amount(p.ProposedPrice); err != nil {
		return nil, apperr.Schema("proposed_price: " + err.Error())
	}
	if err := validate.Text("message", p.Message, validate.MaxMessage); err != nil {
		return nil, apperr.Schema(err.Error())
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.lockParty(ctx, tx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobProposed && job.Status != models.JobNegotiating {
		return nil, apperr.Newf(apperr.KindConflict, "cannot counter in status %s", job.Status)
	}
	if last := lastProposer(job); last == agentID.String() {
		return nil, apperr.Forbidden("cannot counter your own proposal")
	}

	if job.CurrentRound >= job.MaxRounds {
		// Negotiation exhausted: terminal, and the caller learns why.
		if err := s.repo.SetStatus(ctx, tx, jobID, models.JobCancelled); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "cancel job", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "commit cancel", err)
		}
		job.Status = models.JobCancelled
		s.emit(ctx, job, "job.failed", map[string]any{"reason": "max negotiation rounds exceeded"})
		return nil, apperr.Conflict("maximum negotiation rounds exceeded, job cancelled")
	}

	job.Status = models.JobNegotiating
	job.CurrentRound++
	job.AgreedPrice = p.ProposedPrice
	if p.DeliveryDeadline != nil {
		job.DeliveryDeadline = p.DeliveryDeadline
	}
	if len(p.Requirements) > 0 {
		job.Requirements = p.Requirements
	}
	job.NegotiationLog = append(job.NegotiationLog, models.NegotiationRound{
		Round:         job.CurrentRound,
		Proposer:      agentID.String(),
		ProposedPrice: p.ProposedPrice.StringFixed(2),
		CounterTerms:  p.CounterTerms,
		AcceptedTerms: p.AcceptedTerms,
		Message:       p.Message,
		Timestamp:     s.now().UTC(),
	})
	if err := s.repo.UpdateNegotiation(ctx, tx, job); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "update negotiation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit counter", err)
	}
	s.emit(ctx, job, "job.counter_received", map[string]any{
		"round":          job.CurrentRound,
		"proposed_price": p.ProposedPrice.StringFixed(2),
	})
	return job, nil
}

// Accept locks in the current terms. The accepting party must be opposite
// the last proposer; a seller accepting criteria-bearing terms must
// present the exact criteria hash to prove they reviewed the tests.
func (s *Service) Accept(ctx context.Context, jobID, agentID uuid.UUID, providedCriteriaHash string) (*models.Job, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.lockParty(ctx, tx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(job.Status, models.JobAgreed) {
		return nil, apperr.Newf(apperr.KindConflict, "cannot accept in status %s", job.Status)
	}
	if last := lastProposer(job); last == agentID.String() {
		return nil, apperr.Forbidden("cannot accept your own proposal")
	}

	if agentID == job.SellerAgentID && job.CriteriaHash != nil {
		if providedCriteriaHash == "" {
			return nil, apperr.Schema("seller must provide acceptance_criteria_hash to confirm review of the verification criteria")
		}
		if providedCriteriaHash != *job.CriteriaHash {
			return nil, apperr.Conflict("acceptance_criteria_hash mismatch")
		}
	}

	job.Status = models.JobAgreed
	job.NegotiationLog = append(job.NegotiationLog, models.NegotiationRound{
		Round:         job.CurrentRound,
		Action:        "accepted",
		Proposer:      agentID.String(),
		ProposedPrice: job.AgreedPrice.StringFixed(2),
		CriteriaHash:  deref(job.CriteriaHash),
		Timestamp:     s.now().UTC(),
	})
	if err := s.repo.UpdateNegotiation(ctx, tx, job); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "update negotiation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit accept", err)
	}
	s.emit(ctx, job, "job.accepted", map[string]any{"agreed_price": job.AgreedPrice.StringFixed(2)})
	return job, nil
}

// Fund escrows the agreed price. The escrow engine enforces party, state,
// and balance invariants in one transaction.
func (s *Service) Fund(ctx context.Context, jobID, clientAgentID uuid.UUID) (*models.EscrowAccount, error) {
	esc, err := s.escrow.Fund(ctx, jobID, clientAgentID)
	if err != nil {
		return nil, err
	}
	if job, err := s.repo.GetByID(ctx, jobID); err == nil {
		s.emit(ctx, job, "job.funded", map[string]any{"amount": esc.Amount.StringFixed(2)})
	}
	return esc, nil
}

// Start moves a funded job into execution. Seller only.
func (s *Service) Start(ctx context.Context, jobID, agentID uuid.UUID) (*models.Job, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.lockParty(ctx, tx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if agentID != job.SellerAgentID {
		return nil, apperr.Forbidden("only the seller can start the job")
	}
	if !CanTransition(job.Status, models.JobInProgress) {
		return nil, apperr.Newf(apperr.KindConflict, "cannot start in status %s", job.Status)
	}
	now := s.now().UTC()
	if err := s.repo.SetStarted(ctx, tx, jobID, now); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "start job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit start", err)
	}
	job.Status = models.JobInProgress
	job.StartedAt = &now
	s.emit(ctx, job, "job.started", nil)
	return job, nil
}

// DeliverOutcome reports the delivery plus the storage fee charged.
type DeliverOutcome struct {
	Job        *models.Job
	FeeCharged fees.Breakdown
}

// Deliver records the deliverable and charges the seller's storage fee in
// the same transaction; if the fee cannot be paid the delivery does not
// happen.
func (s *Service) Deliver(ctx context.Context, jobID, agentID uuid.UUID, result json.RawMessage) (*DeliverOutcome, error) {
	if len(result) == 0 {
		return nil, apperr.Schema("result is required")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.lockParty(ctx, tx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if agentID != job.SellerAgentID {
		return nil, apperr.Forbidden("only the seller can deliver")
	}
	if !CanTransition(job.Status, models.JobDelivered) {
		return nil, apperr.Newf(apperr.KindConflict, "cannot deliver in status %s", job.Status)
	}

	fee := s.fees.Storage(len(result))
	if err := s.fees.Charge(ctx, tx, agentID, fee); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.repo.SetDelivered(ctx, tx, jobID, result, now); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "record delivery", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit delivery", err)
	}
	job.Status = models.JobDelivered
	job.Result = result
	job.DeliveredAt = &now
	s.emit(ctx, job, "job.delivered", map[string]any{"storage_fee": fee.Amount.StringFixed(2)})
	return &DeliverOutcome{Job: job, FeeCharged: fee}, nil
}

// VerifyOutcome is what a verification run returns to the client.
type VerifyOutcome struct {
	Job          *models.Job
	Verification *criteria.SuiteResult
	FeeCharged   fees.Breakdown
}

// Verify runs acceptance criteria against the deliverable. Client only.
// The verification fee is charged whatever the outcome; a passing suite
// releases escrow, a failing one refunds it.
func (s *Service) Verify(ctx context.Context, jobID, agentID uuid.UUID) (*VerifyOutcome, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if agentID != job.ClientAgentID {
		return nil, apperr.Forbidden("only the client can trigger verification")
	}
	if job.Status != models.JobDelivered && job.Status != models.JobVerifying {
		return nil, apperr.Newf(apperr.KindConflict, "job must be delivered to verify, currently %s", job.Status)
	}

	if job.Status == models.JobDelivered {
		if err := s.transition(ctx, jobID, models.JobVerifying); err != nil {
			return nil, err
		}
		job.Status = models.JobVerifying
	}

	doc, err := criteria.Parse(job.AcceptanceCriteria)
	if err != nil {
		return nil, apperr.Schema("stored acceptance_criteria is invalid: " + err.Error())
	}
	res, err := s.verifier.Verify(ctx, doc, job.Result, criteria.DeliveryMeta{
		StartedAt:   job.StartedAt,
		DeliveredAt: job.DeliveredAt,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "verification run", err)
	}

	fee := s.fees.Verification(res.CPUSeconds)
	if err := s.chargeFee(ctx, agentID, fee); err != nil {
		return nil, err
	}

	if res.Passed {
		if _, err := s.escrow.Release(ctx, jobID); err != nil {
			return nil, err
		}
		job.Status = models.JobCompleted
		s.emit(ctx, job, "job.completed", map[string]any{"verification": res.Summary})
	} else {
		if _, err := s.escrow.Refund(ctx, jobID, escrow.CauseFailed); err != nil {
			return nil, err
		}
		job.Status = models.JobFailed
		s.emit(ctx, job, "job.failed", map[string]any{"verification": res.Summary})
	}
	return &VerifyOutcome{Job: job, Verification: &res, FeeCharged: fee}, nil
}

// Complete releases escrow without a verification run. Client only;
// idempotent when verification already completed the job.
func (s *Service) Complete(ctx context.Context, jobID, agentID uuid.UUID) (*models.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if agentID != job.ClientAgentID {
		return nil, apperr.Forbidden("only the client can complete a job")
	}
	if job.Status == models.JobCompleted {
		return job, nil
	}
	if _, err := s.escrow.Release(ctx, jobID); err != nil {
		return nil, err
	}
	job.Status = models.JobCompleted
	s.emit(ctx, job, "job.completed", nil)
	return job, nil
}

// Fail marks the job failed; either party, while work is in flight. A
// funded escrow refunds to the client.
func (s *Service) Fail(ctx context.Context, jobID, agentID uuid.UUID) (*models.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.IsParty(agentID) {
		return nil, apperr.Forbidden("not a party to this job")
	}
	if job.Status != models.JobInProgress && job.Status != models.JobDelivered {
		return nil, apperr.Newf(apperr.KindConflict, "cannot fail in status %s", job.Status)
	}

	if _, err := s.escrow.Refund(ctx, jobID, escrow.CauseFailed); err != nil {
		if apperr.HTTPStatus(err) != 404 {
			return nil, err
		}
		// No escrow yet: plain transition.
		if terr := s.transition(ctx, jobID, models.JobFailed); terr != nil {
			return nil, terr
		}
	}
	job.Status = models.JobFailed
	s.emit(ctx, job, "job.failed", nil)
	return job, nil
}

// Dispute records a dispute on a failed job. The core preserves state and
// audit; it never decides the outcome.
func (s *Service) Dispute(ctx context.Context, jobID, agentID uuid.UUID) (*models.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.IsParty(agentID) {
		return nil, apperr.Forbidden("not a party to this job")
	}
	if !CanTransition(job.Status, models.JobDisputed) {
		return nil, apperr.Newf(apperr.KindConflict, "cannot dispute in status %s", job.Status)
	}
	if err := s.transition(ctx, jobID, models.JobDisputed); err != nil {
		return nil, err
	}
	if err := s.escrow.MarkDisputed(ctx, jobID, agentID); err != nil && apperr.HTTPStatus(err) != 404 {
		return nil, err
	}
	job.Status = models.JobDisputed
	s.emit(ctx, job, "job.disputed", nil)
	return job, nil
}

// FailForDeadline is the deadline consumer's entry point: if the job is
// still in flight, fail it and refund the escrow.
func (s *Service) FailForDeadline(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		if apperr.HTTPStatus(err) == 404 {
			s.log.Warn("deadline fired for nonexistent job", "job_id", jobID)
			return nil
		}
		return err
	}
	switch job.Status {
	case models.JobFunded, models.JobInProgress, models.JobDelivered:
	default:
		return nil
	}

	if _, err := s.escrow.Refund(ctx, jobID, escrow.CauseDeadline); err != nil {
		if apperr.HTTPStatus(err) != 404 {
			return err
		}
		if terr := s.transition(ctx, jobID, models.JobFailed); terr != nil {
			return terr
		}
	}
	job.Status = models.JobFailed
	s.emit(ctx, job, "job.failed", map[string]any{"cause": "deadline"})
	s.log.Info("job failed by deadline", "job_id", jobID)
	return nil
}

// Get returns the job with the result redacted per the privacy rule:
// result is nil unless the caller is a party and the job completed.
func (s *Service) Get(ctx context.Context, jobID, callerAgentID uuid.UUID) (*models.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return Redact(job, callerAgentID), nil
}

// List returns the caller's jobs, redacted.
func (s *Service) List(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	jobs, err := s.repo.ListForAgent(ctx, agentID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list jobs", err)
	}
	out := make([]*models.Job, len(jobs))
	for i, j := range jobs {
		out[i] = Redact(j, agentID)
	}
	return out, nil
}

// Redact enforces result privacy on a job view. Non-parties also lose
// the negotiation log.
func Redact(job *models.Job, callerAgentID uuid.UUID) *models.Job {
	cp := *job
	if !(job.IsParty(callerAgentID) && job.Status == models.JobCompleted) {
		cp.Result = nil
	}
	if !job.IsParty(callerAgentID) {
		cp.NegotiationLog = nil
	}
	return &cp
}

func (s *Service) getJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("job not found")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load job", err)
	}
	return job, nil
}

func (s *Service) lockParty(ctx context.Context, tx pgx.Tx, jobID, agentID uuid.UUID) (*models.Job, error) {
	job, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("job not found")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load job", err)
	}
	if !job.IsParty(agentID) {
		return nil, apperr.Forbidden("not a party to this job")
	}
	return job, nil
}

func (s *Service) transition(ctx context.Context, jobID uuid.UUID, to models.JobStatus) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)
	job, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "load job", err)
	}
	if !CanTransition(job.Status, to) {
		return apperr.Newf(apperr.KindConflict, "cannot transition from %s to %s", job.Status, to)
	}
	if err := s.repo.SetStatus(ctx, tx, jobID, to); err != nil {
		return apperr.Wrap(apperr.KindDependency, "set status", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindDependency, "commit transition", err)
	}
	return nil
}

func (s *Service) chargeFee(ctx context.Context, agentID uuid.UUID, fee fees.Breakdown) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "begin fee tx", err)
	}
	defer tx.Rollback(ctx)
	if err := s.fees.Charge(ctx, tx, agentID, fee); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindDependency, "commit fee", err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, job *models.Job, event string, data map[string]any) {
	if s.notify == nil {
		return
	}
	s.notify.JobEvent(ctx, job, event, data)
}

func lastProposer(job *models.Job) string {
	if len(job.NegotiationLog) == 0 {
		return job.ClientAgentID.String()
	}
	return job.NegotiationLog[len(job.NegotiationLog)-1].Proposer
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
