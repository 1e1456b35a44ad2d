package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/fees"
	"github.com/agentbazaar/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store. Lets us exercise the real engine logic without a
// database; the single mutex stands in for row locks, which is enough to
// check the engine's accounting (not Postgres's locking).
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	escrows  map[uuid.UUID]*models.EscrowAccount // by job ID
	balances map[uuid.UUID]decimal.Decimal
	audits   []*models.EscrowAuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[uuid.UUID]*models.Job),
		escrows:  make(map[uuid.UUID]*models.EscrowAccount),
		balances: make(map[uuid.UUID]decimal.Decimal),
	}
}

func (m *memStore) Begin(ctx context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *memStore) GetJobForUpdate(_ context.Context, _ pgx.Tx, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) SetJobStatus(_ context.Context, _ pgx.Tx, jobID uuid.UUID, status models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Status = status
	return nil
}

func (m *memStore) GetEscrowForUpdate(_ context.Context, _ pgx.Tx, jobID uuid.UUID) (*models.EscrowAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[jobID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) InsertEscrow(_ context.Context, _ pgx.Tx, e *models.EscrowAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.escrows[e.JobID]; exists {
		return errors.New("duplicate escrow for job")
	}
	cp := *e
	m.escrows[e.JobID] = &cp
	return nil
}

func (m *memStore) SetEscrowStatus(_ context.Context, _ pgx.Tx, escrowID uuid.UUID, status models.EscrowStatus, releasedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.escrows {
		if e.EscrowID == escrowID {
			e.Status = status
			if releasedAt != nil {
				e.ReleasedAt = releasedAt
			}
			return nil
		}
	}
	return errors.New("escrow not found")
}

func (m *memStore) AppendAudit(_ context.Context, _ pgx.Tx, entry *models.EscrowAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *memStore) LockBalance(_ context.Context, _ pgx.Tx, agentID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[agentID]
	if !ok {
		return decimal.Zero, errors.New("agent not found")
	}
	return b, nil
}

func (m *memStore) AdjustBalance(_ context.Context, _ pgx.Tx, agentID uuid.UUID, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[agentID] = m.balances[agentID].Add(delta)
	return nil
}

func (m *memStore) auditActions() []models.EscrowAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EscrowAction, len(m.audits))
	for i, a := range m.audits {
		out[i] = a.Action
	}
	return out
}

type noopTx struct{ pgx.Tx }

func (noopTx) Rollback(ctx context.Context) error { return nil }
func (noopTx) Commit(ctx context.Context) error   { return nil }

type stubDeadlines struct {
	mu        sync.Mutex
	enqueued  map[uuid.UUID]time.Time
	cancelled map[uuid.UUID]bool
}

func newStubDeadlines() *stubDeadlines {
	return &stubDeadlines{enqueued: make(map[uuid.UUID]time.Time), cancelled: make(map[uuid.UUID]bool)}
}

func (s *stubDeadlines) Enqueue(_ context.Context, jobID uuid.UUID, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued[jobID] = deadline
	return nil
}

func (s *stubDeadlines) Cancel(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[jobID] = true
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func feeEngine() *fees.Engine {
	return fees.NewEngine(config.Config{
		FeeBasePercent:        money("0.01"),
		FeeVerifyPerCPUSecond: money("0.01"),
		FeeVerifyMinimum:      money("0.05"),
		FeeStoragePerKB:       money("0.001"),
		FeeStorageMinimum:     money("0.01"),
	}, nil)
}

type fixture struct {
	store     *memStore
	deadlines *stubDeadlines
	svc       *Service
	jobID     uuid.UUID
	client    uuid.UUID
	seller    uuid.UUID
}

func newFixture(t *testing.T, clientBalance, price string, status models.JobStatus) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		deadlines: newStubDeadlines(),
		jobID:     uuid.New(),
		client:    uuid.New(),
		seller:    uuid.New(),
	}
	f.store.jobs[f.jobID] = &models.Job{
		JobID:         f.jobID,
		ClientAgentID: f.client,
		SellerAgentID: f.seller,
		Status:        status,
		AgreedPrice:   money(price),
	}
	f.store.balances[f.client] = money(clientBalance)
	f.store.balances[f.seller] = money("0.00")
	f.svc = NewService(f.store, feeEngine(), f.deadlines, nil)
	return f
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFund_HappyPath(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	deadline := time.Now().Add(time.Hour).UTC()
	f.store.jobs[f.jobID].DeliveryDeadline = &deadline

	esc, err := f.svc.Fund(context.Background(), f.jobID, f.client)
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if esc.Status != models.EscrowFunded {
		t.Errorf("escrow status = %s, want funded", esc.Status)
	}
	if got := f.store.balances[f.client]; !got.Equal(money("90.00")) {
		t.Errorf("client balance = %s, want 90.00", got)
	}
	if f.store.jobs[f.jobID].Status != models.JobFunded {
		t.Errorf("job status = %s, want funded", f.store.jobs[f.jobID].Status)
	}
	if _, ok := f.deadlines.enqueued[f.jobID]; !ok {
		t.Error("deadline should be enqueued after commit")
	}
	wantActions := []models.EscrowAction{models.EscrowActionCreated, models.EscrowActionFunded}
	got := f.store.auditActions()
	if len(got) != len(wantActions) {
		t.Fatalf("audit entries = %v, want %v", got, wantActions)
	}
	for i := range wantActions {
		if got[i] != wantActions[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], wantActions[i])
		}
	}
}

func TestFund_InsufficientBalance(t *testing.T) {
	f := newFixture(t, "9.99", "10.00", models.JobAgreed)
	_, err := f.svc.Fund(context.Background(), f.jobID, f.client)
	if err == nil {
		t.Fatal("expected conflict")
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindConflict {
		t.Errorf("want conflict kind, got %v", err)
	}
	if !f.store.balances[f.client].Equal(money("9.99")) {
		t.Error("balance must be untouched")
	}
}

func TestFund_WrongStateAndParty(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobProposed)
	if _, err := f.svc.Fund(context.Background(), f.jobID, f.client); apperr.HTTPStatus(err) != 409 {
		t.Errorf("funding a proposed job should 409, got %v", err)
	}

	f2 := newFixture(t, "100.00", "10.00", models.JobAgreed)
	if _, err := f2.svc.Fund(context.Background(), f2.jobID, f2.seller); apperr.HTTPStatus(err) != 403 {
		t.Errorf("seller funding should 403, got %v", err)
	}
}

func TestFund_DoubleFund(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	if _, err := f.svc.Fund(context.Background(), f.jobID, f.client); err != nil {
		t.Fatalf("first fund: %v", err)
	}
	// Second fund: job is no longer agreed, and the escrow row exists.
	_, err := f.svc.Fund(context.Background(), f.jobID, f.client)
	if apperr.HTTPStatus(err) != 409 {
		t.Errorf("second fund should 409, got %v", err)
	}
	if !f.store.balances[f.client].Equal(money("90.00")) {
		t.Errorf("client debited more than once: %s", f.store.balances[f.client])
	}
}

func TestRelease_SettlesPerFeeSchedule(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	ctx := context.Background()
	if _, err := f.svc.Fund(ctx, f.jobID, f.client); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	f.store.jobs[f.jobID].Status = models.JobVerifying

	esc, err := f.svc.Release(ctx, f.jobID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if esc.Status != models.EscrowReleased {
		t.Errorf("escrow status = %s", esc.Status)
	}
	// 10.00 at 1% split 0.05/0.05: seller nets 9.95, client pays their
	// 0.05 share from residual balance (90.00 → 89.95).
	if got := f.store.balances[f.seller]; !got.Equal(money("9.95")) {
		t.Errorf("seller balance = %s, want 9.95", got)
	}
	if got := f.store.balances[f.client]; !got.Equal(money("89.95")) {
		t.Errorf("client balance = %s, want 89.95", got)
	}
	if f.store.jobs[f.jobID].Status != models.JobCompleted {
		t.Errorf("job status = %s, want completed", f.store.jobs[f.jobID].Status)
	}
	if !f.deadlines.cancelled[f.jobID] {
		t.Error("deadline should be cancelled")
	}
	got := f.store.auditActions()
	if got[len(got)-1] != models.EscrowActionReleased {
		t.Errorf("last audit action = %s, want released", got[len(got)-1])
	}
}

func TestRelease_RequiresFundedEscrow(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	ctx := context.Background()
	if _, err := f.svc.Release(ctx, f.jobID); apperr.HTTPStatus(err) != 404 {
		t.Errorf("release without escrow should 404, got %v", err)
	}

	if _, err := f.svc.Fund(ctx, f.jobID, f.client); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	f.store.jobs[f.jobID].Status = models.JobVerifying
	if _, err := f.svc.Release(ctx, f.jobID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := f.svc.Release(ctx, f.jobID); apperr.HTTPStatus(err) != 409 {
		t.Errorf("double release should 409, got %v", err)
	}
}

func TestRefund_SplitsFee(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	ctx := context.Background()
	if _, err := f.svc.Fund(ctx, f.jobID, f.client); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	f.store.balances[f.seller] = money("5.00")

	esc, err := f.svc.Refund(ctx, f.jobID, CauseFailed)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if esc.Status != models.EscrowRefunded {
		t.Errorf("escrow status = %s", esc.Status)
	}
	// Client gets 10.00 − 0.05 back; seller is debited their 0.05 share.
	if got := f.store.balances[f.client]; !got.Equal(money("99.95")) {
		t.Errorf("client balance = %s, want 99.95", got)
	}
	if got := f.store.balances[f.seller]; !got.Equal(money("4.95")) {
		t.Errorf("seller balance = %s, want 4.95", got)
	}
	if f.store.jobs[f.jobID].Status != models.JobFailed {
		t.Errorf("job status = %s, want failed", f.store.jobs[f.jobID].Status)
	}
}

func TestRefund_SellerShareAbsorbedWhenBroke(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	ctx := context.Background()
	if _, err := f.svc.Fund(ctx, f.jobID, f.client); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	// Seller has nothing; their share is absorbed, not forced negative.
	if _, err := f.svc.Refund(ctx, f.jobID, CauseDeadline); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := f.store.balances[f.seller]; !got.Equal(money("0.00")) {
		t.Errorf("seller balance = %s, want 0.00 (never negative)", got)
	}
}

func TestRefund_CancelledCauseLandsCancelled(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	ctx := context.Background()
	if _, err := f.svc.Fund(ctx, f.jobID, f.client); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if _, err := f.svc.Refund(ctx, f.jobID, CauseDeactivation); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if f.store.jobs[f.jobID].Status != models.JobCancelled {
		t.Errorf("job status = %s, want cancelled", f.store.jobs[f.jobID].Status)
	}
}

func TestLedgerConservation(t *testing.T) {
	// For a terminal job: seller credit + client refund + platform take
	// equals agreed price plus the residual fee shares collected.
	for _, terminal := range []string{"release", "refund"} {
		f := newFixture(t, "100.00", "33.33", models.JobAgreed)
		ctx := context.Background()
		if _, err := f.svc.Fund(ctx, f.jobID, f.client); err != nil {
			t.Fatalf("Fund: %v", err)
		}
		clientAfterFund := f.store.balances[f.client]
		if !clientAfterFund.Equal(money("66.67")) {
			t.Fatalf("client after fund = %s", clientAfterFund)
		}

		switch terminal {
		case "release":
			f.store.jobs[f.jobID].Status = models.JobVerifying
			if _, err := f.svc.Release(ctx, f.jobID); err != nil {
				t.Fatalf("Release: %v", err)
			}
		case "refund":
			if _, err := f.svc.Refund(ctx, f.jobID, CauseFailed); err != nil {
				t.Fatalf("Refund: %v", err)
			}
		}

		sellerDelta := f.store.balances[f.seller]
		clientDelta := f.store.balances[f.client].Sub(money("100.00"))
		platform := sellerDelta.Add(clientDelta).Neg()
		// 33.33 × 1% = 0.33 total fee; the platform never takes more.
		if platform.GreaterThan(money("0.33")) || platform.IsNegative() {
			t.Errorf("%s: platform take = %s, want within [0, 0.33]", terminal, platform)
		}
	}
}

func TestMarkDisputed(t *testing.T) {
	f := newFixture(t, "100.00", "10.00", models.JobAgreed)
	ctx := context.Background()
	if _, err := f.svc.Fund(ctx, f.jobID, f.client); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if err := f.svc.MarkDisputed(ctx, f.jobID, f.seller); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	if f.store.escrows[f.jobID].Status != models.EscrowDisputed {
		t.Errorf("escrow status = %s, want disputed", f.store.escrows[f.jobID].Status)
	}
	got := f.store.auditActions()
	if got[len(got)-1] != models.EscrowActionDisputed {
		t.Errorf("last audit = %s, want disputed", got[len(got)-1])
	}
}
