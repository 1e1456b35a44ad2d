package reviews

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memReviews struct {
	mu          sync.Mutex
	reviews     []*models.Review
	jobs        map[uuid.UUID]jobInfo
	reputations map[string]decimal.Decimal // agentID|role
}

type jobInfo struct {
	clientID uuid.UUID
	sellerID uuid.UUID
	status   models.JobStatus
}

func newMemReviews() *memReviews {
	return &memReviews{
		jobs:        make(map[uuid.UUID]jobInfo),
		reputations: make(map[string]decimal.Decimal),
	}
}

func repKey(agentID uuid.UUID, role models.ReviewRole) string {
	return agentID.String() + "|" + string(role)
}

type reviewsTx struct{ pgx.Tx }

func (reviewsTx) Rollback(ctx context.Context) error { return nil }
func (reviewsTx) Commit(ctx context.Context) error   { return nil }

func (m *memReviews) Begin(ctx context.Context) (pgx.Tx, error) { return reviewsTx{}, nil }

func (m *memReviews) Insert(_ context.Context, _ pgx.Tx, rev *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rev
	m.reviews = append(m.reviews, &cp)
	return nil
}

func (m *memReviews) Exists(_ context.Context, jobID, reviewerAgentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reviews {
		if r.JobID == jobID && r.ReviewerAgentID == reviewerAgentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memReviews) CountForRole(_ context.Context, _ pgx.Tx, revieweeAgentID uuid.UUID, role models.ReviewRole) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.reviews {
		if r.RevieweeAgentID == revieweeAgentID && r.Role == role {
			count++
		}
	}
	return count, nil
}

func (m *memReviews) ReputationForUpdate(_ context.Context, _ pgx.Tx, agentID uuid.UUID, role models.ReviewRole) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reputations[repKey(agentID, role)], nil
}

func (m *memReviews) SetReputation(_ context.Context, _ pgx.Tx, agentID uuid.UUID, role models.ReviewRole, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reputations[repKey(agentID, role)] = value
	return nil
}

func (m *memReviews) ListForAgent(_ context.Context, agentID uuid.UUID, limit, offset int) ([]*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Review
	for _, r := range m.reviews {
		if r.RevieweeAgentID == agentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memReviews) ListForJob(_ context.Context, jobID uuid.UUID) ([]*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Review
	for _, r := range m.reviews {
		if r.JobID == jobID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memReviews) RoleCounts(_ context.Context, agentID uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var seller, client int
	for _, r := range m.reviews {
		if r.RevieweeAgentID != agentID {
			continue
		}
		if r.Role == models.RoleClientOfSeller {
			seller++
		} else {
			client++
		}
	}
	return seller, client, nil
}

func (m *memReviews) TopTags(_ context.Context, agentID uuid.UUID, limit int) ([]string, error) {
	return nil, nil
}

func (m *memReviews) JobForReview(_ context.Context, jobID uuid.UUID) (uuid.UUID, uuid.UUID, models.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return uuid.Nil, uuid.Nil, "", pgx.ErrNoRows
	}
	return j.clientID, j.sellerID, j.status, nil
}

type stubAgentNotifier struct {
	mu     sync.Mutex
	events []string
}

func (s *stubAgentNotifier) AgentEvent(_ context.Context, _ uuid.UUID, event string, _ uuid.UUID, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type reviewsFixture struct {
	store    *memReviews
	notifier *stubAgentNotifier
	svc      *Service
	jobID    uuid.UUID
	client   uuid.UUID
	seller   uuid.UUID
}

func newReviewsFixture(t *testing.T, status models.JobStatus) *reviewsFixture {
	t.Helper()
	f := &reviewsFixture{
		store:    newMemReviews(),
		notifier: &stubAgentNotifier{},
		jobID:    uuid.New(),
		client:   uuid.New(),
		seller:   uuid.New(),
	}
	f.store.jobs[f.jobID] = jobInfo{clientID: f.client, sellerID: f.seller, status: status}
	f.svc = NewService(f.store, f.notifier, nil)
	return f
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSubmit(t *testing.T) {
	f := newReviewsFixture(t, models.JobCompleted)
	rev, err := f.svc.Submit(context.Background(), f.jobID, f.client, SubmitParams{Rating: 5, Tags: []string{"fast"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rev.RevieweeAgentID != f.seller || rev.Role != models.RoleClientOfSeller {
		t.Errorf("review = %+v", rev)
	}
	if got := f.store.reputations[repKey(f.seller, models.RoleClientOfSeller)]; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("reputation = %s, want 5", got)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0] != "review.created" {
		t.Errorf("events = %v", f.notifier.events)
	}
}

func TestSubmit_Gating(t *testing.T) {
	ctx := context.Background()

	// Non-terminal job: conflict.
	inFlight := newReviewsFixture(t, models.JobInProgress)
	if _, err := inFlight.svc.Submit(ctx, inFlight.jobID, inFlight.client, SubmitParams{Rating: 4}); apperr.HTTPStatus(err) != 409 {
		t.Errorf("in-progress job review should 409, got %v", err)
	}

	// Failed jobs are reviewable.
	failed := newReviewsFixture(t, models.JobFailed)
	if _, err := failed.svc.Submit(ctx, failed.jobID, failed.seller, SubmitParams{Rating: 2}); err != nil {
		t.Errorf("failed job review: %v", err)
	}

	// Outsider: forbidden.
	f := newReviewsFixture(t, models.JobCompleted)
	if _, err := f.svc.Submit(ctx, f.jobID, uuid.New(), SubmitParams{Rating: 3}); apperr.HTTPStatus(err) != 403 {
		t.Errorf("outsider review should 403, got %v", err)
	}

	// Rating bounds.
	for _, rating := range []int{0, 6, -1} {
		if _, err := f.svc.Submit(ctx, f.jobID, f.client, SubmitParams{Rating: rating}); apperr.HTTPStatus(err) != 422 {
			t.Errorf("rating %d should 422, got %v", rating, err)
		}
	}

	// Unknown job.
	if _, err := f.svc.Submit(ctx, uuid.New(), f.client, SubmitParams{Rating: 4}); apperr.HTTPStatus(err) != 404 {
		t.Errorf("unknown job should 404, got %v", err)
	}
}

func TestSubmit_OncePerReviewer(t *testing.T) {
	f := newReviewsFixture(t, models.JobCompleted)
	ctx := context.Background()
	if _, err := f.svc.Submit(ctx, f.jobID, f.client, SubmitParams{Rating: 5}); err != nil {
		t.Fatalf("first review: %v", err)
	}
	if _, err := f.svc.Submit(ctx, f.jobID, f.client, SubmitParams{Rating: 1}); apperr.HTTPStatus(err) != 409 {
		t.Errorf("second review by same party should 409, got %v", err)
	}
	// The other party still gets their one review.
	if _, err := f.svc.Submit(ctx, f.jobID, f.seller, SubmitParams{Rating: 4}); err != nil {
		t.Errorf("counterparty review: %v", err)
	}
}

func TestReputationRunningMean(t *testing.T) {
	f := newReviewsFixture(t, models.JobCompleted)
	ctx := context.Background()

	ratings := []int{5, 3, 4}
	for i, rating := range ratings {
		jobID := uuid.New()
		client := uuid.New()
		f.store.jobs[jobID] = jobInfo{clientID: client, sellerID: f.seller, status: models.JobCompleted}
		if _, err := f.svc.Submit(ctx, jobID, client, SubmitParams{Rating: rating}); err != nil {
			t.Fatalf("review %d: %v", i, err)
		}
	}
	// (5 + 3 + 4) / 3 = 4.00
	got := f.store.reputations[repKey(f.seller, models.RoleClientOfSeller)]
	if !got.Equal(decimal.RequireFromString("4")) {
		t.Errorf("reputation = %s, want 4.00", got)
	}
}

func TestGetReputation_NewBelowThreshold(t *testing.T) {
	f := newReviewsFixture(t, models.JobCompleted)
	ctx := context.Background()

	rep, err := f.svc.GetReputation(ctx, f.seller, decimal.RequireFromString("4.50"), decimal.Zero)
	if err != nil {
		t.Fatalf("GetReputation: %v", err)
	}
	if rep.SellerDisplay != "new" || rep.SellerScore != nil {
		t.Errorf("agent with no reviews must display as new: %+v", rep)
	}

	// At the threshold the numeric score appears.
	for i := 0; i < NewThreshold; i++ {
		jobID := uuid.New()
		client := uuid.New()
		f.store.jobs[jobID] = jobInfo{clientID: client, sellerID: f.seller, status: models.JobCompleted}
		if _, err := f.svc.Submit(ctx, jobID, client, SubmitParams{Rating: 4}); err != nil {
			t.Fatalf("review %d: %v", i, err)
		}
	}
	rep, err = f.svc.GetReputation(ctx, f.seller, decimal.RequireFromString("4.00"), decimal.Zero)
	if err != nil {
		t.Fatalf("GetReputation: %v", err)
	}
	if rep.SellerScore == nil || rep.SellerDisplay != "4.00" {
		t.Errorf("at threshold the score must display: %+v", rep)
	}
	if rep.ClientDisplay != "new" {
		t.Errorf("client role with no reviews must stay new: %+v", rep)
	}
}
