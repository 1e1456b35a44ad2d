package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/agentbazaar/backend/internal/models"
)

func TestSignatureRoundTrip(t *testing.T) {
	env, err := NewEnvelope("job.completed", uuid.New(), map[string]any{"agreed_price": "10.00"}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	signed, err := env.Signed("topsecret")
	if err != nil {
		t.Fatalf("Signed: %v", err)
	}
	if signed.Signature == "" {
		t.Fatal("signature missing")
	}

	// The recipient recomputes over the compact body sans signature.
	unsigned := signed
	unsigned.Signature = ""
	body, _ := json.Marshal(unsigned)
	if !VerifySignature("topsecret", signed.Timestamp, body, signed.Signature) {
		t.Error("signature must verify under the shared secret")
	}
	if VerifySignature("wrong", signed.Timestamp, body, signed.Signature) {
		t.Error("signature must not verify under a different secret")
	}
	if VerifySignature("topsecret", signed.Timestamp, append(body, 'x'), signed.Signature) {
		t.Error("signature must not verify for a tampered body")
	}
}

func TestBackoffSchedule(t *testing.T) {
	w := NewDeliverWorker(nil, 10*time.Second, nil)
	want := []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 5 * time.Minute, 30 * time.Minute}
	for attempt := 1; attempt <= 5; attempt++ {
		next := w.NextRetry(&river.Job[DeliverArgs]{JobRow: &rivertype.JobRow{Attempt: attempt}})
		delay := time.Until(next)
		target := want[attempt-1]
		if delay < target-time.Second || delay > target+time.Second {
			t.Errorf("attempt %d: delay ≈ %v, want ≈ %v", attempt, delay, target)
		}
	}
}

// ---------------------------------------------------------------------------
// Worker store stub
// ---------------------------------------------------------------------------

type memDeliveries struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*models.WebhookDelivery
	endpoint   string
	secret     string
}

func newMemDeliveries(endpoint string) *memDeliveries {
	return &memDeliveries{
		deliveries: make(map[uuid.UUID]*models.WebhookDelivery),
		endpoint:   endpoint,
		secret:     "hook-secret",
	}
}

func (m *memDeliveries) Get(_ context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *d
	return &cp, nil
}

func (m *memDeliveries) MarkDelivered(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[id].Status = models.WebhookDelivered
	return nil
}

func (m *memDeliveries) RecordAttempt(_ context.Context, id uuid.UUID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[id].Attempts++
	m.deliveries[id].LastError = &lastError
	return nil
}

func (m *memDeliveries) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[id].Status = models.WebhookFailed
	m.deliveries[id].LastError = &lastError
	return nil
}

func (m *memDeliveries) AgentEndpoint(_ context.Context, _ uuid.UUID) (string, string, error) {
	return m.endpoint, m.secret, nil
}

func (m *memDeliveries) add(env Envelope) uuid.UUID {
	payload, _ := json.Marshal(env)
	id := uuid.New()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[id] = &models.WebhookDelivery{
		DeliveryID:    id,
		TargetAgentID: uuid.New(),
		EventType:     env.Event,
		Payload:       payload,
		Status:        models.WebhookPending,
	}
	return id
}

func riverJob(id uuid.UUID, attempt int) *river.Job[DeliverArgs] {
	return &river.Job[DeliverArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt},
		Args:   DeliverArgs{DeliveryID: id},
	}
}

func TestWorker_DeliversAndSigns(t *testing.T) {
	var received Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemDeliveries(srv.URL)
	env, _ := NewEnvelope("job.delivered", uuid.New(), map[string]any{"k": "v"}, time.Now())
	id := store.add(env)

	w := NewDeliverWorker(store, 10*time.Second, nil)
	if err := w.Work(context.Background(), riverJob(id, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}

	d, _ := store.Get(context.Background(), id)
	if d.Status != models.WebhookDelivered {
		t.Errorf("status = %s, want delivered", d.Status)
	}
	if received.Signature == "" {
		t.Fatal("delivered envelope must carry a signature")
	}
	unsigned := received
	unsigned.Signature = ""
	body, _ := json.Marshal(unsigned)
	if !VerifySignature(store.secret, received.Timestamp, body, received.Signature) {
		t.Error("delivered signature must verify under the agent's webhook secret")
	}
}

func TestWorker_RetriesOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemDeliveries(srv.URL)
	env, _ := NewEnvelope("job.failed", uuid.New(), nil, time.Now())
	id := store.add(env)

	w := NewDeliverWorker(store, 10*time.Second, nil)
	err := w.Work(context.Background(), riverJob(id, 1))
	if err == nil {
		t.Fatal("non-2xx must return an error so River retries")
	}
	d, _ := store.Get(context.Background(), id)
	if d.Status != models.WebhookPending {
		t.Errorf("status = %s, want still pending", d.Status)
	}
	if d.Attempts != 1 || d.LastError == nil {
		t.Errorf("attempt not recorded: attempts=%d lastError=%v", d.Attempts, d.LastError)
	}
}

func TestWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemDeliveries(srv.URL)
	env, _ := NewEnvelope("job.failed", uuid.New(), nil, time.Now())
	id := store.add(env)

	w := NewDeliverWorker(store, 10*time.Second, nil)
	if err := w.Work(context.Background(), riverJob(id, MaxAttempts)); err != nil {
		t.Fatalf("final attempt must complete (dead-letter), got %v", err)
	}
	d, _ := store.Get(context.Background(), id)
	if d.Status != models.WebhookFailed {
		t.Errorf("status = %s, want failed (dead letter)", d.Status)
	}
	if d.LastError == nil {
		t.Error("dead letter must keep the last error for inspection")
	}
}

func TestWorker_AlreadyDeliveredIsNoop(t *testing.T) {
	store := newMemDeliveries("http://unreachable.invalid")
	env, _ := NewEnvelope("job.completed", uuid.New(), nil, time.Now())
	id := store.add(env)
	store.deliveries[id].Status = models.WebhookDelivered

	w := NewDeliverWorker(store, time.Second, nil)
	if err := w.Work(context.Background(), riverJob(id, 2)); err != nil {
		t.Fatalf("re-delivery of a delivered row must be a no-op: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

type memDispatchStore struct {
	mu       sync.Mutex
	inserted []*models.WebhookDelivery
}

type dispatchTx struct{ pgx.Tx }

func (dispatchTx) Rollback(ctx context.Context) error { return nil }
func (dispatchTx) Commit(ctx context.Context) error   { return nil }

func (m *memDispatchStore) Begin(ctx context.Context) (pgx.Tx, error) { return dispatchTx{}, nil }

func (m *memDispatchStore) Insert(_ context.Context, _ pgx.Tx, d *models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.inserted = append(m.inserted, &cp)
	return nil
}

func TestDispatcher_NotifiesBothParties(t *testing.T) {
	store := &memDispatchStore{}
	var queued []DeliverArgs
	insert := func(_ context.Context, _ pgx.Tx, args DeliverArgs) error {
		queued = append(queued, args)
		return nil
	}
	d := NewDispatcher(store, insert, nil)

	job := &models.Job{JobID: uuid.New(), ClientAgentID: uuid.New(), SellerAgentID: uuid.New()}
	d.JobEvent(context.Background(), job, "job.funded", map[string]any{"amount": "10.00"})

	if len(store.inserted) != 2 {
		t.Fatalf("inserted %d rows, want 2 (both parties)", len(store.inserted))
	}
	if len(queued) != 2 {
		t.Fatalf("queued %d jobs, want 2", len(queued))
	}
	targets := map[uuid.UUID]bool{}
	for _, row := range store.inserted {
		targets[row.TargetAgentID] = true
		if row.Status != models.WebhookPending {
			t.Errorf("row status = %s, want pending before the HTTP attempt", row.Status)
		}
		var env Envelope
		if err := json.Unmarshal(row.Payload, &env); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if env.Event != "job.funded" || env.JobID != job.JobID.String() {
			t.Errorf("envelope = %+v", env)
		}
		if env.Signature != "" {
			t.Error("stored envelope must be unsigned; signing happens per attempt")
		}
	}
	if !targets[job.ClientAgentID] || !targets[job.SellerAgentID] {
		t.Error("both parties must be notified")
	}
}
