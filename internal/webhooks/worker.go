package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/agentbazaar/backend/internal/models"
)

// MaxAttempts matches the backoff schedule length: after the fifth
// failure the delivery dead-letters.
const MaxAttempts = 5

// backoffSchedule is indexed by the attempt that just failed (1-based).
var backoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
}

// WorkerStore is the repository surface the delivery worker needs.
type WorkerStore interface {
	Get(ctx context.Context, deliveryID uuid.UUID) (*models.WebhookDelivery, error)
	MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error
	RecordAttempt(ctx context.Context, deliveryID uuid.UUID, lastError string) error
	MarkFailed(ctx context.Context, deliveryID uuid.UUID, lastError string) error
	AgentEndpoint(ctx context.Context, agentID uuid.UUID) (endpointURL, webhookSecret string, err error)
}

// DeliverWorker POSTs one delivery row to its target. River provides
// single-dispatcher semantics per job; retries follow backoffSchedule.
type DeliverWorker struct {
	river.WorkerDefaults[DeliverArgs]
	store WorkerStore
	httpc *http.Client
	log   *slog.Logger
}

func NewDeliverWorker(store WorkerStore, timeout time.Duration, log *slog.Logger) *DeliverWorker {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DeliverWorker{
		store: store,
		httpc: &http.Client{Timeout: timeout},
		log:   log,
	}
}

func (w *DeliverWorker) NextRetry(job *river.Job[DeliverArgs]) time.Time {
	idx := job.Attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return time.Now().Add(backoffSchedule[idx])
}

func (w *DeliverWorker) Work(ctx context.Context, job *river.Job[DeliverArgs]) error {
	delivery, err := w.store.Get(ctx, job.Args.DeliveryID)
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", job.Args.DeliveryID, err)
	}
	if delivery.Status == models.WebhookDelivered {
		return nil
	}

	attemptErr := w.attempt(ctx, delivery)
	if attemptErr == nil {
		if err := w.store.MarkDelivered(ctx, delivery.DeliveryID); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		w.log.Info("webhook delivered", "delivery_id", delivery.DeliveryID, "event", delivery.EventType)
		return nil
	}

	if err := w.store.RecordAttempt(ctx, delivery.DeliveryID, attemptErr.Error()); err != nil {
		w.log.Error("record webhook attempt failed", "delivery_id", delivery.DeliveryID, "error", err)
	}

	if job.Attempt >= MaxAttempts {
		if err := w.store.MarkFailed(ctx, delivery.DeliveryID, attemptErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		w.log.Warn("webhook dead-lettered", "delivery_id", delivery.DeliveryID,
			"event", delivery.EventType, "attempts", job.Attempt, "error", attemptErr)
		return nil
	}
	return attemptErr
}

// attempt signs the stored envelope with the recipient's current secret
// and POSTs it. Any non-2xx response is a failure.
func (w *DeliverWorker) attempt(ctx context.Context, delivery *models.WebhookDelivery) error {
	endpointURL, secret, err := w.store.AgentEndpoint(ctx, delivery.TargetAgentID)
	if err != nil {
		return fmt.Errorf("resolve target agent: %w", err)
	}
	if endpointURL == "" {
		return errors.New("target agent has no endpoint")
	}

	var env Envelope
	if err := json.Unmarshal(delivery.Payload, &env); err != nil {
		return fmt.Errorf("stored payload corrupt: %w", err)
	}
	signed, err := env.Signed(secret)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("target returned status %d", resp.StatusCode)
	}
	return nil
}
