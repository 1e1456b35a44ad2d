package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentbazaar/backend/internal/models"
)

// DeliverArgs is the River job payload: one durable delivery row to POST.
type DeliverArgs struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
}

func (DeliverArgs) Kind() string { return "webhook_deliver" }

// InsertDeliveryJobFunc enqueues a DeliverArgs job inside the given
// transaction; wired to river.Client.InsertTx in main.
type InsertDeliveryJobFunc func(ctx context.Context, tx pgx.Tx, args DeliverArgs) error

// DispatcherStore is the repository surface the dispatcher writes.
type DispatcherStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Insert(ctx context.Context, tx pgx.Tx, d *models.WebhookDelivery) error
}

// Dispatcher turns domain events into pending delivery rows plus queued
// worker jobs, in one transaction per recipient.
type Dispatcher struct {
	store     DispatcherStore
	insertJob InsertDeliveryJobFunc
	log       *slog.Logger
	now       func() time.Time
}

func NewDispatcher(store DispatcherStore, insertJob InsertDeliveryJobFunc, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: store, insertJob: insertJob, log: log, now: time.Now}
}

// JobEvent notifies both parties of a job lifecycle event. Failures are
// logged, never propagated: webhooks are best-effort from the caller's
// point of view and at-least-once from the row's.
func (d *Dispatcher) JobEvent(ctx context.Context, job *models.Job, event string, data map[string]any) {
	for _, target := range []uuid.UUID{job.ClientAgentID, job.SellerAgentID} {
		if err := d.enqueue(ctx, target, event, job.JobID, data); err != nil {
			d.log.Error("enqueue webhook failed", "event", event, "target", target, "error", err)
		}
	}
}

// AgentEvent notifies a single agent (review.created, deadline_warning).
func (d *Dispatcher) AgentEvent(ctx context.Context, targetAgentID uuid.UUID, event string, jobID uuid.UUID, data map[string]any) {
	if err := d.enqueue(ctx, targetAgentID, event, jobID, data); err != nil {
		d.log.Error("enqueue webhook failed", "event", event, "target", targetAgentID, "error", err)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, target uuid.UUID, event string, jobID uuid.UUID, data map[string]any) error {
	env, err := NewEnvelope(event, jobID, data, d.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	delivery := &models.WebhookDelivery{
		DeliveryID:    uuid.New(),
		TargetAgentID: target,
		EventType:     event,
		Payload:       payload,
		Status:        models.WebhookPending,
	}
	if err := d.store.Insert(ctx, tx, delivery); err != nil {
		return err
	}
	if err := d.insertJob(ctx, tx, DeliverArgs{DeliveryID: delivery.DeliveryID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
