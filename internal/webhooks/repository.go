package webhooks

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentbazaar/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d *models.WebhookDelivery) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, target_agent_id, event_type, payload, status, attempts)
		VALUES ($1, $2, $3, $4, $5, 0)
	`, d.DeliveryID, d.TargetAgentID, d.EventType, d.Payload, d.Status)
	return err
}

func (r *Repository) Get(ctx context.Context, deliveryID uuid.UUID) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	row := r.pool.QueryRow(ctx, `
		SELECT delivery_id, target_agent_id, event_type, payload, status, attempts, last_error, created_at
		FROM webhook_deliveries WHERE delivery_id = $1
	`, deliveryID)
	if err := row.Scan(&d.DeliveryID, &d.TargetAgentID, &d.EventType, &d.Payload, &d.Status, &d.Attempts, &d.LastError, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repository) MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET status = $1 WHERE delivery_id = $2
	`, models.WebhookDelivered, deliveryID)
	return err
}

// RecordAttempt bumps the attempt counter and stores the latest error.
func (r *Repository) RecordAttempt(ctx context.Context, deliveryID uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET attempts = attempts + 1, last_error = $1 WHERE delivery_id = $2
	`, lastError, deliveryID)
	return err
}

// MarkFailed dead-letters the delivery; the row stays for inspection.
func (r *Repository) MarkFailed(ctx context.Context, deliveryID uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET status = $1, last_error = $2 WHERE delivery_id = $3
	`, models.WebhookFailed, lastError, deliveryID)
	return err
}

// AgentEndpoint returns the delivery target and signing secret for an
// agent.
func (r *Repository) AgentEndpoint(ctx context.Context, agentID uuid.UUID) (endpointURL, webhookSecret string, err error) {
	row := r.pool.QueryRow(ctx, `SELECT endpoint_url, webhook_secret FROM agents WHERE agent_id = $1`, agentID)
	if err := row.Scan(&endpointURL, &webhookSecret); err != nil {
		return "", "", err
	}
	return endpointURL, webhookSecret, nil
}
