package agents

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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

const agentColumns = `
	agent_id, public_key, display_name, description, endpoint_url, capabilities,
	agent_card, webhook_secret, identity_id, identity_username,
	reputation_seller::text, reputation_client::text, balance::text, status, created_at, last_seen_at`

func (r *Repository) Create(ctx context.Context, a *models.Agent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agents (
			agent_id, public_key, display_name, description, endpoint_url, capabilities,
			agent_card, webhook_secret, identity_id, identity_username, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.AgentID, a.PublicKey, a.DisplayName, a.Description, a.EndpointURL, a.Capabilities,
		nullableJSON(a.AgentCard), a.WebhookSecret, a.IdentityID, a.IdentityUsername, a.Status)
	return err
}

func (r *Repository) GetByID(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

func (r *Repository) GetByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE public_key = $1`, publicKey)
	return scanAgent(row)
}

func (r *Repository) GetByIdentityID(ctx context.Context, identityID string) (*models.Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE identity_id = $1`, identityID)
	return scanAgent(row)
}

// UpdateProfile persists the mutable profile fields.
func (r *Repository) UpdateProfile(ctx context.Context, a *models.Agent) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET display_name = $1, description = $2, endpoint_url = $3, capabilities = $4, agent_card = $5
		WHERE agent_id = $6
	`, a.DisplayName, a.Description, a.EndpointURL, a.Capabilities, nullableJSON(a.AgentCard), a.AgentID)
	return err
}

func (r *Repository) SetStatus(ctx context.Context, agentID uuid.UUID, status models.AgentStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE agents SET status = $1 WHERE agent_id = $2`, status, agentID)
	return err
}

func (r *Repository) TouchLastSeen(ctx context.Context, agentID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE agents SET last_seen_at = now() WHERE agent_id = $1`, agentID)
	return err
}

// GetForUpdate locks the agent row and returns the balance; the fee
// engine charges through this.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (decimal.Decimal, error) {
	var balance string
	row := tx.QueryRow(ctx, `SELECT balance::text FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID)
	if err := row.Scan(&balance); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

func (r *Repository) AdjustBalance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, delta decimal.Decimal) error {
	_, err := tx.Exec(ctx, `UPDATE agents SET balance = balance + $1 WHERE agent_id = $2`, delta.StringFixed(2), agentID)
	return err
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	var repSeller, repClient, balance string
	if err := row.Scan(
		&a.AgentID, &a.PublicKey, &a.DisplayName, &a.Description, &a.EndpointURL, &a.Capabilities,
		&a.AgentCard, &a.WebhookSecret, &a.IdentityID, &a.IdentityUsername,
		&repSeller, &repClient, &balance, &a.Status, &a.CreatedAt, &a.LastSeenAt,
	); err != nil {
		return nil, err
	}
	var err error
	if a.ReputationSeller, err = decimal.NewFromString(repSeller); err != nil {
		return nil, err
	}
	if a.ReputationClient, err = decimal.NewFromString(repClient); err != nil {
		return nil, err
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, err
	}
	return &a, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
