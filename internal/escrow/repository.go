package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/models"
)

// Repository owns the SQL for escrow accounts, the append-only audit log,
// and the balance/job rows the engine mutates. Every method that writes
// runs inside the caller's transaction so a crash before commit leaves
// the ledger consistent.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// GetJobForUpdate locks the job row and returns the fields the engine
// needs. Returns pgx.ErrNoRows if the job does not exist.
func (r *Repository) GetJobForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error) {
	var j models.Job
	row := tx.QueryRow(ctx, `
		SELECT job_id, client_agent_id, seller_agent_id, status, agreed_price::text, delivery_deadline
		FROM jobs WHERE job_id = $1
		FOR UPDATE
	`, jobID)
	var price string
	if err := row.Scan(&j.JobID, &j.ClientAgentID, &j.SellerAgentID, &j.Status, &price, &j.DeliveryDeadline); err != nil {
		return nil, err
	}
	var err error
	j.AgreedPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) SetJobStatus(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, status models.JobStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = now() WHERE job_id = $2
	`, status, jobID)
	return err
}

// GetEscrowForUpdate locks the escrow row for a job, or returns
// pgx.ErrNoRows when the job has none.
func (r *Repository) GetEscrowForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.EscrowAccount, error) {
	var e models.EscrowAccount
	var amount string
	row := tx.QueryRow(ctx, `
		SELECT escrow_id, job_id, client_agent_id, seller_agent_id, amount::text, status, funded_at, released_at
		FROM escrow_accounts WHERE job_id = $1
		FOR UPDATE
	`, jobID)
	if err := row.Scan(&e.EscrowID, &e.JobID, &e.ClientAgentID, &e.SellerAgentID, &amount, &e.Status, &e.FundedAt, &e.ReleasedAt); err != nil {
		return nil, err
	}
	var err error
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) InsertEscrow(ctx context.Context, tx pgx.Tx, e *models.EscrowAccount) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_accounts (escrow_id, job_id, client_agent_id, seller_agent_id, amount, status, funded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.EscrowID, e.JobID, e.ClientAgentID, e.SellerAgentID, e.Amount.StringFixed(2), e.Status, e.FundedAt)
	return err
}

func (r *Repository) SetEscrowStatus(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, status models.EscrowStatus, releasedAt *time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET status = $1, released_at = COALESCE($2, released_at) WHERE escrow_id = $3
	`, status, releasedAt, escrowID)
	return err
}

// AppendAudit writes one immutable audit row. It is only ever called
// inside the transaction that performs the matching state change.
func (r *Repository) AppendAudit(ctx context.Context, tx pgx.Tx, entry *models.EscrowAuditEntry) error {
	meta := entry.Metadata
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_audit_log (audit_id, escrow_id, action, actor_agent_id, amount, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.AuditID, entry.EscrowID, entry.Action, entry.ActorAgentID, entry.Amount.StringFixed(2), meta)
	return err
}

func (r *Repository) ListAudit(ctx context.Context, escrowID uuid.UUID) ([]*models.EscrowAuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT audit_id, escrow_id, action, actor_agent_id, amount::text, metadata, created_at
		FROM escrow_audit_log WHERE escrow_id = $1 ORDER BY created_at ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.EscrowAuditEntry
	for rows.Next() {
		var e models.EscrowAuditEntry
		var amount string
		if err := rows.Scan(&e.AuditID, &e.EscrowID, &e.Action, &e.ActorAgentID, &amount, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LockBalance acquires the agent row lock and returns the balance.
func (r *Repository) LockBalance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (decimal.Decimal, error) {
	var balance string
	row := tx.QueryRow(ctx, `SELECT balance::text FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID)
	if err := row.Scan(&balance); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

// AdjustBalance applies a signed delta to an already-locked agent row.
func (r *Repository) AdjustBalance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, delta decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE agents SET balance = balance + $1 WHERE agent_id = $2
	`, delta.StringFixed(2), agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("agent not found for balance adjustment")
	}
	return nil
}
