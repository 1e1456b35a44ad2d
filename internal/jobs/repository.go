package jobs

import (
	"context"
	"encoding/json"
	"time"

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

const jobColumns = `
	job_id, client_agent_id, seller_agent_id, listing_id, task_ref, context_ref, status,
	acceptance_criteria, acceptance_criteria_hash, requirements,
	agreed_price::text, delivery_deadline, negotiation_log, max_rounds,
	current_round, result, started_at, delivered_at, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, j *models.Job) error {
	logJSON, err := json.Marshal(j.NegotiationLog)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (
			job_id, client_agent_id, seller_agent_id, listing_id, task_ref, context_ref, status,
			acceptance_criteria, acceptance_criteria_hash, requirements,
			agreed_price, delivery_deadline, negotiation_log, max_rounds, current_round
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, j.JobID, j.ClientAgentID, j.SellerAgentID, j.ListingID, j.TaskRef, j.ContextRef, j.Status,
		nullableJSON(j.AcceptanceCriteria), j.CriteriaHash, nullableJSON(j.Requirements),
		j.AgreedPrice.StringFixed(2), j.DeliveryDeadline, logJSON, j.MaxRounds, j.CurrentRound)
	return err
}

func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

// GetForUpdate locks the job row for the duration of tx so negotiation
// appends and transitions are totally ordered per job.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID)
	return scanJob(row)
}

// UpdateNegotiation persists a round append (status, price, round counter,
// log) under the row lock held by tx.
func (r *Repository) UpdateNegotiation(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	logJSON, err := json.Marshal(j.NegotiationLog)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, agreed_price = $2, delivery_deadline = $3, requirements = $4,
			negotiation_log = $5, current_round = $6, updated_at = now()
		WHERE job_id = $7
	`, j.Status, j.AgreedPrice.StringFixed(2), j.DeliveryDeadline, nullableJSON(j.Requirements),
		logJSON, j.CurrentRound, j.JobID)
	return err
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, status models.JobStatus) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET status = $1, updated_at = now() WHERE job_id = $2`, status, jobID)
	return err
}

func (r *Repository) SetStarted(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $1, started_at = $2, updated_at = now() WHERE job_id = $3
	`, models.JobInProgress, at, jobID)
	return err
}

func (r *Repository) SetDelivered(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, result json.RawMessage, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $1, result = $2, delivered_at = $3, updated_at = now() WHERE job_id = $4
	`, models.JobDelivered, result, at, jobID)
	return err
}

// ListForAgent returns jobs where the agent is a party, newest first.
func (r *Repository) ListForAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE client_agent_id = $1 OR seller_agent_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListNonTerminalWithDeadline feeds the boot-time deadline recovery scan.
func (r *Repository) ListNonTerminalWithDeadline(ctx context.Context) (map[uuid.UUID]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, delivery_deadline FROM jobs
		WHERE delivery_deadline IS NOT NULL
		  AND status IN ($1, $2, $3)
	`, models.JobFunded, models.JobInProgress, models.JobDelivered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var id uuid.UUID
		var deadline time.Time
		if err := rows.Scan(&id, &deadline); err != nil {
			return nil, err
		}
		out[id] = deadline
	}
	return out, rows.Err()
}

// ListFundedJobIDsForAgent returns the funded, in_progress and delivered
// jobs where the agent is a party; used to unwind escrow on deactivation.
// Jobs in verifying are not included.
func (r *Repository) ListFundedJobIDsForAgent(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id FROM jobs
		WHERE (client_agent_id = $1 OR seller_agent_id = $1)
		  AND status IN ($2, $3, $4)
	`, agentID, models.JobFunded, models.JobInProgress, models.JobDelivered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AgentStatus returns the status of an agent, or pgx.ErrNoRows.
func (r *Repository) AgentStatus(ctx context.Context, agentID uuid.UUID) (models.AgentStatus, error) {
	var status models.AgentStatus
	row := r.pool.QueryRow(ctx, `SELECT status FROM agents WHERE agent_id = $1`, agentID)
	if err := row.Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var price string
	var logJSON []byte
	if err := row.Scan(
		&j.JobID, &j.ClientAgentID, &j.SellerAgentID, &j.ListingID, &j.TaskRef, &j.ContextRef, &j.Status,
		&j.AcceptanceCriteria, &j.CriteriaHash, &j.Requirements,
		&price, &j.DeliveryDeadline, &logJSON, &j.MaxRounds,
		&j.CurrentRound, &j.Result, &j.StartedAt, &j.DeliveredAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if j.AgreedPrice, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &j.NegotiationLog); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
