package reviews

import (
	"context"

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

const reviewColumns = `
	review_id, job_id, reviewer_agent_id, reviewee_agent_id, role, rating, tags, comment, created_at`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rev *models.Review) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reviews (review_id, job_id, reviewer_agent_id, reviewee_agent_id, role, rating, tags, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rev.ReviewID, rev.JobID, rev.ReviewerAgentID, rev.RevieweeAgentID, rev.Role, rev.Rating, rev.Tags, rev.Comment)
	return err
}

func (r *Repository) Exists(ctx context.Context, jobID, reviewerAgentID uuid.UUID) (bool, error) {
	var exists bool
	row := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM reviews WHERE job_id = $1 AND reviewer_agent_id = $2)
	`, jobID, reviewerAgentID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// CountForRole counts reviews of an agent in a role, inside tx so the
// reputation update reads a consistent count.
func (r *Repository) CountForRole(ctx context.Context, tx pgx.Tx, revieweeAgentID uuid.UUID, role models.ReviewRole) (int, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM reviews WHERE reviewee_agent_id = $1 AND role = $2
	`, revieweeAgentID, role)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ReputationForUpdate locks the agent row and returns the stored scalar
// for the role.
func (r *Repository) ReputationForUpdate(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, role models.ReviewRole) (decimal.Decimal, error) {
	column := "reputation_seller"
	if role == models.RoleSellerOfClient {
		column = "reputation_client"
	}
	var rep string
	row := tx.QueryRow(ctx, `SELECT `+column+`::text FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID)
	if err := row.Scan(&rep); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(rep)
}

func (r *Repository) SetReputation(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, role models.ReviewRole, value decimal.Decimal) error {
	column := "reputation_seller"
	if role == models.RoleSellerOfClient {
		column = "reputation_client"
	}
	_, err := tx.Exec(ctx, `UPDATE agents SET `+column+` = $1 WHERE agent_id = $2`, value.StringFixed(2), agentID)
	return err
}

func (r *Repository) ListForAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.Review, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE reviewee_agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *Repository) ListForJob(ctx context.Context, jobID uuid.UUID) ([]*models.Review, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reviewColumns+` FROM reviews WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// RoleCounts returns (as-seller, as-client) review counts for display.
func (r *Repository) RoleCounts(ctx context.Context, agentID uuid.UUID) (sellerCount, clientCount int, err error) {
	row := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE role = $2),
			COUNT(*) FILTER (WHERE role = $3)
		FROM reviews WHERE reviewee_agent_id = $1
	`, agentID, models.RoleClientOfSeller, models.RoleSellerOfClient)
	if err := row.Scan(&sellerCount, &clientCount); err != nil {
		return 0, 0, err
	}
	return sellerCount, clientCount, nil
}

// TopTags returns the most common tags across an agent's reviews.
func (r *Repository) TopTags(ctx context.Context, agentID uuid.UUID, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tag FROM reviews, unnest(tags) AS tag
		WHERE reviewee_agent_id = $1
		GROUP BY tag ORDER BY COUNT(*) DESC, tag ASC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

// JobForReview returns the fields review submission gates on.
func (r *Repository) JobForReview(ctx context.Context, jobID uuid.UUID) (clientID, sellerID uuid.UUID, status models.JobStatus, err error) {
	row := r.pool.QueryRow(ctx, `SELECT client_agent_id, seller_agent_id, status FROM jobs WHERE job_id = $1`, jobID)
	if err := row.Scan(&clientID, &sellerID, &status); err != nil {
		return uuid.Nil, uuid.Nil, "", err
	}
	return clientID, sellerID, status, nil
}

func collect(rows pgx.Rows) ([]*models.Review, error) {
	var out []*models.Review
	for rows.Next() {
		var rev models.Review
		if err := rows.Scan(&rev.ReviewID, &rev.JobID, &rev.ReviewerAgentID, &rev.RevieweeAgentID,
			&rev.Role, &rev.Rating, &rev.Tags, &rev.Comment, &rev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rev)
	}
	return out, rows.Err()
}
