// Package reviews records counterparty ratings and keeps the per-role
// reputation scalars current.
package reviews

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/validate"
)

// NewThreshold is the review count below which reputation displays as
// "new" rather than a number.
const NewThreshold = 20

// Store is the repository surface; implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Insert(ctx context.Context, tx pgx.Tx, rev *models.Review) error
	Exists(ctx context.Context, jobID, reviewerAgentID uuid.UUID) (bool, error)
	CountForRole(ctx context.Context, tx pgx.Tx, revieweeAgentID uuid.UUID, role models.ReviewRole) (int, error)
	ReputationForUpdate(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, role models.ReviewRole) (decimal.Decimal, error)
	SetReputation(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, role models.ReviewRole, value decimal.Decimal) error
	ListForAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.Review, error)
	ListForJob(ctx context.Context, jobID uuid.UUID) ([]*models.Review, error)
	RoleCounts(ctx context.Context, agentID uuid.UUID) (sellerCount, clientCount int, err error)
	TopTags(ctx context.Context, agentID uuid.UUID, limit int) ([]string, error)
	JobForReview(ctx context.Context, jobID uuid.UUID) (clientID, sellerID uuid.UUID, status models.JobStatus, err error)
}

// Notifier delivers review.created webhooks.
type Notifier interface {
	AgentEvent(ctx context.Context, targetAgentID uuid.UUID, event string, jobID uuid.UUID, data map[string]any)
}

type Service struct {
	repo   Store
	notify Notifier
	log    *slog.Logger
}

func NewService(repo Store, notify Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, notify: notify, log: log}
}

// SubmitParams is a validated review submission.
type SubmitParams struct {
	Rating  int
	Tags    []string
	Comment string
}

// Submit records one review per (job, reviewer) once the job has
// finished, and folds the rating into the reviewee's running mean.
func (s *Service) Submit(ctx context.Context, jobID, reviewerAgentID uuid.UUID, p SubmitParams) (*models.Review, error) {
	if p.Rating < 1 || p.Rating > 5 {
		return nil, apperr.Schema("rating must be between 1 and 5")
	}
	if err := validate.Tags(p.Tags); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if err := validate.Text("comment", p.Comment, validate.MaxComment); err != nil {
		return nil, apperr.Schema(err.Error())
	}

	clientID, sellerID, status, err := s.repo.JobForReview(ctx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("job not found")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load job", err)
	}
	switch status {
	case models.JobCompleted, models.JobFailed, models.JobResolved:
	default:
		return nil, apperr.Newf(apperr.KindConflict, "can only review finished jobs, currently %s", status)
	}

	var revieweeID uuid.UUID
	var role models.ReviewRole
	switch reviewerAgentID {
	case clientID:
		revieweeID, role = sellerID, models.RoleClientOfSeller
	case sellerID:
		revieweeID, role = clientID, models.RoleSellerOfClient
	default:
		return nil, apperr.Forbidden("only parties to the job can leave reviews")
	}

	if exists, err := s.repo.Exists(ctx, jobID, reviewerAgentID); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "check duplicate review", err)
	} else if exists {
		return nil, apperr.Conflict("you have already reviewed this job")
	}

	review := &models.Review{
		ReviewID:        uuid.New(),
		JobID:           jobID,
		ReviewerAgentID: reviewerAgentID,
		RevieweeAgentID: revieweeID,
		Role:            role,
		Rating:          p.Rating,
		Tags:            p.Tags,
		Comment:         p.Comment,
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, review); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperr.Conflict("you have already reviewed this job")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "insert review", err)
	}
	if err := s.updateReputation(ctx, tx, revieweeID, role, p.Rating); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "update reputation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "commit review", err)
	}

	if s.notify != nil {
		s.notify.AgentEvent(ctx, revieweeID, "review.created", jobID, map[string]any{
			"rating": p.Rating,
			"role":   string(role),
		})
	}
	s.log.Info("review submitted", "job_id", jobID, "reviewer", reviewerAgentID, "rating", p.Rating)
	return review, nil
}

// updateReputation folds the new rating into the stored running mean:
// average' = (average × count + rating) / (count + 1), under the agent
// row lock so concurrent reviews serialize.
func (s *Service) updateReputation(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, role models.ReviewRole, rating int) error {
	current, err := s.repo.ReputationForUpdate(ctx, tx, agentID, role)
	if err != nil {
		return err
	}
	countBefore, err := s.repo.CountForRole(ctx, tx, agentID, role)
	if err != nil {
		return err
	}
	// The review was inserted in this transaction, so the count already
	// includes it.
	countAfter := countBefore
	if countAfter < 1 {
		countAfter = 1
	}
	countBefore = countAfter - 1

	total := current.Mul(decimal.NewFromInt(int64(countBefore))).Add(decimal.NewFromInt(int64(rating)))
	average := total.Div(decimal.NewFromInt(int64(countAfter))).Round(2)
	return s.repo.SetReputation(ctx, tx, agentID, role, average)
}

// Reputation is the display summary for an agent.
type Reputation struct {
	AgentID           uuid.UUID
	SellerScore       *decimal.Decimal
	SellerDisplay     string
	ClientScore       *decimal.Decimal
	ClientDisplay     string
	ReviewsAsSeller   int
	ReviewsAsClient   int
	TopTags           []string
}

// GetReputation summarizes both roles, showing "new" under the
// confidence threshold.
func (s *Service) GetReputation(ctx context.Context, agentID uuid.UUID, sellerScore, clientScore decimal.Decimal) (*Reputation, error) {
	sellerCount, clientCount, err := s.repo.RoleCounts(ctx, agentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "count reviews", err)
	}
	tags, err := s.repo.TopTags(ctx, agentID, 5)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "aggregate tags", err)
	}

	rep := &Reputation{
		AgentID:         agentID,
		SellerDisplay:   "new",
		ClientDisplay:   "new",
		ReviewsAsSeller: sellerCount,
		ReviewsAsClient: clientCount,
		TopTags:         tags,
	}
	if sellerCount >= NewThreshold {
		rep.SellerScore = &sellerScore
		rep.SellerDisplay = sellerScore.StringFixed(2)
	}
	if clientCount >= NewThreshold {
		rep.ClientScore = &clientScore
		rep.ClientDisplay = clientScore.StringFixed(2)
	}
	return rep, nil
}

func (s *Service) ListForAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	out, err := s.repo.ListForAgent(ctx, agentID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list reviews", err)
	}
	return out, nil
}

func (s *Service) ListForJob(ctx context.Context, jobID uuid.UUID) ([]*models.Review, error) {
	out, err := s.repo.ListForJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list reviews", err)
	}
	return out, nil
}
