// Package agents manages marketplace identities: registration with the
// SSRF-guarded endpoint check, profile updates, card caching, external
// identity, and status transitions.
package agents

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/escrow"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/validate"
)

// Refunder is the slice of the escrow engine used when a deactivating
// agent still has funded jobs.
type Refunder interface {
	Refund(ctx context.Context, jobID uuid.UUID, cause escrow.RefundCause) (*models.EscrowAccount, error)
}

// InFlightJobs lists jobs whose escrow must unwind when a party
// deactivates.
type InFlightJobs interface {
	ListFundedJobIDsForAgent(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error)
}

// Store is the repository surface; implemented by *Repository.
type Store interface {
	Create(ctx context.Context, a *models.Agent) error
	GetByID(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
	GetByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error)
	GetByIdentityID(ctx context.Context, identityID string) (*models.Agent, error)
	UpdateProfile(ctx context.Context, a *models.Agent) error
	SetStatus(ctx context.Context, agentID uuid.UUID, status models.AgentStatus) error
}

// Cards abstracts the agent-card fetcher for tests.
type Cards interface {
	Fetch(ctx context.Context, endpointURL string) (json.RawMessage, error)
}

type Service struct {
	cfg      config.Config
	repo     Store
	cards    Cards
	identity *IdentityVerifier
	refunder Refunder
	inflight InFlightJobs
	lookup   validate.LookupIPFunc
	log      *slog.Logger
}

func NewService(cfg config.Config, repo Store, cards Cards, identity *IdentityVerifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, repo: repo, cards: cards, identity: identity, log: log}
}

// WithEscrowUnwind wires the deactivation path that refunds funded jobs.
func (s *Service) WithEscrowUnwind(refunder Refunder, inflight InFlightJobs) *Service {
	s.refunder = refunder
	s.inflight = inflight
	return s
}

// RegisterParams is the validated registration surface.
type RegisterParams struct {
	PublicKey     string
	DisplayName   string
	Description   string
	EndpointURL   string
	Capabilities  []string
	IdentityToken string
}

// Register creates an active agent. The endpoint must be HTTPS and
// resolve to a public address; the public key and external identity must
// be unused.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*models.Agent, error) {
	if err := validate.Required("public_key", p.PublicKey); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if len(p.PublicKey) != 64 || !isHex(p.PublicKey) {
		return nil, apperr.Schema("public_key must be a 32-byte Ed25519 key in hex")
	}
	if err := validate.Required("display_name", p.DisplayName); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if err := validate.Text("display_name", p.DisplayName, validate.MaxDisplayName); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if err := validate.Text("description", p.Description, validate.MaxDescription); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if err := validate.EndpointURL(p.EndpointURL, s.lookup); err != nil {
		return nil, apperr.Schema(err.Error())
	}
	if err := validate.Tags(p.Capabilities); err != nil {
		return nil, apperr.Schema(err.Error())
	}

	if _, err := s.repo.GetByPublicKey(ctx, p.PublicKey); err == nil {
		return nil, apperr.Conflict("public key already registered")
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Wrap(apperr.KindDependency, "check public key", err)
	}

	capabilities := p.Capabilities
	var card json.RawMessage
	if s.cfg.RequireAgentCard && s.cards != nil {
		fetched, err := s.cards.Fetch(ctx, p.EndpointURL)
		if err != nil {
			if IsCardError(err) {
				return nil, apperr.Schema("agent card validation failed: " + err.Error())
			}
			return nil, apperr.Wrap(apperr.KindDependency, "fetch agent card", err)
		}
		card = fetched
		if derived := CardCapabilities(card); len(derived) > 0 {
			capabilities = derived
		}
	}

	var identityID, identityUsername *string
	switch {
	case p.IdentityToken != "":
		profile, err := s.identity.Verify(p.IdentityToken)
		if err != nil {
			return nil, apperr.AuthFailed
		}
		if _, err := s.repo.GetByIdentityID(ctx, profile.ID); err == nil {
			return nil, apperr.Conflict("this identity is already linked to an agent")
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindDependency, "check identity", err)
		}
		identityID = &profile.ID
		identityUsername = &profile.Username
	case s.cfg.IdentityRequired:
		return nil, apperr.Schema("identity_token is required for registration")
	}

	agent := &models.Agent{
		AgentID:          uuid.New(),
		PublicKey:        p.PublicKey,
		DisplayName:      p.DisplayName,
		Description:      p.Description,
		EndpointURL:      p.EndpointURL,
		Capabilities:     capabilities,
		AgentCard:        card,
		WebhookSecret:    newWebhookSecret(),
		IdentityID:       identityID,
		IdentityUsername: identityUsername,
		Status:           models.AgentActive,
	}
	if err := s.repo.Create(ctx, agent); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperr.Conflict("public key already registered")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "create agent", err)
	}
	s.log.Info("agent registered", "agent_id", agent.AgentID, "display_name", agent.DisplayName)
	return agent, nil
}

func (s *Service) Get(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	agent, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("agent not found")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load agent", err)
	}
	return agent, nil
}

// UpdateParams carries the optional profile fields; nil means unchanged.
type UpdateParams struct {
	DisplayName  *string
	Description  *string
	EndpointURL  *string
	Capabilities []string
}

// Update mutates the caller's own profile. Changing the endpoint
// re-fetches the card when cards are required.
func (s *Service) Update(ctx context.Context, agentID uuid.UUID, p UpdateParams) (*models.Agent, error) {
	agent, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if p.DisplayName != nil {
		if *p.DisplayName == "" || len(*p.DisplayName) > validate.MaxDisplayName {
			return nil, apperr.Schema("display_name must be 1-128 characters")
		}
		agent.DisplayName = *p.DisplayName
	}
	if p.Description != nil {
		if err := validate.Text("description", *p.Description, validate.MaxDescription); err != nil {
			return nil, apperr.Schema(err.Error())
		}
		agent.Description = *p.Description
	}
	if p.Capabilities != nil {
		if err := validate.Tags(p.Capabilities); err != nil {
			return nil, apperr.Schema(err.Error())
		}
		agent.Capabilities = p.Capabilities
	}
	if p.EndpointURL != nil {
		if err := validate.EndpointURL(*p.EndpointURL, s.lookup); err != nil {
			return nil, apperr.Schema(err.Error())
		}
		agent.EndpointURL = *p.EndpointURL
		if s.cfg.RequireAgentCard && s.cards != nil {
			card, err := s.cards.Fetch(ctx, *p.EndpointURL)
			if err != nil {
				if IsCardError(err) {
					return nil, apperr.Schema("agent card validation failed: " + err.Error())
				}
				return nil, apperr.Wrap(apperr.KindDependency, "fetch agent card", err)
			}
			agent.AgentCard = card
			if derived := CardCapabilities(card); len(derived) > 0 {
				agent.Capabilities = derived
			}
		}
	}

	if err := s.repo.UpdateProfile(ctx, agent); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "update agent", err)
	}
	return agent, nil
}

// Deactivate is the owner's soft delete; the row and its references
// survive, only the status transitions. Funded jobs the agent is party
// to unwind their escrow back to the client.
func (s *Service) Deactivate(ctx context.Context, agentID uuid.UUID) error {
	if _, err := s.Get(ctx, agentID); err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, agentID, models.AgentDeactivated); err != nil {
		return apperr.Wrap(apperr.KindDependency, "deactivate agent", err)
	}
	if s.refunder != nil && s.inflight != nil {
		jobIDs, err := s.inflight.ListFundedJobIDsForAgent(ctx, agentID)
		if err != nil {
			s.log.Error("list funded jobs for deactivation failed", "agent_id", agentID, "error", err)
		}
		for _, jobID := range jobIDs {
			if _, err := s.refunder.Refund(ctx, jobID, escrow.CauseDeactivation); err != nil {
				s.log.Error("deactivation refund failed", "job_id", jobID, "error", err)
			}
		}
	}
	s.log.Info("agent deactivated", "agent_id", agentID)
	return nil
}

func newWebhookSecret() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
