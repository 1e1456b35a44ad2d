package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	JobProposed    JobStatus = "proposed"
	JobNegotiating JobStatus = "negotiating"
	JobAgreed      JobStatus = "agreed"
	JobFunded      JobStatus = "funded"
	JobInProgress  JobStatus = "in_progress"
	JobDelivered   JobStatus = "delivered"
	JobVerifying   JobStatus = "verifying"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobDisputed    JobStatus = "disputed"
	JobResolved    JobStatus = "resolved"
	JobCancelled   JobStatus = "cancelled"
)

// Terminal reports whether a status has no outgoing edges other than the
// failed → disputed escape hatch, which is itself terminal for money.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobDisputed, JobResolved, JobCancelled:
		return true
	}
	return false
}

// NegotiationRound is one append-only entry in the negotiation log.
type NegotiationRound struct {
	Round         int             `json:"round"`
	Action        string          `json:"action,omitempty"`
	Proposer      string          `json:"proposer"`
	ProposedPrice string          `json:"proposed_price,omitempty"`
	CounterTerms  json.RawMessage `json:"counter_terms,omitempty"`
	AcceptedTerms json.RawMessage `json:"accepted_terms,omitempty"`
	Message       string          `json:"message,omitempty"`
	CriteriaHash  string          `json:"acceptance_criteria_hash,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Job is one engagement: the negotiation, the escrowed funds reference,
// and the deliverable. Result is redacted from every external view unless
// the caller is a party and the job completed.
type Job struct {
	JobID              uuid.UUID
	ClientAgentID      uuid.UUID
	SellerAgentID      uuid.UUID
	ListingID          *uuid.UUID
	TaskRef            *string
	ContextRef         *string
	Status             JobStatus
	AcceptanceCriteria json.RawMessage
	CriteriaHash       *string
	Requirements       json.RawMessage
	AgreedPrice        decimal.Decimal
	DeliveryDeadline   *time.Time
	NegotiationLog     []NegotiationRound
	MaxRounds          int
	CurrentRound       int
	Result             json.RawMessage
	StartedAt          *time.Time
	DeliveredAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (j *Job) IsParty(agentID uuid.UUID) bool {
	return j.ClientAgentID == agentID || j.SellerAgentID == agentID
}
