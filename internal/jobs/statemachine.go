package jobs

import "github.com/agentbazaar/backend/internal/models"

// validTransitions is the exhaustive edge set of the job lifecycle.
// Terminal states have no outgoing edges except failed → disputed, which
// only records the dispute; money has already settled.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobProposed:    {models.JobNegotiating, models.JobAgreed, models.JobCancelled},
	models.JobNegotiating: {models.JobAgreed, models.JobCancelled},
	models.JobAgreed:      {models.JobFunded, models.JobCancelled},
	models.JobFunded:      {models.JobInProgress},
	models.JobInProgress:  {models.JobDelivered, models.JobFailed},
	models.JobDelivered:   {models.JobVerifying, models.JobFailed},
	models.JobVerifying:   {models.JobCompleted, models.JobFailed},
	models.JobFailed:      {models.JobDisputed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
