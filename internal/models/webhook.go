package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookDelivered WebhookStatus = "delivered"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookDelivery is the durable outbound event envelope. Failed rows are
// kept as a dead letter for inspection.
type WebhookDelivery struct {
	DeliveryID    uuid.UUID
	TargetAgentID uuid.UUID
	EventType     string
	Payload       json.RawMessage
	Status        WebhookStatus
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
}
