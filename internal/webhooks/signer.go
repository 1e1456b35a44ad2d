// Package webhooks delivers signed job-lifecycle events to agent
// endpoints, at least once, with exponential backoff and a dead-letter
// record for exhausted deliveries.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format of one webhook. Signature covers
// timestamp + "." + the compact JSON of the envelope without the
// signature field, under the recipient's webhook secret.
type Envelope struct {
	Event     string          `json:"event"`
	JobID     string          `json:"job_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

// Sign computes the envelope signature for the given secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets recipients (and tests) check an envelope.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NewEnvelope builds an unsigned envelope for an event.
func NewEnvelope(event string, jobID uuid.UUID, data map[string]any, now time.Time) (Envelope, error) {
	payload := data
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		Event:     event,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      raw,
	}
	if jobID != uuid.Nil {
		env.JobID = jobID.String()
	}
	return env, nil
}

// Signed returns the envelope with its signature filled in.
func (e Envelope) Signed(secret string) (Envelope, error) {
	unsigned := e
	unsigned.Signature = ""
	body, err := json.Marshal(unsigned)
	if err != nil {
		return Envelope{}, err
	}
	e.Signature = Sign(secret, e.Timestamp, body)
	return e, nil
}
