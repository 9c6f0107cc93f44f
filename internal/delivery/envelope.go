package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/austindbirch/edp/internal/model"
)

// Envelope is the queue message that references an event. It never carries status, so it is
// safe to duplicate or redeliver.
type Envelope struct {
	EventID       uuid.UUID         `json:"eventId"`
	DestinationID uuid.UUID         `json:"destinationId"`
	Payload       string            `json:"payload"`
	AttemptCount  int               `json:"attemptCount"`
	TraceHeaders  map[string]string `json:"traceHeaders,omitempty"` // OTel trace propagation headers
}

// NewEnvelope builds a fresh envelope for an event with the attempt counter at zero.
func NewEnvelope(evt *model.Event) Envelope {
	return Envelope{
		EventID:       evt.ID,
		DestinationID: evt.DestinationID,
		Payload:       evt.Payload,
		AttemptCount:  0,
	}
}

// DecodeEnvelope parses a queue message body.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == uuid.Nil || env.DestinationID == uuid.Nil {
		return Envelope{}, fmt.Errorf("decode envelope: missing eventId or destinationId")
	}
	return env, nil
}
