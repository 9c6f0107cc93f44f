package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

const DLQType = "event.dlq"

type DeadLetter struct {
	Type      string   `json:"type"`    // "event.dlq"
	Version   string   `json:"version"` // schema version
	At        string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string   `json:"reason"`  // human/debug text
	Attempt   int      `json:"attempt"` // attempts made when DLQ'd
	LastError string   `json:"lastError,omitempty"`
	Envelope  Envelope `json:"envelope"` // envelope as last consumed
}

func NewDeadLetter(env Envelope, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Envelope:  env,
	}
}

// DecodeDeadLetter parses a dead-letter queue message body.
func DecodeDeadLetter(b []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(b, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if dl.Type != DLQType {
		return DeadLetter{}, fmt.Errorf("decode dead letter: unexpected type %q", dl.Type)
	}
	return dl, nil
}
