package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxResponseBodyChars is the number of characters of a destination response kept on an attempt.
const MaxResponseBodyChars = 1000

// DefaultRateLimitRPS applies when a destination is created without a rate limit.
const DefaultRateLimitRPS = 10

// ErrInvalidTransition is returned when a status change is not in the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// EventStatus is the lifecycle state of an Event.
type EventStatus string

const (
	StatusReceived          EventStatus = "RECEIVED"
	StatusProcessing        EventStatus = "PROCESSING"
	StatusDelivered         EventStatus = "DELIVERED"
	StatusFailed            EventStatus = "FAILED"
	StatusPermanentlyFailed EventStatus = "PERMANENTLY_FAILED"
)

// AllStatuses lists every status in state machine order.
var AllStatuses = []EventStatus{
	StatusReceived,
	StatusProcessing,
	StatusDelivered,
	StatusFailed,
	StatusPermanentlyFailed,
}

// ParseEventStatus parses a status name, case-insensitively.
func ParseEventStatus(s string) (EventStatus, error) {
	want := EventStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == want {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown event status %q", s)
}

// Terminal reports whether no automated transition leaves this status.
func (s EventStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusPermanentlyFailed
}

// CanTransition reports whether the dispatch pipeline may move an event from s to next.
//
//	RECEIVED   -> PROCESSING | PERMANENTLY_FAILED
//	FAILED     -> PROCESSING | PERMANENTLY_FAILED
//	PROCESSING -> DELIVERED | FAILED | PERMANENTLY_FAILED
//
// PERMANENTLY_FAILED is reached only through the dead-letter topic; from RECEIVED that means
// the envelope could not be resolved. Manual replay is checked separately with CanReplay.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case StatusReceived:
		return next == StatusProcessing || next == StatusPermanentlyFailed
	case StatusFailed:
		return next == StatusProcessing || next == StatusPermanentlyFailed
	case StatusProcessing:
		return next == StatusDelivered || next == StatusFailed || next == StatusPermanentlyFailed
	default:
		return false
	}
}

// Transition checks that s may move to next.
func (s EventStatus) Transition(next EventStatus) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// CanReplay reports whether a manual replay may re-enter an event in status s.
// In-flight events are skipped to avoid racing the worker that owns them.
func (s EventStatus) CanReplay() bool {
	return s != StatusProcessing
}

// Destination is an HTTP delivery target.
type Destination struct {
	ID            uuid.UUID         `json:"id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	HTTPMethod    string            `json:"httpMethod"`
	Headers       map[string]string `json:"headers,omitempty"`
	SigningSecret string            `json:"signingSecret,omitempty"`
	RateLimitRPS  int               `json:"rateLimitRps"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Method returns the configured HTTP method, POST when unset.
func (d *Destination) Method() string {
	if d.HTTPMethod == "" {
		return "POST"
	}
	return strings.ToUpper(d.HTTPMethod)
}

// Event is a single unit of delivery to one destination.
type Event struct {
	ID             uuid.UUID   `json:"id"`
	DestinationID  uuid.UUID   `json:"destinationId"`
	Payload        string      `json:"payload"`
	Status         EventStatus `json:"status"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// DeliveryAttempt is the append-only audit record of one outbound delivery.
type DeliveryAttempt struct {
	ID           uuid.UUID `json:"id"`
	EventID      uuid.UUID `json:"eventId"`
	ResponseCode int       `json:"responseCode"`
	ResponseBody string    `json:"responseBody"`
	Success      bool      `json:"success"`
	DurationMs   int64     `json:"durationMs"`
	AttemptedAt  time.Time `json:"attemptedAt"`
}

// TruncateBody cuts s to at most MaxResponseBodyChars characters.
func TruncateBody(s string) string {
	if len(s) <= MaxResponseBodyChars {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxResponseBodyChars {
		return s
	}
	return string(r[:MaxResponseBodyChars])
}
