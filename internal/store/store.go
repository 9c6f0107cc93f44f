// Package store defines the durable persistence contract for destinations, events and
// delivery attempts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/edp/internal/model"
)

var (
	// ErrNotFound is returned when a destination or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an event with the same (destination, idempotency key)
	// already exists.
	ErrDuplicate = errors.New("duplicate idempotency key")
	// ErrProcessLocal rejects the memory driver outside tests: edpctl and the worker
	// would each see only their own events.
	ErrProcessLocal = errors.New("memory store is process-local, use the postgres driver")
)

// Cursor is a keyset position in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf returns the position of evt.
func CursorOf(evt *model.Event) *Cursor {
	return &Cursor{CreatedAt: evt.CreatedAt, ID: evt.ID}
}

// ReplayQuery selects events for a destination created in [Since, Until], optionally
// restricted to one status, strictly after After, at most Limit rows (0 means no limit).
type ReplayQuery struct {
	DestinationID uuid.UUID
	Status        *model.EventStatus
	Since         time.Time
	Until         *time.Time
	After         *Cursor
	Limit         int
}

// Matches reports whether evt satisfies every filter of q except Limit.
func (q ReplayQuery) Matches(evt *model.Event) bool {
	if evt.DestinationID != q.DestinationID {
		return false
	}
	if q.Status != nil && evt.Status != *q.Status {
		return false
	}
	if evt.CreatedAt.Before(q.Since) {
		return false
	}
	if q.Until != nil && evt.CreatedAt.After(*q.Until) {
		return false
	}
	if q.After != nil && !After(evt, q.After) {
		return false
	}
	return true
}

// After reports whether evt sorts strictly after c.
func After(evt *model.Event, c *Cursor) bool {
	if evt.CreatedAt.Equal(c.CreatedAt) {
		return evt.ID.String() > c.ID.String()
	}
	return evt.CreatedAt.After(c.CreatedAt)
}

// Store is the repository used by intake, dispatch and replay.
type Store interface {
	CreateDestination(ctx context.Context, d *model.Destination) error
	GetDestination(ctx context.Context, id uuid.UUID) (*model.Destination, error)
	ListDestinations(ctx context.Context) ([]*model.Destination, error)

	// CreateEvent inserts evt, returning ErrDuplicate when its idempotency key is taken.
	CreateEvent(ctx context.Context, evt *model.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error)
	FindEventByIdempotencyKey(ctx context.Context, destinationID uuid.UUID, key string) (*model.Event, error)
	DeleteEvent(ctx context.Context, id uuid.UUID) error
	UpdateEventStatus(ctx context.Context, id uuid.UUID, status model.EventStatus) error
	FindEventsByStatus(ctx context.Context, status model.EventStatus, limit int) ([]*model.Event, error)
	// FindReplayCandidates returns matching events ordered by (created_at, id).
	FindReplayCandidates(ctx context.Context, q ReplayQuery) ([]*model.Event, error)

	CreateAttempt(ctx context.Context, a *model.DeliveryAttempt) error
	ListAttempts(ctx context.Context, eventID uuid.UUID) ([]*model.DeliveryAttempt, error)

	Ping(ctx context.Context) error
	Close() error
}
