// Package memory provides an in-memory Store for tests and local runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/edp/internal/model"
	"github.com/austindbirch/edp/internal/store"
)

var _ store.Store = (*Store)(nil)

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("memory store closed")

// Store keeps everything in maps guarded by one RWMutex. Values are copied in and out.
type Store struct {
	mu sync.RWMutex

	destinations map[uuid.UUID]*model.Destination
	events       map[uuid.UUID]*model.Event
	byKey        map[string]uuid.UUID // destination + idempotency key
	attempts     map[uuid.UUID][]*model.DeliveryAttempt

	now    func() time.Time
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		destinations: make(map[uuid.UUID]*model.Destination),
		events:       make(map[uuid.UUID]*model.Event),
		byKey:        make(map[string]uuid.UUID),
		attempts:     make(map[uuid.UUID][]*model.DeliveryAttempt),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func keyOf(destinationID uuid.UUID, key string) string {
	return destinationID.String() + "\x00" + key
}

func (s *Store) CreateDestination(_ context.Context, d *model.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.destinations[d.ID] = copyDestination(d)
	return nil
}

func (s *Store) GetDestination(_ context.Context, id uuid.UUID) (*model.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.destinations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyDestination(d), nil
}

func (s *Store) ListDestinations(_ context.Context) ([]*model.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Destination, 0, len(s.destinations))
	for _, d := range s.destinations {
		out = append(out, copyDestination(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateEvent(_ context.Context, evt *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.IdempotencyKey != "" {
		if _, taken := s.byKey[keyOf(evt.DestinationID, evt.IdempotencyKey)]; taken {
			return store.ErrDuplicate
		}
	}
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	now := s.now()
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	evt.UpdatedAt = now

	cp := *evt
	s.events[evt.ID] = &cp
	if evt.IdempotencyKey != "" {
		s.byKey[keyOf(evt.DestinationID, evt.IdempotencyKey)] = evt.ID
	}
	return nil
}

func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *evt
	return &cp, nil
}

func (s *Store) FindEventByIdempotencyKey(_ context.Context, destinationID uuid.UUID, key string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[keyOf(destinationID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.events[id]
	return &cp, nil
}

func (s *Store) DeleteEvent(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	if evt.IdempotencyKey != "" {
		delete(s.byKey, keyOf(evt.DestinationID, evt.IdempotencyKey))
	}
	delete(s.events, id)
	delete(s.attempts, id)
	return nil
}

func (s *Store) UpdateEventStatus(_ context.Context, id uuid.UUID, status model.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	evt.Status = status
	evt.UpdatedAt = s.now()
	return nil
}

func (s *Store) FindEventsByStatus(_ context.Context, status model.EventStatus, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Event
	for _, evt := range s.events {
		if evt.Status == status {
			cp := *evt
			out = append(out, &cp)
		}
	}
	sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindReplayCandidates(_ context.Context, q store.ReplayQuery) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Event
	for _, evt := range s.events {
		if q.Matches(evt) {
			cp := *evt
			out = append(out, &cp)
		}
	}
	sortEvents(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CreateAttempt(_ context.Context, a *model.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[a.EventID]; !ok {
		return store.ErrNotFound
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = s.now()
	}
	cp := *a
	s.attempts[a.EventID] = append(s.attempts[a.EventID], &cp)
	return nil
}

func (s *Store) ListAttempts(_ context.Context, eventID uuid.UUID) ([]*model.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.attempts[eventID]
	out := make([]*model.DeliveryAttempt, 0, len(src))
	for _, a := range src {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyDestination(d *model.Destination) *model.Destination {
	cp := *d
	if d.Headers != nil {
		cp.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

func sortEvents(evts []*model.Event) {
	sort.Slice(evts, func(i, j int) bool {
		a, b := evts[i], evts[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID.String() < b.ID.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
