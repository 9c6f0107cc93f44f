// Package ingest accepts events and destinations and hands new events to the queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/edp/internal/delivery"
	"github.com/austindbirch/edp/internal/idempotency"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
	"github.com/austindbirch/edp/internal/model"
	"github.com/austindbirch/edp/internal/replay"
	"github.com/austindbirch/edp/internal/signing"
	"github.com/austindbirch/edp/internal/store"
	"github.com/austindbirch/edp/internal/tracing"
)

// ErrValidation wraps every input validation failure.
var ErrValidation = errors.New("invalid input")

// secretBytes is the entropy of generated signing secrets (256-bit).
const secretBytes = 32

// Guard is the idempotency cache used by ReceiveEvent.
type Guard interface {
	Lookup(ctx context.Context, key string, destinationID uuid.UUID) (uuid.UUID, bool, error)
	Claim(ctx context.Context, key string, destinationID, eventID uuid.UUID) (idempotency.Claim, error)
	Release(ctx context.Context, key string, destinationID, eventID uuid.UUID) error
}

// Replayer re-enters stored events into the pipeline.
type Replayer interface {
	Replay(ctx context.Context, f replay.Filter) (int, error)
}

// CreateDestinationInput describes a new delivery target.
type CreateDestinationInput struct {
	Name          string            `validate:"required,max=255"`
	URL           string            `validate:"required,url,startswith=http"`
	HTTPMethod    string            `validate:"omitempty,oneof=POST PUT PATCH DELETE GET"`
	Headers       map[string]string `validate:"omitempty,dive,keys,required,endkeys"`
	SigningSecret string            `validate:"omitempty,min=8"`
	// RateLimitRPS defaults to model.DefaultRateLimitRPS when nil; an explicit 0 is unlimited.
	RateLimitRPS  *int              `validate:"omitempty,gte=0"`
}

// ReceiveEventInput is one event submission.
type ReceiveEventInput struct {
	DestinationID  uuid.UUID `validate:"required"`
	Payload        string    `validate:"required"`
	IdempotencyKey string    `validate:"omitempty,max=255"`
}

// ReplayInput selects events to replay. Status is a status name or empty for all.
type ReplayInput struct {
	DestinationID uuid.UUID `validate:"required"`
	Status        string
	Since         time.Time
	Until         *time.Time
}

// Service is the intake side of the pipeline.
type Service struct {
	store     store.Store
	guard     Guard
	publisher replay.Publisher
	replayer  Replayer
	validate  *validator.Validate
	logger    *logging.Logger
}

// NewService wires a Service. guard may be nil, in which case idempotency rests on the
// store's unique key alone.
func NewService(st store.Store, guard Guard, pub replay.Publisher, replayer Replayer) *Service {
	return &Service{
		store:     st,
		guard:     guard,
		publisher: pub,
		replayer:  replayer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logging.New("edp-ingest"),
	}
}

func (s *Service) check(in any) error {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// CreateDestination registers a destination, generating a signing secret when none is given.
func (s *Service) CreateDestination(ctx context.Context, in CreateDestinationInput) (*model.Destination, error) {
	in.HTTPMethod = strings.ToUpper(strings.TrimSpace(in.HTTPMethod))
	if err := s.check(in); err != nil {
		return nil, err
	}

	secret := in.SigningSecret
	if secret == "" {
		var err error
		secret, err = signing.GenerateSecret(secretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	}
	rps := model.DefaultRateLimitRPS
	if in.RateLimitRPS != nil {
		rps = *in.RateLimitRPS
	}
	method := in.HTTPMethod
	if method == "" {
		method = "POST"
	}

	d := &model.Destination{
		Name:          in.Name,
		URL:           in.URL,
		HTTPMethod:    method,
		Headers:       in.Headers,
		SigningSecret: secret,
		RateLimitRPS:  rps,
	}
	if err := s.store.CreateDestination(ctx, d); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}
	s.logger.WithContext(ctx).WithDestination(d.ID.String()).WithField("url", d.URL).Info("destination created")
	return d, nil
}

// GetDestination returns store.ErrNotFound for unknown ids.
func (s *Service) GetDestination(ctx context.Context, id uuid.UUID) (*model.Destination, error) {
	return s.store.GetDestination(ctx, id)
}

func (s *Service) ListDestinations(ctx context.Context) ([]*model.Destination, error) {
	return s.store.ListDestinations(ctx)
}

// ReceiveEvent stores the event and publishes it for delivery. The bool reports a duplicate:
// an earlier event with the same idempotency key was returned and nothing was published.
func (s *Service) ReceiveEvent(ctx context.Context, in ReceiveEventInput) (*model.Event, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.ReceiveEvent",
		attribute.String("destination_id", in.DestinationID.String()),
		attribute.Bool("has_idempotency_key", in.IdempotencyKey != ""),
	)
	defer span.End()

	if err := s.check(in); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, false, err
	}
	if _, err := s.store.GetDestination(ctx, in.DestinationID); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, false, fmt.Errorf("destination %s: %w", in.DestinationID, err)
	}

	// entries are built per line so fields from one warning do not leak into the next
	eventID := ""
	log := func() *logging.LogEntry {
		return s.logger.WithContext(ctx).WithDestination(in.DestinationID.String()).WithEvent(eventID)
	}
	key := in.IdempotencyKey

	if key != "" {
		if evt, ok := s.lookup(ctx, log(), in); ok {
			return s.duplicate(ctx, evt)
		}
	}

	evt := &model.Event{
		DestinationID:  in.DestinationID,
		Payload:        in.Payload,
		Status:         model.StatusReceived,
		IdempotencyKey: key,
	}
	tracing.AddSpanEvent(ctx, "db.insert_event")
	if err := s.store.CreateEvent(ctx, evt); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			existing, ferr := s.store.FindEventByIdempotencyKey(ctx, in.DestinationID, key)
			if ferr != nil {
				tracing.SetSpanError(ctx, ferr)
				return nil, false, fmt.Errorf("find duplicate event: %w", ferr)
			}
			return s.duplicate(ctx, existing)
		}
		tracing.SetSpanError(ctx, err)
		return nil, false, fmt.Errorf("create event: %w", err)
	}
	span.SetAttributes(attribute.String("event_id", evt.ID.String()))
	eventID = evt.ID.String()

	claimed := false
	if key != "" && s.guard != nil {
		tracing.AddSpanEvent(ctx, "idempotency.claim")
		claim, err := s.guard.Claim(ctx, key, in.DestinationID, evt.ID)
		switch {
		case err != nil:
			log().WithError(err).Warn("idempotency claim failed, relying on store key")
		case !claim.Acquired:
			// another submission won; our row must not survive
			if derr := s.store.DeleteEvent(ctx, evt.ID); derr != nil {
				log().WithError(derr).Error("compensating delete failed")
			}
			winner, gerr := s.store.GetEvent(ctx, claim.EventID)
			if gerr != nil {
				tracing.SetSpanError(ctx, gerr)
				return nil, false, fmt.Errorf("load claimed event %s: %w", claim.EventID, gerr)
			}
			return s.duplicate(ctx, winner)
		default:
			claimed = true
		}
	}

	tracing.AddSpanEvent(ctx, "nsq.publish")
	if err := s.publisher.Publish(ctx, delivery.NewEnvelope(evt)); err != nil {
		tracing.SetSpanError(ctx, err)
		// undo so the caller can resubmit under the same key
		if claimed {
			if rerr := s.guard.Release(ctx, key, in.DestinationID, evt.ID); rerr != nil {
				log().WithError(rerr).Error("idempotency release failed")
			}
		}
		if derr := s.store.DeleteEvent(ctx, evt.ID); derr != nil {
			log().WithError(derr).Error("event cleanup after publish failure failed")
		}
		return nil, false, fmt.Errorf("publish event: %w", err)
	}

	metrics.RecordEventReceived(false)
	log().Info("event received")
	return evt, false, nil
}

// lookup consults the idempotency cache. A cached id whose event is gone is released.
func (s *Service) lookup(ctx context.Context, log *logging.LogEntry, in ReceiveEventInput) (*model.Event, bool) {
	if s.guard == nil {
		return nil, false
	}
	tracing.AddSpanEvent(ctx, "idempotency.lookup")
	id, ok, err := s.guard.Lookup(ctx, in.IdempotencyKey, in.DestinationID)
	if err != nil {
		log.WithError(err).Warn("idempotency lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	evt, err := s.store.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// the claim outlived its row; free the key for this submission
			if rerr := s.guard.Release(ctx, in.IdempotencyKey, in.DestinationID, id); rerr != nil {
				log.WithField("claimed_event_id", id.String()).WithError(rerr).Warn("stale idempotency claim release failed")
			}
		}
		return nil, false
	}
	return evt, true
}

func (s *Service) duplicate(ctx context.Context, evt *model.Event) (*model.Event, bool, error) {
	tracing.AddSpanEvent(ctx, "duplicate_event_detected", attribute.String("event_id", evt.ID.String()))
	metrics.RecordEventReceived(true)
	s.logger.WithContext(ctx).WithEvent(evt.ID.String()).WithDestination(evt.DestinationID.String()).Info("duplicate event")
	return evt, true, nil
}

// GetEvent returns store.ErrNotFound for unknown ids.
func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	return s.store.GetEvent(ctx, id)
}

// ListAttempts returns an event's delivery attempts, oldest first.
func (s *Service) ListAttempts(ctx context.Context, eventID uuid.UUID) ([]*model.DeliveryAttempt, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, eventID)
}

// ListEventsByStatus returns up to limit events in the named status.
func (s *Service) ListEventsByStatus(ctx context.Context, status string, limit int) ([]*model.Event, error) {
	st, err := model.ParseEventStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrValidation)
	}
	return s.store.FindEventsByStatus(ctx, st, limit)
}

// Replay validates in and republishes the matching events, returning how many were sent.
func (s *Service) Replay(ctx context.Context, in ReplayInput) (int, error) {
	if err := s.check(in); err != nil {
		return 0, err
	}
	f := replay.Filter{DestinationID: in.DestinationID, Since: in.Since, Until: in.Until}
	if in.Status != "" {
		st, err := model.ParseEventStatus(in.Status)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		f.Status = &st
	}
	if in.Until != nil && !in.Since.IsZero() && in.Until.Before(in.Since) {
		return 0, fmt.Errorf("%w: until is before since", ErrValidation)
	}
	if _, err := s.store.GetDestination(ctx, in.DestinationID); err != nil {
		return 0, fmt.Errorf("destination %s: %w", in.DestinationID, err)
	}
	return s.replayer.Replay(ctx, f)
}
