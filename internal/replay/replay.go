// Package replay re-enters stored events into the delivery pipeline.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/edp/internal/delivery"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
	"github.com/austindbirch/edp/internal/model"
	"github.com/austindbirch/edp/internal/store"
	"github.com/austindbirch/edp/internal/tracing"
)

const (
	DefaultWindow    = 24 * time.Hour
	DefaultBatchSize = 500
)

// Publisher puts an envelope on the primary topic.
type Publisher interface {
	Publish(ctx context.Context, env delivery.Envelope) error
}

// Filter selects events for a destination. A nil Status matches every status; a zero
// Since means the last Window; a nil Until leaves the range open.
type Filter struct {
	DestinationID uuid.UUID
	Status        *model.EventStatus
	Since         time.Time
	Until         *time.Time
}

// Coordinator republishes matching events with a fresh attempt budget.
type Coordinator struct {
	store     store.Store
	publisher Publisher
	batchSize int
	window    time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewCoordinator returns a Coordinator. Non-positive batchSize or window use the defaults.
func NewCoordinator(st store.Store, p Publisher, batchSize int, window time.Duration) *Coordinator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		store:     st,
		publisher: p,
		batchSize: batchSize,
		window:    window,
		logger:    logging.New("edp-replay"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Replay republishes every event matching f and returns how many were published. Events
// still PROCESSING are skipped. When a publish fails the event's previous status is restored
// and the count so far is returned with the error.
func (c *Coordinator) Replay(ctx context.Context, f Filter) (int, error) {
	since := f.Since
	if since.IsZero() {
		since = c.now().Add(-c.window)
	}
	ctx, span := tracing.StartSpan(ctx, "replay.Replay",
		attribute.String("destination_id", f.DestinationID.String()),
		attribute.String("since", since.Format(time.RFC3339)),
	)
	defer span.End()

	log := c.logger.WithContext(ctx).WithDestination(f.DestinationID.String())

	q := store.ReplayQuery{
		DestinationID: f.DestinationID,
		Status:        f.Status,
		Since:         since,
		Until:         f.Until,
		Limit:         c.batchSize,
	}

	replayed, skipped := 0, 0
	defer func() {
		metrics.RecordReplayed(replayed)
		span.SetAttributes(attribute.Int("replayed", replayed), attribute.Int("skipped", skipped))
	}()

	for {
		batch, err := c.store.FindReplayCandidates(ctx, q)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return replayed, fmt.Errorf("find replay candidates: %w", err)
		}

		for _, evt := range batch {
			if !evt.Status.CanReplay() {
				skipped++
				continue
			}
			if err := c.replayOne(ctx, evt); err != nil {
				tracing.SetSpanError(ctx, err)
				log.WithEvent(evt.ID.String()).WithError(err).Error("replay stopped")
				return replayed, err
			}
			replayed++
		}

		if len(batch) < c.batchSize {
			break
		}
		q.After = store.CursorOf(batch[len(batch)-1])
	}

	log.WithFields(map[string]any{"replayed": replayed, "skipped": skipped}).Info("replay finished")
	return replayed, nil
}

func (c *Coordinator) replayOne(ctx context.Context, evt *model.Event) error {
	prev := evt.Status
	if err := c.store.UpdateEventStatus(ctx, evt.ID, model.StatusProcessing); err != nil {
		return fmt.Errorf("mark event %s processing: %w", evt.ID, err)
	}
	if err := c.publisher.Publish(ctx, delivery.NewEnvelope(evt)); err != nil {
		if rerr := c.store.UpdateEventStatus(ctx, evt.ID, prev); rerr != nil {
			c.logger.WithContext(ctx).WithEvent(evt.ID.String()).WithError(rerr).Error("status restore failed")
		}
		return fmt.Errorf("publish event %s: %w", evt.ID, err)
	}
	return nil
}
