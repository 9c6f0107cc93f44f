// Package dispatch turns queued envelopes into signed HTTP deliveries and records every
// attempt against the event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/edp/internal/delivery"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
	"github.com/austindbirch/edp/internal/model"
	"github.com/austindbirch/edp/internal/queue"
	"github.com/austindbirch/edp/internal/ratelimit"
	"github.com/austindbirch/edp/internal/signing"
	"github.com/austindbirch/edp/internal/store"
	"github.com/austindbirch/edp/internal/tracing"
)

var (
	_ queue.Handler           = (*Engine)(nil)
	_ queue.DeadLetterHandler = (*Engine)(nil)
)

// Config tunes the Engine.
type Config struct {
	SignatureHeader string
	// DeadLetterUnresolvable sends envelopes whose event or destination is gone straight to
	// the dead-letter topic instead of through the retry schedule.
	DeadLetterUnresolvable bool
}

// Engine delivers envelopes. It is safe for concurrent use by many queue handlers.
type Engine struct {
	store   store.Store
	limiter ratelimit.Limiter
	signer  *signing.Signer
	sender  *Sender
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time
}

// NewEngine wires an Engine. A nil sender uses NewSender(DefaultHTTPTimeout).
func NewEngine(st store.Store, limiter ratelimit.Limiter, sender *Sender, cfg Config) *Engine {
	if sender == nil {
		sender = NewSender(DefaultHTTPTimeout)
	}
	return &Engine{
		store:   st,
		limiter: limiter,
		signer:  signing.NewSigner(cfg.SignatureHeader),
		sender:  sender,
		cfg:     cfg,
		logger:  logging.New("edp-dispatch"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleEnvelope makes one delivery attempt for env. It returns nil when the destination
// accepted the payload, or when the event already reached a terminal status.
func (e *Engine) HandleEnvelope(ctx context.Context, env delivery.Envelope) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.HandleEnvelope",
		attribute.String("event_id", env.EventID.String()),
		attribute.String("destination_id", env.DestinationID.String()),
		attribute.Int("attempt", env.AttemptCount),
	)
	defer span.End()

	log := func() *logging.LogEntry {
		return e.logger.WithContext(ctx).
			WithEvent(env.EventID.String()).
			WithDestination(env.DestinationID.String()).
			WithAttempt(env.AttemptCount + 1)
	}

	dest, evt, err := e.resolve(ctx, env)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordDelivery("unresolved", 0)
		log().WithError(err).Error("envelope resolution failed")
		return err
	}

	if evt.Status.Terminal() {
		tracing.AddSpanEvent(ctx, "delivery.stale", attribute.String("status", string(evt.Status)))
		log().WithField("status", string(evt.Status)).Info("event already terminal, envelope acknowledged")
		return nil
	}
	// PROCESSING already: a replay or a redelivery after a crash
	if evt.Status != model.StatusProcessing {
		if err := e.transition(ctx, evt, model.StatusProcessing); err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("mark processing: %w", err)
		}
	}

	allowed, err := e.limiter.Allow(ctx, dest.ID.String(), dest.RateLimitRPS)
	if err != nil {
		// a broken limiter backend should not stall deliveries
		log().WithError(err).Warn("rate limiter unavailable, allowing delivery")
		allowed = true
	}
	if !allowed {
		tracing.AddSpanEvent(ctx, "delivery.rate_limited")
		metrics.RecordRateLimited()
		return e.fail(ctx, log, evt, Response{Body: "rate limit exceeded"},
			&DeliveryError{Reason: "rate_limited", Err: ErrRateLimited})
	}

	body := []byte(env.Payload)
	sig, err := e.signer.HeaderValue(body, dest.SigningSecret)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return e.fail(ctx, log, evt, Response{Body: err.Error()},
			&DeliveryError{Reason: "signing", Err: err})
	}

	headers := make(map[string]string, len(dest.Headers)+3)
	for k, v := range dest.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers[e.signer.Header()] = sig
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		headers["X-Trace-Id"] = traceID
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	resp, doErr := e.sender.Send(ctx, Request{
		Method:  dest.Method(),
		URL:     dest.URL,
		Headers: headers,
		Body:    body,
	})
	span.SetAttributes(
		attribute.Int("http.status_code", resp.Code),
		attribute.Int64("http.latency_ms", resp.Duration.Milliseconds()),
	)
	metrics.RecordHTTPResponse(resp.Code)

	if doErr != nil {
		span.SetAttributes(attribute.String("http.error", doErr.Error()))
		resp.Code = 0
		resp.Body = doErr.Error()
		return e.fail(ctx, log, evt, resp,
			&DeliveryError{Reason: classifyReason(doErr, 0), Err: doErr})
	}
	if resp.Code < 200 || resp.Code >= 300 {
		return e.fail(ctx, log, evt, resp,
			&DeliveryError{Reason: classifyReason(nil, resp.Code), StatusCode: resp.Code})
	}

	tracing.AddSpanEvent(ctx, "delivery.success")
	// never retried once the destination accepted the payload
	if err := e.record(ctx, evt.ID, resp, true); err != nil {
		metrics.RecordAttemptLost(true)
		log().WithError(err).Error("attempt insert failed")
	}
	if err := e.transition(ctx, evt, model.StatusDelivered); err != nil {
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("delivered status update failed")
		// redelivery finds the event still PROCESSING and delivers again
		return fmt.Errorf("mark delivered: %w", err)
	}
	metrics.RecordDelivery("delivered", resp.Duration)
	log().WithFields(map[string]any{
		"status_code": resp.Code,
		"latency_ms":  resp.Duration.Milliseconds(),
	}).Info("event delivered")
	return nil
}

func (e *Engine) resolve(ctx context.Context, env delivery.Envelope) (*model.Destination, *model.Event, error) {
	evt, err := e.store.GetEvent(ctx, env.EventID)
	if err != nil {
		return nil, nil, e.resolutionErr("event "+env.EventID.String(), err)
	}
	dest, err := e.store.GetDestination(ctx, env.DestinationID)
	if err != nil {
		return nil, nil, e.resolutionErr("destination "+env.DestinationID.String(), err)
	}
	return dest, evt, nil
}

func (e *Engine) resolutionErr(what string, err error) error {
	if !errors.Is(err, store.ErrNotFound) {
		// the store itself failed, worth retrying
		return fmt.Errorf("load %s: %w", what, err)
	}
	rerr := &resolutionError{what: what, err: err}
	if e.cfg.DeadLetterUnresolvable {
		return queue.Permanent(rerr)
	}
	return rerr
}

// fail persists the attempt, marks the event FAILED and returns derr.
func (e *Engine) fail(ctx context.Context, log func() *logging.LogEntry, evt *model.Event, resp Response, derr *DeliveryError) error {
	tracing.AddSpanEvent(ctx, "delivery.failed", attribute.String("failure_reason", derr.Reason))
	if err := e.record(ctx, evt.ID, resp, false); err != nil {
		metrics.RecordAttemptLost(false)
		log().WithError(err).Error("attempt insert failed")
	}
	if err := e.transition(ctx, evt, model.StatusFailed); err != nil {
		log().WithError(err).Error("failed status update failed")
	}
	metrics.RecordDelivery("failed", resp.Duration)
	log().WithFields(map[string]any{
		"status_code": resp.Code,
		"reason":      derr.Reason,
	}).WithError(derr).Warn("delivery attempt failed")
	return derr
}

// transition persists next if the state machine allows it from evt's current status.
func (e *Engine) transition(ctx context.Context, evt *model.Event, next model.EventStatus) error {
	if err := evt.Status.Transition(next); err != nil {
		return err
	}
	if err := e.store.UpdateEventStatus(ctx, evt.ID, next); err != nil {
		return err
	}
	evt.Status = next
	return nil
}

func (e *Engine) record(ctx context.Context, eventID uuid.UUID, resp Response, success bool) error {
	return e.store.CreateAttempt(ctx, &model.DeliveryAttempt{
		EventID:      eventID,
		ResponseCode: resp.Code,
		ResponseBody: model.TruncateBody(resp.Body),
		Success:      success,
		DurationMs:   resp.Duration.Milliseconds(),
		AttemptedAt:  e.now(),
	})
}

// HandleDeadLetter marks the dead-lettered event PERMANENTLY_FAILED. It never returns a
// store error; an event already terminal is left alone, since a DELIVERED one means a replay
// got there first.
func (e *Engine) HandleDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	env := dl.Envelope
	ctx, span := tracing.StartSpan(ctx, "dispatch.HandleDeadLetter",
		attribute.String("event_id", env.EventID.String()),
		attribute.Int("attempt", dl.Attempt),
		attribute.String("reason", dl.Reason),
	)
	defer span.End()

	log := e.logger.WithContext(ctx).
		WithEvent(env.EventID.String()).
		WithDestination(env.DestinationID.String()).
		WithAttempt(dl.Attempt)

	evt, err := e.store.GetEvent(ctx, env.EventID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("dead-lettered event no longer exists")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("dead letter event lookup failed")
		return nil
	}
	if evt.Status.Terminal() {
		log.WithField("status", string(evt.Status)).Info("dead-lettered event already terminal, leaving status")
		return nil
	}
	if err := e.transition(ctx, evt, model.StatusPermanentlyFailed); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("permanently failed status update failed")
		return nil
	}
	metrics.RecordDelivery("dead", 0)
	log.WithFields(map[string]any{
		"reason":     dl.Reason,
		"last_error": dl.LastError,
	}).Warn("event permanently failed")
	return nil
}
