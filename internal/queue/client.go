package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/edp/internal/delivery"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
	"github.com/austindbirch/edp/internal/tracing"
)

// Client publishes envelopes and applies the retry policy to failures.
type Client struct {
	producer Producer
	topo     Topology
	policy   RetryPolicy
	logger   *logging.Logger
}

// NewClient returns a Client publishing through p.
func NewClient(p Producer, topo Topology, policy RetryPolicy) *Client {
	return &Client{
		producer: p,
		topo:     topo,
		policy:   policy,
		logger:   logging.New("edp-queue"),
	}
}

// NewProducer connects an NSQ producer to nsqd and checks it with a ping.
func NewProducer(nsqdTCPAddr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	p.SetLogger(nsqLogger{logging.New("edp-nsq")}, nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("nsqd ping %s: %w", nsqdTCPAddr, err)
	}
	return p, nil
}

// Topology returns the topic names the client publishes to.
func (c *Client) Topology() Topology { return c.topo }

// Publish puts env on the primary topic, carrying the trace context of ctx.
func (c *Client) Publish(ctx context.Context, env delivery.Envelope) error {
	if env.TraceHeaders == nil {
		env.TraceHeaders = tracing.InjectTrace(ctx)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.producer.Publish(c.topo.Primary, body); err != nil {
		return fmt.Errorf("publish %s: %w", c.topo.Primary, err)
	}
	return nil
}

// Reschedule hands a failed envelope on: a copy with the attempt counter incremented goes to
// the retry topic after the policy delay, or a dead letter goes to the DLQ once the budget is
// spent or cause is Permanent. The caller acknowledges the original only when this succeeds.
func (c *Client) Reschedule(ctx context.Context, env delivery.Envelope, cause error) (Outcome, error) {
	next := env.AttemptCount + 1
	reason := reasonOf(cause)

	if IsPermanent(cause) || c.policy.Exhausted(next) {
		text := fmt.Sprintf("max attempts reached (%d)", next)
		if IsPermanent(cause) {
			text = "permanent failure"
		}
		dl := delivery.NewDeadLetter(env, next, errString(cause), text)
		body, err := json.Marshal(dl)
		if err != nil {
			return 0, fmt.Errorf("encode dead letter: %w", err)
		}
		if err := c.producer.Publish(c.topo.DLQ, body); err != nil {
			return 0, fmt.Errorf("publish %s: %w", c.topo.DLQ, err)
		}
		metrics.RecordDLQ(reason)
		c.logger.WithContext(ctx).
			WithEvent(env.EventID.String()).
			WithDestination(env.DestinationID.String()).
			WithAttempt(next).
			WithField("reason", reason).
			WithError(cause).
			Warn("envelope dead-lettered")
		return OutcomeDeadLettered, nil
	}

	retry := env
	retry.AttemptCount = next
	if len(env.TraceHeaders) > 0 {
		retry.TraceHeaders = make(map[string]string, len(env.TraceHeaders))
		for k, v := range env.TraceHeaders {
			retry.TraceHeaders[k] = v
		}
	}
	body, err := json.Marshal(retry)
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	delay := c.policy.Delay(next)
	if err := c.producer.DeferredPublish(c.topo.Retry, delay, body); err != nil {
		return 0, fmt.Errorf("deferred publish %s: %w", c.topo.Retry, err)
	}
	metrics.RecordRetry(reason)
	c.logger.WithContext(ctx).
		WithEvent(env.EventID.String()).
		WithDestination(env.DestinationID.String()).
		WithAttempt(next).
		WithFields(map[string]any{"delay": delay.String(), "reason": reason}).
		Info("envelope scheduled for retry")
	return OutcomeRetried, nil
}

// EnvelopeHandler adapts h to an NSQ handler for the primary and retry topics. Handlers see
// the values of ctx but not its cancellation: a delivery in flight at shutdown runs to
// completion (bounded by the sender timeout) instead of being recorded as a failed attempt.
func (c *Client) EnvelopeHandler(ctx context.Context, h Handler) nsq.Handler {
	ctx = context.WithoutCancel(ctx)
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we finish or requeue explicitly

		env, err := delivery.DecodeEnvelope(m.Body)
		if err != nil {
			// terminal: a body we cannot read will never get better
			c.logger.Plain().WithError(err).WithField("body_bytes", len(m.Body)).Error("undecodable envelope dropped")
			metrics.RecordDelivery("undecodable", 0)
			m.Finish()
			return nil
		}

		hctx := tracing.ExtractTrace(ctx, env.TraceHeaders)
		herr := h.HandleEnvelope(hctx, env)
		if herr == nil {
			m.Finish()
			return nil
		}

		if _, err := c.Reschedule(hctx, env, herr); err != nil {
			// nsqd redelivers the original untouched
			c.logger.WithContext(hctx).
				WithEvent(env.EventID.String()).
				WithAttempt(env.AttemptCount).
				WithError(err).
				Error("retry hand-off failed, requeueing original")
			m.RequeueWithoutBackoff(0)
			return nil
		}
		m.Finish()
		return nil
	})
}

// DeadLetterHandler adapts h to an NSQ handler for the dead-letter topic. Messages are always
// finished; h is expected to be best-effort.
func (c *Client) DeadLetterHandler(ctx context.Context, h DeadLetterHandler) nsq.Handler {
	ctx = context.WithoutCancel(ctx)
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()
		defer m.Finish()

		dl, err := delivery.DecodeDeadLetter(m.Body)
		if err != nil {
			c.logger.Plain().WithError(err).Error("undecodable dead letter dropped")
			return nil
		}
		hctx := tracing.ExtractTrace(ctx, dl.Envelope.TraceHeaders)
		if err := h.HandleDeadLetter(hctx, dl); err != nil {
			c.logger.WithContext(hctx).
				WithEvent(dl.Envelope.EventID.String()).
				WithError(err).
				Error("dead letter handler failed")
		}
		return nil
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
