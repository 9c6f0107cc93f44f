// Package queue carries delivery envelopes over NSQ: a primary topic for new work, a retry
// topic fed by deferred publishes, and a dead-letter topic for envelopes out of attempts.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/edp/internal/config"
	"github.com/austindbirch/edp/internal/delivery"
)

// Producer is the subset of *nsq.Producer the client publishes through.
type Producer interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
	Stop()
}

// Topology names the topics and the shared consumer channel.
type Topology struct {
	Primary string
	Retry   string
	DLQ     string
	Channel string
}

// DefaultTopology returns the production topic names.
func DefaultTopology() Topology {
	return Topology{
		Primary: "events.primary",
		Retry:   "events.retry",
		DLQ:     "events.dlq",
		Channel: "dispatcher",
	}
}

// TopologyFromConfig reads topic names from NSQ config.
func TopologyFromConfig(c config.NSQ) Topology {
	return Topology{
		Primary: c.PrimaryTopic,
		Retry:   c.RetryTopic,
		DLQ:     c.DLQTopic,
		Channel: c.Channel,
	}
}

// Handler processes one envelope. A nil return acknowledges it; any error schedules a retry
// or, once attempts are used up or the error is Permanent, a dead letter.
type Handler interface {
	HandleEnvelope(ctx context.Context, env delivery.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env delivery.Envelope) error

func (f HandlerFunc) HandleEnvelope(ctx context.Context, env delivery.Envelope) error {
	return f(ctx, env)
}

// DeadLetterHandler processes messages from the dead-letter topic.
type DeadLetterHandler interface {
	HandleDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Outcome is what Reschedule did with a failed envelope.
type Outcome int

const (
	OutcomeRetried Outcome = iota + 1
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// reasonOf returns the failure category carried by err, "other" when it has none.
func reasonOf(err error) string {
	var r interface{ FailureReason() string }
	if errors.As(err, &r) {
		if reason := r.FailureReason(); reason != "" {
			return reason
		}
	}
	if IsPermanent(err) {
		return "permanent"
	}
	return "other"
}
