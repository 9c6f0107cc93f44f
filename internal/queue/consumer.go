package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/edp/internal/logging"
)

// ConsumerConfig controls how the dispatch consumers attach to NSQ.
type ConsumerConfig struct {
	NsqdTCPAddr     string
	LookupHTTPAddrs []string
	Workers         int // concurrent envelope handlers, split between primary and retry
	MaxInFlight     int // defaults to Workers
}

// Consumers is the running set of topic consumers.
type Consumers struct {
	consumers []*nsq.Consumer
}

// Stop stops every consumer and waits until in-flight handlers return.
func (cs *Consumers) Stop() {
	for _, c := range cs.consumers {
		c.Stop()
	}
	for _, c := range cs.consumers {
		<-c.StopChan
	}
}

type nsqLogger struct {
	l *logging.Logger
}

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "nsq").Info(s)
	return nil
}

// StartConsumers subscribes the shared channel to the primary and retry topics with h, and a
// single handler on the dead-letter topic with dlh.
func (c *Client) StartConsumers(ctx context.Context, cfg ConsumerConfig, h Handler, dlh DeadLetterHandler) (*Consumers, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	inflight := cfg.MaxInFlight
	if inflight < workers {
		inflight = workers
	}

	cs := &Consumers{}
	fail := func(err error) (*Consumers, error) {
		cs.Stop()
		return nil, err
	}

	envelopes := c.EnvelopeHandler(ctx, h)
	primary, retry := splitWorkers(workers)
	for _, sub := range []struct {
		topic   string
		workers int
	}{{c.topo.Primary, primary}, {c.topo.Retry, retry}} {
		topic := sub.topic
		consumer, err := c.newConsumer(topic, max(inflight*sub.workers/workers, sub.workers))
		if err != nil {
			return fail(err)
		}
		consumer.AddConcurrentHandlers(envelopes, sub.workers)
		if err := connect(consumer, cfg); err != nil {
			consumer.Stop()
			return fail(fmt.Errorf("connect %s consumer: %w", topic, err))
		}
		cs.consumers = append(cs.consumers, consumer)
	}

	if dlh != nil {
		consumer, err := c.newConsumer(c.topo.DLQ, 1)
		if err != nil {
			return fail(err)
		}
		consumer.AddHandler(c.DeadLetterHandler(ctx, dlh))
		if err := connect(consumer, cfg); err != nil {
			consumer.Stop()
			return fail(fmt.Errorf("connect %s consumer: %w", c.topo.DLQ, err))
		}
		cs.consumers = append(cs.consumers, consumer)
	}

	c.logger.Plain().WithFields(map[string]any{
		"primary":         c.topo.Primary,
		"retry":           c.topo.Retry,
		"dlq":             c.topo.DLQ,
		"channel":         c.topo.Channel,
		"workers":         workers,
		"primary_workers": primary,
		"retry_workers":   retry,
	}).Info("consumers started")
	return cs, nil
}

// splitWorkers divides the pool between the primary and retry topics, the retry topic
// taking the smaller half. Each topic needs at least one handler, so a pool of one runs two.
func splitWorkers(n int) (primary, retry int) {
	if n < 2 {
		return 1, 1
	}
	retry = n / 2
	return n - retry, retry
}

func (c *Client) newConsumer(topic string, inflight int) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = inflight
	// Retries are republished by Reschedule, so nsqd redeliveries are never capped.
	conf.MaxAttempts = 0
	consumer, err := nsq.NewConsumer(topic, c.topo.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s/%s: %w", topic, c.topo.Channel, err)
	}
	consumer.SetLogger(nsqLogger{c.logger}, nsq.LogLevelWarning)
	return consumer, nil
}

func connect(consumer *nsq.Consumer, cfg ConsumerConfig) error {
	if cfg.NsqdTCPAddr == "" && len(cfg.LookupHTTPAddrs) == 0 {
		return errors.New("no nsqd or nsqlookupd address configured")
	}
	// Connecting directly to nsqd forces channel creation instead of waiting for the first publish
	if cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil && !errors.Is(err, nsq.ErrAlreadyConnected) {
			return err
		}
	}
	if len(cfg.LookupHTTPAddrs) > 0 {
		if err := consumer.ConnectToNSQLookupds(cfg.LookupHTTPAddrs); err != nil {
			return err
		}
	}
	return nil
}
