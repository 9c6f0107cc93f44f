package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edp_events_received_total",
			Help: "Total number of events accepted at intake by outcome.",
		},
		[]string{"outcome"}, // accepted, duplicate
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edp_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, failed, skipped
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edp_delivery_latency_seconds",
			Help:    "Latency of outbound delivery requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	HTTPResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edp_http_responses_total",
			Help: "Total number of destination responses by status code.",
		},
		[]string{"code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edp_retries_total",
			Help: "Total number of scheduled retries by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, rate_limited
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edp_dlq_total",
			Help: "Total number of envelopes routed to the dead-letter topic by reason.",
		},
		[]string{"reason"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edp_rate_limited_total",
			Help: "Total number of deliveries rejected by the rate limiter.",
		},
	)

	AttemptRecordFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edp_attempt_record_failures_total",
			Help: "Delivery attempts whose audit row could not be written, by attempt outcome.",
		},
		[]string{"outcome"}, // success, failure
	)

	EventsReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edp_events_replayed_total",
			Help: "Total number of events re-entered by replay.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edp_worker_backlog",
			Help: "Messages waiting on the dispatcher channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edp_nsq_topic_depth",
			Help: "Depth of NSQ channels per topic.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edp_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsReceivedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		HTTPResponsesTotal,
		RetriesTotal,
		DLQTotal,
		RateLimitedTotal,
		AttemptRecordFailuresTotal,
		EventsReplayedTotal,
		WorkerBacklog,
		NSQTopicDepth,
		NSQChannelInflight,
	)
}

// RecordEventReceived counts an intake call.
func RecordEventReceived(duplicate bool) {
	outcome := "accepted"
	if duplicate {
		outcome = "duplicate"
	}
	EventsReceivedTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery counts a delivery outcome and observes its latency when non-zero.
func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

// RecordHTTPResponse counts a destination response code. Code 0 (no response) is ignored.
func RecordHTTPResponse(code int) {
	if code <= 0 {
		return
	}
	HTTPResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

// RecordAttemptLost counts a DeliveryAttempt row that failed to persist.
func RecordAttemptLost(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	AttemptRecordFailuresTotal.WithLabelValues(outcome).Inc()
}

func RecordReplayed(n int) {
	EventsReplayedTotal.Add(float64(n))
}

func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}

func UpdateNSQChannelInflight(topic, channel string, inflight float64) {
	NSQChannelInflight.WithLabelValues(topic, channel).Set(inflight)
}
