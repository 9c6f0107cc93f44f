package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vectors appear in Gather()
	RecordEventReceived(false)
	RecordDelivery("delivered", 100*time.Millisecond)
	RecordHTTPResponse(200)
	RecordRetry("timeout")
	RecordDLQ("http_5xx")
	RecordRateLimited()
	RecordReplayed(1)
	UpdateWorkerBacklog(5)
	UpdateNSQTopicDepth("events.primary", "dispatcher", 3)
	UpdateNSQChannelInflight("events.primary", "dispatcher", 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	for _, want := range []string{
		"edp_events_received_total",
		"edp_deliveries_total",
		"edp_delivery_latency_seconds",
		"edp_http_responses_total",
		"edp_retries_total",
		"edp_dlq_total",
		"edp_rate_limited_total",
		"edp_events_replayed_total",
		"edp_worker_backlog",
		"edp_nsq_topic_depth",
		"edp_nsq_channel_inflight",
	} {
		if !registered[want] {
			t.Errorf("expected metric %s not found in registry", want)
		}
	}
}

func TestMustRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRegister() on the same registry twice should panic")
		}
	}()
	MustRegister(reg)
}

func TestRecordEventReceived(t *testing.T) {
	EventsReceivedTotal.Reset()

	tests := []struct {
		name      string
		duplicate bool
		calls     int
		label     string
	}{
		{name: "accepted", duplicate: false, calls: 3, label: "accepted"},
		{name: "duplicate", duplicate: true, calls: 2, label: "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordEventReceived(tt.duplicate)
			}
			got := testutil.ToFloat64(EventsReceivedTotal.WithLabelValues(tt.label))
			if got != float64(tt.calls) {
				t.Errorf("edp_events_received_total{outcome=%q} = %v, want %d", tt.label, got, tt.calls)
			}
		})
	}
}

func TestRecordDelivery(t *testing.T) {
	DeliveriesTotal.Reset()

	RecordDelivery("delivered", 50*time.Millisecond)
	RecordDelivery("failed", 0)
	RecordDelivery("failed", time.Second)

	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("delivered")); got != 1 {
		t.Errorf("delivered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed = %v, want 2", got)
	}
}

func TestRecordHTTPResponse(t *testing.T) {
	HTTPResponsesTotal.Reset()

	RecordHTTPResponse(500)
	RecordHTTPResponse(500)
	RecordHTTPResponse(0)

	if got := testutil.ToFloat64(HTTPResponsesTotal.WithLabelValues("500")); got != 2 {
		t.Errorf("code 500 = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(HTTPResponsesTotal); got != 1 {
		t.Errorf("series count = %d, want 1 (code 0 ignored)", got)
	}
}

func TestRetryAndDLQ(t *testing.T) {
	RetriesTotal.Reset()
	DLQTotal.Reset()

	RecordRetry("http_5xx")
	RecordRetry("http_5xx")
	RecordRetry("timeout")
	RecordDLQ("http_5xx")

	expected := `
		# HELP edp_retries_total Total number of scheduled retries by failure reason.
		# TYPE edp_retries_total counter
		edp_retries_total{reason="http_5xx"} 2
		edp_retries_total{reason="timeout"} 1
	`
	if err := testutil.CollectAndCompare(RetriesTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected retries metric: %v", err)
	}
	if got := testutil.ToFloat64(DLQTotal.WithLabelValues("http_5xx")); got != 1 {
		t.Errorf("dlq http_5xx = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	UpdateWorkerBacklog(42)
	if got := testutil.ToFloat64(WorkerBacklog); got != 42 {
		t.Errorf("worker backlog = %v, want 42", got)
	}

	UpdateNSQTopicDepth("events.retry", "dispatcher", 7)
	UpdateNSQTopicDepth("events.retry", "dispatcher", 3)
	if got := testutil.ToFloat64(NSQTopicDepth.WithLabelValues("events.retry", "dispatcher")); got != 3 {
		t.Errorf("topic depth = %v, want 3", got)
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(RateLimitedTotal)
	RecordRateLimited()
	if got := testutil.ToFloat64(RateLimitedTotal); got != before+1 {
		t.Errorf("rate limited = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(EventsReplayedTotal)
	RecordReplayed(4)
	if got := testutil.ToFloat64(EventsReplayedTotal); got != before+4 {
		t.Errorf("replayed = %v, want %v", got, before+4)
	}
}

func TestRecordAttemptLost(t *testing.T) {
	AttemptRecordFailuresTotal.Reset()

	RecordAttemptLost(true)
	RecordAttemptLost(false)
	RecordAttemptLost(false)

	if got := testutil.ToFloat64(AttemptRecordFailuresTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(AttemptRecordFailuresTotal.WithLabelValues("failure")); got != 2 {
		t.Errorf("failure = %v, want 2", got)
	}
}
