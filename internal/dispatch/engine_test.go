package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/edp/internal/delivery"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
	"github.com/austindbirch/edp/internal/model"
	"github.com/austindbirch/edp/internal/queue"
	"github.com/austindbirch/edp/internal/ratelimit"
	"github.com/austindbirch/edp/internal/signing"
	"github.com/austindbirch/edp/internal/store"
	"github.com/austindbirch/edp/internal/store/memory"
)

const testSecret = "whsec_test"

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogs(t *testing.T) {
	t.Helper()
	prev := logging.SetOutput(discard{})
	t.Cleanup(func() { logging.SetOutput(prev) })
}

type stubLimiter struct {
	allow bool
	err   error
}

func (l stubLimiter) Allow(context.Context, string, int) (bool, error) { return l.allow, l.err }

type received struct {
	method  string
	body    string
	headers http.Header
}

// destinationServer answers with the given status codes in order, repeating the last one.
func destinationServer(t *testing.T, codes ...int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		n := len(got)
		got = append(got, received{method: r.Method, body: string(b), headers: r.Header.Clone()})
		mu.Unlock()

		code := codes[len(codes)-1]
		if n < len(codes) {
			code = codes[n]
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte("status " + http.StatusText(code)))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func seed(t *testing.T, st store.Store, url string, status model.EventStatus) (*model.Destination, *model.Event) {
	t.Helper()
	ctx := context.Background()
	dest := &model.Destination{
		Name:          "orders",
		URL:           url,
		Headers:       map[string]string{"X-Tenant": "acme"},
		SigningSecret: testSecret,
		RateLimitRPS:  10,
	}
	if err := st.CreateDestination(ctx, dest); err != nil {
		t.Fatalf("CreateDestination() error: %v", err)
	}
	evt := &model.Event{DestinationID: dest.ID, Payload: `{"order":42}`, Status: status}
	if err := st.CreateEvent(ctx, evt); err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	return dest, evt
}

func newTestEngine(st store.Store, l ratelimit.Limiter) *Engine {
	return NewEngine(st, l, NewSender(2*time.Second), Config{DeadLetterUnresolvable: true})
}

func eventStatus(t *testing.T, st store.Store, id uuid.UUID) model.EventStatus {
	t.Helper()
	evt, err := st.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEvent() error: %v", err)
	}
	return evt.Status
}

func TestHandleEnvelope_Outcomes(t *testing.T) {
	quietLogs(t)

	tests := []struct {
		name        string
		code        int
		initial     model.EventStatus
		wantErr     bool
		wantReason  string
		wantStatus  model.EventStatus
		wantSuccess bool
	}{
		{name: "2xx delivers", code: http.StatusOK, initial: model.StatusReceived, wantStatus: model.StatusDelivered, wantSuccess: true},
		{name: "204 delivers", code: http.StatusNoContent, initial: model.StatusReceived, wantStatus: model.StatusDelivered, wantSuccess: true},
		{name: "retry from failed", code: http.StatusAccepted, initial: model.StatusFailed, wantStatus: model.StatusDelivered, wantSuccess: true},
		{name: "replayed processing", code: http.StatusOK, initial: model.StatusProcessing, wantStatus: model.StatusDelivered, wantSuccess: true},
		{name: "5xx fails", code: http.StatusInternalServerError, initial: model.StatusReceived, wantErr: true, wantReason: "http_5xx", wantStatus: model.StatusFailed},
		{name: "429 fails", code: http.StatusTooManyRequests, initial: model.StatusReceived, wantErr: true, wantReason: "http_429", wantStatus: model.StatusFailed},
		{name: "4xx fails", code: http.StatusBadRequest, initial: model.StatusFailed, wantErr: true, wantReason: "http_4xx", wantStatus: model.StatusFailed},
		{name: "redirect is not success", code: http.StatusNotModified, initial: model.StatusReceived, wantErr: true, wantReason: "other", wantStatus: model.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			srv, _ := destinationServer(t, tt.code)
			_, evt := seed(t, st, srv.URL, tt.initial)
			e := newTestEngine(st, stubLimiter{allow: true})

			err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(evt))
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var derr *DeliveryError
				if !errors.As(err, &derr) {
					t.Fatalf("HandleEnvelope() error %T is not a *DeliveryError", err)
				}
				if derr.Reason != tt.wantReason || derr.StatusCode != tt.code {
					t.Errorf("DeliveryError = %+v, want reason %q status %d", derr, tt.wantReason, tt.code)
				}
				if queue.IsPermanent(err) {
					t.Error("HTTP failures should be retryable")
				}
			}

			if got := eventStatus(t, st, evt.ID); got != tt.wantStatus {
				t.Errorf("event status = %s, want %s", got, tt.wantStatus)
			}

			attempts, err := st.ListAttempts(context.Background(), evt.ID)
			if err != nil {
				t.Fatalf("ListAttempts() error: %v", err)
			}
			if len(attempts) != 1 {
				t.Fatalf("attempts = %d, want 1", len(attempts))
			}
			a := attempts[0]
			if a.ResponseCode != tt.code || a.Success != tt.wantSuccess {
				t.Errorf("attempt code/success = %d/%v, want %d/%v", a.ResponseCode, a.Success, tt.code, tt.wantSuccess)
			}
			if a.DurationMs < 0 || a.AttemptedAt.IsZero() {
				t.Errorf("attempt timing not recorded: %+v", a)
			}
		})
	}
}

func TestHandleEnvelope_Request(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, http.StatusOK)
	dest, evt := seed(t, st, srv.URL, model.StatusReceived)

	dest2 := *dest
	dest2.ID = uuid.Nil
	dest2.HTTPMethod = "put"
	if err := st.CreateDestination(context.Background(), &dest2); err != nil {
		t.Fatal(err)
	}
	evt2 := &model.Event{DestinationID: dest2.ID, Payload: "plain text", Status: model.StatusReceived}
	if err := st.CreateEvent(context.Background(), evt2); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(st, stubLimiter{allow: true})
	for _, ev := range []*model.Event{evt, evt2} {
		if err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(ev)); err != nil {
			t.Fatalf("HandleEnvelope() error: %v", err)
		}
	}

	reqs := got()
	if len(reqs) != 2 {
		t.Fatalf("destination received %d requests, want 2", len(reqs))
	}

	tests := []struct {
		name       string
		req        received
		wantMethod string
		wantBody   string
	}{
		{name: "default method", req: reqs[0], wantMethod: http.MethodPost, wantBody: evt.Payload},
		{name: "configured method", req: reqs[1], wantMethod: http.MethodPut, wantBody: evt2.Payload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.req.method != tt.wantMethod {
				t.Errorf("method = %s, want %s", tt.req.method, tt.wantMethod)
			}
			if tt.req.body != tt.wantBody {
				t.Errorf("body = %q, want the raw payload %q", tt.req.body, tt.wantBody)
			}
			if ct := tt.req.headers.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if h := tt.req.headers.Get("X-Tenant"); h != "acme" {
				t.Errorf("custom header X-Tenant = %q, want acme", h)
			}
			sig := tt.req.headers.Get(signing.DefaultHeader)
			if !strings.HasPrefix(sig, signing.Scheme) {
				t.Fatalf("signature header = %q, want %s prefix", sig, signing.Scheme)
			}
			if !signing.Verify([]byte(tt.req.body), testSecret, sig) {
				t.Errorf("signature %q does not verify against the delivered body", sig)
			}
			if signing.Verify([]byte(tt.req.body), "other-secret", sig) {
				t.Error("signature verified with the wrong secret")
			}
		})
	}
}

func TestHandleEnvelope_CustomSignatureHeader(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, http.StatusOK)
	_, evt := seed(t, st, srv.URL, model.StatusReceived)

	e := NewEngine(st, stubLimiter{allow: true}, nil, Config{SignatureHeader: "X-Signature"})
	if err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(evt)); err != nil {
		t.Fatalf("HandleEnvelope() error: %v", err)
	}
	req := got()[0]
	if req.headers.Get("X-Signature") == "" || req.headers.Get(signing.DefaultHeader) != "" {
		t.Errorf("signature headers = %v, want only X-Signature", req.headers)
	}
}

func TestHandleEnvelope_RateLimited(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, http.StatusOK)
	_, evt := seed(t, st, srv.URL, model.StatusReceived)
	e := newTestEngine(st, stubLimiter{allow: false})

	err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(evt))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("HandleEnvelope() error = %v, want ErrRateLimited", err)
	}
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.FailureReason() != "rate_limited" {
		t.Errorf("failure reason = %v, want rate_limited", err)
	}
	if n := len(got()); n != 0 {
		t.Errorf("destination received %d requests, want none", n)
	}
	if s := eventStatus(t, st, evt.ID); s != model.StatusFailed {
		t.Errorf("event status = %s, want FAILED", s)
	}
	attempts, _ := st.ListAttempts(context.Background(), evt.ID)
	if len(attempts) != 1 || attempts[0].ResponseCode != 0 || attempts[0].ResponseBody != "rate limit exceeded" || attempts[0].Success {
		t.Errorf("attempts = %+v, want one failed code-0 rate limit attempt", attempts)
	}
}

func TestHandleEnvelope_RegistryLimitsBurst(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, http.StatusOK)
	dest, _ := seed(t, st, srv.URL, model.StatusReceived)
	dest.RateLimitRPS = 2
	dest.ID = uuid.Nil
	if err := st.CreateDestination(context.Background(), dest); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(st, ratelimit.NewRegistry())
	var limited int
	for i := 0; i < 5; i++ {
		evt := &model.Event{DestinationID: dest.ID, Payload: "{}", Status: model.StatusReceived}
		if err := st.CreateEvent(context.Background(), evt); err != nil {
			t.Fatal(err)
		}
		if err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(evt)); errors.Is(err, ErrRateLimited) {
			limited++
		}
	}
	// the window may roll over once on a slow machine
	if sent := len(got()); sent < 2 || sent > 4 || sent+limited != 5 {
		t.Errorf("sent %d, limited %d; want roughly 2 sent and the rest limited", sent, limited)
	}
}

func TestHandleEnvelope_LimiterErrorAllows(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, http.StatusOK)
	_, evt := seed(t, st, srv.URL, model.StatusReceived)
	e := newTestEngine(st, stubLimiter{err: errors.New("redis down")})

	if err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(evt)); err != nil {
		t.Fatalf("HandleEnvelope() error: %v", err)
	}
	if len(got()) != 1 {
		t.Error("limiter backend errors should not block delivery")
	}
}

func TestHandleEnvelope_TransportError(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, evt := seed(t, st, url, model.StatusReceived)
	e := newTestEngine(st, stubLimiter{allow: true})

	err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(evt))
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("HandleEnvelope() error = %v, want *DeliveryError", err)
	}
	if derr.Reason != "connection_refused" && derr.Reason != "network" {
		t.Errorf("reason = %q, want connection_refused or network", derr.Reason)
	}
	attempts, _ := st.ListAttempts(context.Background(), evt.ID)
	if len(attempts) != 1 || attempts[0].ResponseCode != 0 || attempts[0].ResponseBody == "" {
		t.Errorf("attempts = %+v, want one code-0 attempt with the error text", attempts)
	}
	if s := eventStatus(t, st, evt.ID); s != model.StatusFailed {
		t.Errorf("event status = %s, want FAILED", s)
	}
}

func TestHandleEnvelope_Timeout(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, evt := seed(t, st, srv.URL, model.StatusReceived)
	e := NewEngine(st, stubLimiter{allow: true}, NewSender(50*time.Millisecond), Config{})

	err := e.HandleEnvelope(context.Background(), delivery.NewEnvelope(evt))
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Reason != "timeout" {
		t.Fatalf("HandleEnvelope() error = %v, want timeout DeliveryError", err)
	}
}

func TestHandleEnvelope_LongResponseTruncated(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()
	_, evt := seed(t, st, srv.URL, model.StatusReceived)

	_ = newTestEngine(st, stubLimiter{allow: true}).HandleEnvelope(context.Background(), delivery.NewEnvelope(evt))
	attempts, _ := st.ListAttempts(context.Background(), evt.ID)
	if len(attempts) != 1 || len(attempts[0].ResponseBody) != model.MaxResponseBodyChars {
		t.Errorf("stored body length = %d, want %d", len(attempts[0].ResponseBody), model.MaxResponseBodyChars)
	}
}

func TestHandleEnvelope_MissingSecret(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, http.StatusOK)
	dest := &model.Destination{Name: "nosecret", URL: srv.URL}
	_ = st.CreateDestination(context.Background(), dest)
	evt := &model.Event{DestinationID: dest.ID, Payload: "{}", Status: model.StatusReceived}
	_ = st.CreateEvent(context.Background(), evt)

	err := newTestEngine(st, stubLimiter{allow: true}).HandleEnvelope(context.Background(), delivery.NewEnvelope(evt))
	if !errors.Is(err, signing.ErrMissingSecret) {
		t.Fatalf("HandleEnvelope() error = %v, want ErrMissingSecret", err)
	}
	if len(got()) != 0 {
		t.Error("unsigned payload should never be sent")
	}
}

func TestHandleEnvelope_Unresolvable(t *testing.T) {
	quietLogs(t)

	tests := []struct {
		name          string
		deadLetter    bool
		dropEvent     bool
		wantPermanent bool
	}{
		{name: "missing event dead-lettered", deadLetter: true, dropEvent: true, wantPermanent: true},
		{name: "missing destination dead-lettered", deadLetter: true, wantPermanent: true},
		{name: "missing event retried", dropEvent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			_, evt := seed(t, st, "http://unused.invalid", model.StatusReceived)
			env := delivery.NewEnvelope(evt)
			if tt.dropEvent {
				_ = st.DeleteEvent(context.Background(), evt.ID)
			} else {
				env.DestinationID = uuid.New()
			}

			e := NewEngine(st, stubLimiter{allow: true}, nil, Config{DeadLetterUnresolvable: tt.deadLetter})
			err := e.HandleEnvelope(context.Background(), env)
			if !errors.Is(err, ErrResolution) {
				t.Fatalf("HandleEnvelope() error = %v, want ErrResolution", err)
			}
			if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("HandleEnvelope() error = %v, should wrap store.ErrNotFound", err)
			}
			if got := queue.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.wantPermanent)
			}
		})
	}
}

func TestHandleEnvelope_StaleTerminal(t *testing.T) {
	quietLogs(t)

	for _, status := range []model.EventStatus{model.StatusDelivered, model.StatusPermanentlyFailed} {
		t.Run(string(status), func(t *testing.T) {
			st := memory.New()
			srv, got := destinationServer(t, http.StatusOK)
			_, evt := seed(t, st, srv.URL, status)

			if err := newTestEngine(st, stubLimiter{allow: true}).HandleEnvelope(context.Background(), delivery.NewEnvelope(evt)); err != nil {
				t.Fatalf("HandleEnvelope() error: %v", err)
			}
			if len(got()) != 0 {
				t.Error("terminal event should not be delivered again")
			}
			if s := eventStatus(t, st, evt.ID); s != status {
				t.Errorf("status = %s, want unchanged %s", s, status)
			}
		})
	}
}

// attemptlessStore loses every DeliveryAttempt insert.
type attemptlessStore struct {
	store.Store
}

func (attemptlessStore) CreateAttempt(context.Context, *model.DeliveryAttempt) error {
	return errors.New("insert attempt: connection reset")
}

func TestHandleEnvelope_AttemptInsertFails(t *testing.T) {
	quietLogs(t)

	tests := []struct {
		name    string
		code    int
		wantErr bool
		want    model.EventStatus
		label   string
	}{
		{name: "success is still acknowledged", code: http.StatusOK, want: model.StatusDelivered, label: "success"},
		{name: "failure still retries", code: http.StatusBadGateway, wantErr: true, want: model.StatusFailed, label: "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.AttemptRecordFailuresTotal.Reset()
			mem := memory.New()
			srv, got := destinationServer(t, tt.code)
			_, evt := seed(t, mem, srv.URL, model.StatusReceived)

			err := newTestEngine(attemptlessStore{mem}, stubLimiter{allow: true}).HandleEnvelope(context.Background(), delivery.NewEnvelope(evt))
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if n := len(got()); n != 1 {
				t.Errorf("destination saw %d requests, want 1", n)
			}
			if s := eventStatus(t, mem, evt.ID); s != tt.want {
				t.Errorf("status = %s, want %s", s, tt.want)
			}
			if c := testutil.ToFloat64(metrics.AttemptRecordFailuresTotal.WithLabelValues(tt.label)); c != 1 {
				t.Errorf("edp_attempt_record_failures_total{outcome=%q} = %v, want 1", tt.label, c)
			}
		})
	}
}

func TestHandleDeadLetter(t *testing.T) {
	quietLogs(t)

	tests := []struct {
		name    string
		initial model.EventStatus
		missing bool
		want    model.EventStatus
	}{
		{name: "failed becomes permanent", initial: model.StatusFailed, want: model.StatusPermanentlyFailed},
		{name: "processing becomes permanent", initial: model.StatusProcessing, want: model.StatusPermanentlyFailed},
		{name: "delivered left alone", initial: model.StatusDelivered, want: model.StatusDelivered},
		{name: "received becomes permanent", initial: model.StatusReceived, want: model.StatusPermanentlyFailed},
		{name: "permanent left alone", initial: model.StatusPermanentlyFailed, want: model.StatusPermanentlyFailed},
		{name: "missing event ignored", initial: model.StatusFailed, missing: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			_, evt := seed(t, st, "http://unused.invalid", tt.initial)
			if tt.missing {
				_ = st.DeleteEvent(context.Background(), evt.ID)
			}
			dl := delivery.NewDeadLetter(delivery.NewEnvelope(evt), 5, "status 500", "max attempts reached (5)")

			if err := newTestEngine(st, stubLimiter{allow: true}).HandleDeadLetter(context.Background(), dl); err != nil {
				t.Fatalf("HandleDeadLetter() error: %v", err)
			}
			if tt.missing {
				return
			}
			if s := eventStatus(t, st, evt.ID); s != tt.want {
				t.Errorf("status = %s, want %s", s, tt.want)
			}
		})
	}
}

type publishedMsg struct {
	topic string
	delay time.Duration
	body  []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []publishedMsg
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	return p.DeferredPublish(topic, 0, body)
}

func (p *fakeProducer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMsg{topic: topic, delay: delay, body: body})
	return nil
}

func (p *fakeProducer) Stop() {}

type nopDelegate struct{}

func (nopDelegate) OnFinish(*nsq.Message)                       {}
func (nopDelegate) OnRequeue(*nsq.Message, time.Duration, bool) {}
func (nopDelegate) OnTouch(*nsq.Message)                        {}

func message(body []byte) *nsq.Message {
	var id nsq.MessageID
	copy(id[:], uuid.New().String())
	m := nsq.NewMessage(id, body)
	m.Delegate = nopDelegate{}
	return m
}

// TestDestinationAlwaysFailing runs one event through the queue topology against a
// destination that always answers 500.
func TestDestinationAlwaysFailing(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, http.StatusInternalServerError)
	_, evt := seed(t, st, srv.URL, model.StatusReceived)

	prod := &fakeProducer{}
	client := queue.NewClient(prod, queue.DefaultTopology(), queue.DefaultRetryPolicy())
	e := newTestEngine(st, stubLimiter{allow: true})
	ctx := context.Background()
	envHandler := client.EnvelopeHandler(ctx, e)
	dlHandler := client.DeadLetterHandler(ctx, e)

	if err := client.Publish(ctx, delivery.NewEnvelope(evt)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		prod.mu.Lock()
		if len(prod.msgs) == 0 {
			prod.mu.Unlock()
			break
		}
		next := prod.msgs[0]
		prod.msgs = prod.msgs[1:]
		prod.mu.Unlock()

		h := envHandler
		if next.topic == "events.dlq" {
			h = dlHandler
		}
		if err := h.HandleMessage(message(next.body)); err != nil {
			t.Fatalf("HandleMessage() error: %v", err)
		}
	}

	if n := len(got()); n != 5 {
		t.Errorf("destination saw %d requests, want 5", n)
	}
	attempts, _ := st.ListAttempts(ctx, evt.ID)
	if len(attempts) != 5 {
		t.Errorf("attempts = %d, want 5", len(attempts))
	}
	for _, a := range attempts {
		if a.Success || a.ResponseCode != http.StatusInternalServerError {
			t.Errorf("attempt = %+v, want failed 500", a)
		}
	}
	if s := eventStatus(t, st, evt.ID); s != model.StatusPermanentlyFailed {
		t.Errorf("status = %s, want PERMANENTLY_FAILED", s)
	}
}

// A worker shutting down while the last allowed attempt is in flight lets the delivery finish.
func TestEnvelopeHandler_ShutdownOnLastAttempt(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	_, evt := seed(t, st, srv.URL, model.StatusFailed)

	prod := &fakeProducer{}
	client := queue.NewClient(prod, queue.DefaultTopology(), queue.DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	h := client.EnvelopeHandler(ctx, newTestEngine(st, stubLimiter{allow: true}))

	env := delivery.NewEnvelope(evt)
	env.AttemptCount = 4
	body, _ := json.Marshal(env)

	time.AfterFunc(50*time.Millisecond, cancel)
	if err := h.HandleMessage(message(body)); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if s := eventStatus(t, st, evt.ID); s != model.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", s)
	}
	attempts, _ := st.ListAttempts(context.Background(), evt.ID)
	if len(attempts) != 1 || !attempts[0].Success {
		t.Errorf("attempts = %+v, want one success", attempts)
	}
	prod.mu.Lock()
	defer prod.mu.Unlock()
	if len(prod.msgs) != 0 {
		t.Errorf("published %d messages, want none", len(prod.msgs))
	}
}

// TestDestinationRecovers succeeds on the third attempt.
func TestDestinationRecovers(t *testing.T) {
	quietLogs(t)
	st := memory.New()
	srv, got := destinationServer(t, 500, 503, 200)
	_, evt := seed(t, st, srv.URL, model.StatusReceived)
	e := newTestEngine(st, stubLimiter{allow: true})

	env := delivery.NewEnvelope(evt)
	for {
		err := e.HandleEnvelope(context.Background(), env)
		if err == nil {
			break
		}
		if env.AttemptCount > 5 {
			t.Fatalf("never delivered: %v", err)
		}
		env.AttemptCount++
	}

	if n := len(got()); n != 3 {
		t.Errorf("destination saw %d requests, want 3", n)
	}
	if s := eventStatus(t, st, evt.ID); s != model.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", s)
	}
	attempts, _ := st.ListAttempts(context.Background(), evt.ID)
	if len(attempts) != 3 || !attempts[2].Success {
		t.Errorf("attempts = %+v, want two failures then a success", attempts)
	}
}
