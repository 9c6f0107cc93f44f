package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds one outbound delivery.
const DefaultHTTPTimeout = 15 * time.Second

// maxResponseBytes caps how much of a destination's response is read.
const maxResponseBytes = 64 << 10

// Request is one outbound delivery.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is what came back. Code is 0 when no response was received.
type Response struct {
	Code     int
	Body     string
	Duration time.Duration
}

// Sender performs HTTP deliveries.
type Sender struct {
	client *http.Client
}

// NewSender returns a Sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Sender{client: &http.Client{Timeout: timeout}}
}

// Send issues req. A transport failure returns the error with Code 0 and the elapsed time.
func (s *Sender) Send(ctx context.Context, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Response{Duration: time.Since(start)}, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	// drain so the connection can be reused
	_, _ = io.CopyN(io.Discard, resp.Body, maxResponseBytes)
	out := Response{Code: resp.StatusCode, Body: string(body), Duration: time.Since(start)}
	if readErr != nil && len(body) == 0 {
		out.Body = readErr.Error()
	}
	return out, nil
}
