package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResolution means the envelope's event or destination no longer exists.
	ErrResolution = errors.New("envelope could not be resolved")
	// ErrRateLimited means the destination had no token available.
	ErrRateLimited = errors.New("destination rate limit exceeded")
)

// DeliveryError is a failed delivery attempt. Reason is the metric label the queue
// uses for retry and dead-letter counters.
type DeliveryError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("delivery failed (%s, status %d): %v", e.Reason, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("delivery failed (%s): %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("delivery failed (%s, status %d)", e.Reason, e.StatusCode)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// FailureReason implements the queue's failure reason lookup.
func (e *DeliveryError) FailureReason() string { return e.Reason }

type resolutionError struct {
	what string
	err  error
}

func (e *resolutionError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrResolution, e.what, e.err)
}

func (e *resolutionError) Unwrap() []error { return []error{ErrResolution, e.err} }

func (e *resolutionError) FailureReason() string { return "resolution" }

// classifyReason maps a transport error or a non-2xx status to a failure reason.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
