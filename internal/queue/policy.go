package queue

import (
	"math"
	"time"
)

// RetryPolicy bounds the number of delivery attempts and spaces them exponentially.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	Multiplier  float64
	MaxDelay    time.Duration // 0 means uncapped
}

// DefaultRetryPolicy allows 5 attempts spaced 1s, 2s, 4s and 8s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    time.Hour,
	}
}

// Delay returns how long to wait before the attempt that follows attempt number n (1-based):
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether n attempts use up the budget.
func (p RetryPolicy) Exhausted(n int) bool {
	return n >= p.MaxAttempts
}
