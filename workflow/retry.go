package workflow

import (
	"math"
	"time"
)

// RetryPolicy bounds transport retries of a failed record.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Hour,
		MaxBackoff:  24 * time.Hour,
	}
}

// Backoff is base * 2^(attempt-1), capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if p.MaxBackoff > 0 && (delay > p.MaxBackoff || delay <= 0) {
		return p.MaxBackoff
	}
	return delay
}

// NextAttempt returns when a record that has failed attempts times may be tried again,
// or nil once it must wait for an operator.
func (p RetryPolicy) NextAttempt(attempts int, now time.Time) *time.Time {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return nil
	}
	next := now.Add(p.Backoff(attempts))
	return &next
}
