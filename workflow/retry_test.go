package workflow

import (
	"testing"
	"time"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := map[int]time.Duration{
		0: time.Hour,
		1: time.Hour,
		2: 2 * time.Hour,
		3: 4 * time.Hour,
		6: 24 * time.Hour,
		9: 24 * time.Hour,
	}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestRetryPolicy_NextAttempt(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Minute, MaxBackoff: time.Hour}
	next := p.NextAttempt(1, testNow)
	if next == nil || !next.Equal(testNow.Add(time.Minute)) {
		t.Fatalf("expected retry in 1m, got %v", next)
	}
	if p.NextAttempt(2, testNow) != nil {
		t.Fatalf("expected no retry once attempts are exhausted")
	}
}
