package backoff

import (
	"testing"
	"time"
)

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	s := New(5)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second}, // 64s would exceed the cap
	}

	for _, c := range cases {
		if got := s.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestExhaustedRespectsMaxRetries(t *testing.T) {
	s := New(5)

	if s.Exhausted(5) {
		t.Errorf("attempt 5 should still be within budget")
	}
	if !s.Exhausted(6) {
		t.Errorf("attempt 6 should exceed a 5-retry budget")
	}
}
