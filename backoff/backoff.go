// Package backoff implements the exponential retry schedule shared by the
// Grouping Engine's job submission retry and the Inference Request Worker's
// retrieval/submit retry (spec §4.E, §4.H, §7).
package backoff

import "time"

// Schedule is an exponential backoff with a cap and a maximum attempt count.
// The zero value is not usable; construct with New.
type Schedule struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int
}

// New builds the adapter's standard schedule: base 1s, factor 2, capped at
// 60s, up to maxRetries attempts after the first.
func New(maxRetries int) Schedule {
	return Schedule{
		Base:       time.Second,
		Factor:     2,
		Cap:        60 * time.Second,
		MaxRetries: maxRetries,
	}
}

// Delay returns the wait before retry attempt n (1-based: the delay before
// the first retry is Delay(1)). It never exceeds Cap.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(s.Base)
	for i := 1; i < attempt; i++ {
		d *= s.Factor
		if time.Duration(d) >= s.Cap {
			return s.Cap
		}
	}
	delay := time.Duration(d)
	if delay > s.Cap {
		return s.Cap
	}
	return delay
}

// Exhausted reports whether attempt has used up the schedule's retry budget.
func (s Schedule) Exhausted(attempt int) bool {
	return attempt > s.MaxRetries
}
