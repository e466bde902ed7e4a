// Package observe records when a local invocation started and finished.
package observe

import "time"

// Timing records start/end timestamps only
type Timing struct {
	StartedAt   time.Time
	CompletedAt time.Time
	now         func() time.Time
}

// NewTiming creates timing with current start time
func NewTiming() *Timing {
	return NewTimingWithClock(time.Now)
}

// NewTimingWithClock creates timing reading time from now.
func NewTimingWithClock(now func() time.Time) *Timing {
	return &Timing{StartedAt: now(), now: now}
}

// Complete records completion time. Only the first call counts.
func (t *Timing) Complete() {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = t.now()
	}
}

// Duration returns execution duration
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return t.now().Sub(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
