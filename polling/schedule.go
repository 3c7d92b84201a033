package polling

import "time"

// SchedulingStrategy decides how long to sleep after a poll that
// returned an empty batch (spec.md §4.5 step 4).
type SchedulingStrategy interface {
	NextDelay() time.Duration
}

// DefaultPollInterval is used by FixedInterval's zero value.
const DefaultPollInterval = 500 * time.Millisecond

// FixedInterval sleeps the same duration after every empty batch.
type FixedInterval time.Duration

func (d FixedInterval) NextDelay() time.Duration {
	if d <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(d)
}
