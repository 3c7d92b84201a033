package polling

import "sync/atomic"

// BatchSizeStrategy computes how many rows the next poll should request.
type BatchSizeStrategy interface {
	Next() int
}

// DefaultBatchSizeStrategy implements spec.md §4.5 step 1: for the first
// RampUpInvocations polls after startup it returns 1, so a poisonous
// message already sitting at the head of the table can only fail once
// per poll rather than dragging a whole batch down with it; after that
// it returns Size on every call.
type DefaultBatchSizeStrategy struct {
	Size             int
	RampUpInvocations int

	calls atomic.Int64
}

// DefaultRampUpInvocations is used when RampUpInvocations is zero,
// matching the poison-detection threshold's own default
// (dispatch.DefaultMaxPoisonousAttempts) on the theory that three polls
// at batch size 1 is enough to surface a poisonous head-of-table row
// before committing to full-size batches.
const DefaultRampUpInvocations = 3

// Next implements BatchSizeStrategy.
func (s *DefaultBatchSizeStrategy) Next() int {
	ramp := s.RampUpInvocations
	if ramp <= 0 {
		ramp = DefaultRampUpInvocations
	}
	n := s.calls.Add(1)
	if n <= int64(ramp) {
		return 1
	}
	if s.Size <= 0 {
		return 1
	}
	return s.Size
}

// FixedBatchSize always returns n, ignoring the ramp-up behavior.
type FixedBatchSize int

func (n FixedBatchSize) Next() int { return int(n) }
