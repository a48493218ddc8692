package kafka

import "time"

// OffsetRefreshTracker remembers the last committed offset per partition and
// when it must be re-sent so the broker does not expire it. A non-positive
// interval disables refreshing; committed offsets are still remembered.
type OffsetRefreshTracker struct {
	interval  time.Duration
	committed Offsets
	deadlines map[TopicPartition]time.Time
}

func NewOffsetRefreshTracker(interval time.Duration) *OffsetRefreshTracker {
	return &OffsetRefreshTracker{
		interval:  interval,
		committed: make(Offsets),
		deadlines: make(map[TopicPartition]time.Time),
	}
}

func (t *OffsetRefreshTracker) Enabled() bool { return t.interval > 0 }

// Assigned primes deadlines for newly assigned partitions.
func (t *OffsetRefreshTracker) Assigned(tps []TopicPartition, now time.Time) {
	if !t.Enabled() {
		return
	}
	for _, tp := range tps {
		t.deadlines[tp] = now.Add(t.interval)
	}
}

// Revoked forgets deadlines and offsets of partitions no longer owned.
func (t *OffsetRefreshTracker) Revoked(tps []TopicPartition) {
	for _, tp := range tps {
		delete(t.deadlines, tp)
		delete(t.committed, tp)
	}
}

// Committed records a successful commit and pushes the deadlines out.
func (t *OffsetRefreshTracker) Committed(offsets Offsets, now time.Time) {
	for tp, off := range offsets {
		t.committed[tp] = off
		if t.Enabled() {
			t.deadlines[tp] = now.Add(t.interval)
		}
	}
}

// Due returns the committed offsets whose deadline has passed and re-arms
// them, so a slow refresh is not issued twice.
func (t *OffsetRefreshTracker) Due(now time.Time) Offsets {
	if !t.Enabled() {
		return nil
	}
	var due Offsets
	for tp, deadline := range t.deadlines {
		if now.Before(deadline) {
			continue
		}
		off, ok := t.committed[tp]
		if !ok {
			t.deadlines[tp] = now.Add(t.interval)
			continue
		}
		if due == nil {
			due = make(Offsets)
		}
		due[tp] = off
		t.deadlines[tp] = now.Add(t.interval)
	}
	return due
}

func (t *OffsetRefreshTracker) Last(tp TopicPartition) (int64, bool) {
	off, ok := t.committed[tp]
	return off, ok
}
