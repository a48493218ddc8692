package kafka

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownPosition = errors.New("kafka: position unknown")

// ConsumerHandle is the broker consumer capability a Coordinator drives.
// Implementations need not be safe for concurrent use: only the owning
// coordinator's goroutine calls them. Rebalance callbacks must be delivered
// from inside Poll.
type ConsumerHandle interface {
	// Subscribe joins the configured group; assignment then arrives through
	// listener.
	Subscribe(topics []string, listener RebalanceListener) error
	// Assign replaces the manual assignment with partitions.
	Assign(partitions []TopicPartition) error
	Seek(tp TopicPartition, offset int64) error
	Pause(partitions []TopicPartition)
	Resume(partitions []TopicPartition)
	// Poll waits at most timeout for up to max records from resumed
	// partitions. A zero timeout returns buffered records only; a zero max
	// is a housekeeping poll that must not return records.
	Poll(ctx context.Context, timeout time.Duration, max int) ([]Record, error)
	// CommitAsync commits offsets and calls done from any goroutine once the
	// broker answered or the commit timeout elapsed.
	CommitAsync(offsets Offsets, done func(error))
	Assignment() []TopicPartition
	// Position is the offset of the next record Poll would return for tp.
	Position(ctx context.Context, tp TopicPartition) (int64, error)
	Close() error
}

type RebalanceListener interface {
	OnAssigned(partitions []TopicPartition)
	OnRevoked(partitions []TopicPartition)
}

// RestrictedHandle is the view partition observers get of the consumer: it
// can read positions and seek, but cannot poll or commit.
type RestrictedHandle interface {
	Assignment() []TopicPartition
	Position(tp TopicPartition) (int64, error)
	Seek(tp TopicPartition, offset int64) error
	// Committed is the last offset this coordinator committed for tp.
	Committed(tp TopicPartition) (int64, bool)
}

// PartitionObserver is told about assignment changes. Callbacks run on the
// coordinator goroutine and must return quickly.
type PartitionObserver interface {
	OnAssign(partitions []TopicPartition, h RestrictedHandle)
	OnRevoke(offsets Offsets, h RestrictedHandle)
	OnStop(partitions []TopicPartition, h RestrictedHandle)
}

type NopObserver struct{}

func (NopObserver) OnAssign([]TopicPartition, RestrictedHandle) {}
func (NopObserver) OnRevoke(Offsets, RestrictedHandle)          {}
func (NopObserver) OnStop([]TopicPartition, RestrictedHandle)   {}

// Observers fans callbacks out in order.
type Observers []PartitionObserver

func (os Observers) OnAssign(tps []TopicPartition, h RestrictedHandle) {
	for _, o := range os {
		o.OnAssign(tps, h)
	}
}

func (os Observers) OnRevoke(offsets Offsets, h RestrictedHandle) {
	for _, o := range os {
		o.OnRevoke(offsets, h)
	}
}

func (os Observers) OnStop(tps []TopicPartition, h RestrictedHandle) {
	for _, o := range os {
		o.OnStop(tps, h)
	}
}

type restrictedHandle struct {
	handle  ConsumerHandle
	tracker *OffsetRefreshTracker
	timeout time.Duration
}

func (r restrictedHandle) Assignment() []TopicPartition { return r.handle.Assignment() }

func (r restrictedHandle) Position(tp TopicPartition) (int64, error) {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.handle.Position(ctx, tp)
}

func (r restrictedHandle) Seek(tp TopicPartition, offset int64) error {
	return r.handle.Seek(tp, offset)
}

func (r restrictedHandle) Committed(tp TopicPartition) (int64, bool) {
	return r.tracker.Last(tp)
}
