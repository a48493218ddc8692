package kafka

import (
	"time"

	"go.uber.org/zap"

	"kpipe/internal/telemetry"
)

type RebalanceState int

const (
	Stable RebalanceState = iota
	InProgress
)

func (s RebalanceState) String() string {
	if s == InProgress {
		return "in-progress"
	}
	return "stable"
}

// RebalanceBridge turns the handle's assignment callbacks into coordinator
// state. It runs on the coordinator goroutine, inside Poll.
type RebalanceBridge struct {
	name       string
	handle     ConsumerHandle
	tracker    *OffsetRefreshTracker
	observer   PartitionObserver
	restricted RestrictedHandle
	warnAfter  time.Duration
	log        *zap.Logger
	now        func() time.Time

	state RebalanceState
}

func newRebalanceBridge(name string, h ConsumerHandle, tracker *OffsetRefreshTracker, observer PartitionObserver, s Settings, log *zap.Logger) *RebalanceBridge {
	if observer == nil {
		observer = NopObserver{}
	}
	return &RebalanceBridge{
		name:       name,
		handle:     h,
		tracker:    tracker,
		observer:   observer,
		restricted: restrictedHandle{handle: h, tracker: tracker, timeout: s.PositionTimeout},
		warnAfter:  s.PartitionHandlerWarning,
		log:        log,
		now:        time.Now,
	}
}

func (b *RebalanceBridge) State() RebalanceState { return b.state }

func (b *RebalanceBridge) OnRevoked(tps []TopicPartition) {
	telemetry.Rebalances.WithLabelValues(b.name, "revoke").Inc()
	// -1 marks a partition whose position is unknown
	offsets := make(Offsets, len(tps))
	for _, tp := range tps {
		offsets[tp] = -1
		off, err := b.restricted.Position(tp)
		if err != nil {
			if last, ok := b.tracker.Last(tp); ok {
				offsets[tp] = last
			}
			continue
		}
		offsets[tp] = off
	}
	b.log.Info("partitions revoked", zap.Stringers("partitions", tps))
	b.timed("revoke", func() { b.observer.OnRevoke(offsets, b.restricted) })
	b.tracker.Revoked(tps)
	b.state = InProgress
}

func (b *RebalanceBridge) OnAssigned(tps []TopicPartition) {
	telemetry.Rebalances.WithLabelValues(b.name, "assign").Inc()
	// nothing is fetched until a requester asks for these partitions
	b.handle.Pause(tps)
	b.tracker.Assigned(tps, b.now())
	b.log.Info("partitions assigned", zap.Stringers("partitions", tps))
	b.timed("assign", func() { b.observer.OnAssign(tps, b.restricted) })
	b.state = Stable
}

// Stopped pauses whatever is still assigned and hands the final set to the
// observer so external offset bookkeeping can be flushed.
func (b *RebalanceBridge) Stopped() {
	tps := b.handle.Assignment()
	b.handle.Pause(tps)
	b.timed("stop", func() { b.observer.OnStop(tps, b.restricted) })
}

func (b *RebalanceBridge) timed(event string, fn func()) {
	start := b.now()
	fn()
	if elapsed := b.now().Sub(start); b.warnAfter > 0 && elapsed > b.warnAfter {
		b.log.Warn("partition observer callback slow",
			zap.String("event", event),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", b.warnAfter))
	}
}
