package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/internal/serde"
	"kpipe/internal/supervision"
	"kpipe/internal/telemetry"
)

var (
	ErrStopped           = errors.New("kafka: coordinator stopped")
	ErrProtocolViolation = errors.New("kafka: protocol violation")
	ErrModeConflict      = errors.New("kafka: cannot mix subscription and manual assignment")
	// ErrEvicted ends a requester whose every claimed partition went to
	// another requester. The coordinator keeps running.
	ErrEvicted = errors.New("kafka: partitions claimed by another requester")
)

const mailboxSize = 256

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithObserver(o PartitionObserver) Option { return func(c *Coordinator) { c.observer = o } }

// WithDeserializer decodes every polled value into Record.Decoded.
func WithDeserializer(d serde.Deserializer) Option { return func(c *Coordinator) { c.deser = d } }

func WithName(name string) Option { return func(c *Coordinator) { c.name = name } }

type requesterState struct {
	r *Requester
	// claims is nil until the requester assigns partitions manually.
	claims partitionSet
	// want is the outstanding request; nil with waiting set means every
	// assigned partition.
	want      partitionSet
	waiting   bool
	requestID uint64
}

// Coordinator is the single owner of one ConsumerHandle. Every method only
// enqueues onto its mailbox; the handle is touched from run alone.
type Coordinator struct {
	name     string
	consumer ConsumerHandle
	s        Settings
	log      *zap.Logger
	observer PartitionObserver
	deser    serde.Deserializer
	now      func() time.Time

	mailbox chan message
	done    chan struct{}
	err     error
	ids     atomic.Uint64
	ctx     context.Context
	cancel  context.CancelFunc

	// owned by run
	tracker      *OffsetRefreshTracker
	bridge       *RebalanceBridge
	requesters   map[uint64]*requesterState
	manual       bool
	subscribed   bool
	assignment   partitionSet
	stash        Offsets
	stashWaiters []chan error
	inflight     int
	pollPending  bool
	lastState    RebalanceState
	stopping     bool
	stopTimer    *time.Timer
	finished     bool
}

func NewCoordinator(h ConsumerHandle, s Settings, opts ...Option) *Coordinator {
	applySettingsDefaults(&s)
	c := &Coordinator{
		name:       "coordinator",
		consumer:   h,
		s:          s,
		now:        time.Now,
		mailbox:    make(chan message, mailboxSize),
		done:       make(chan struct{}),
		requesters: make(map[uint64]*requesterState),
		assignment: make(partitionSet),
		stash:      make(Offsets),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logging.Or(c.log).With(zap.String("coordinator", c.name))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.tracker = NewOffsetRefreshTracker(s.CommitRefreshInterval)
	c.bridge = newRebalanceBridge(c.name, h, c.tracker, c.observer, s, c.log)
	go c.run()
	return c
}

func (c *Coordinator) Name() string { return c.name }

func (c *Coordinator) Settings() Settings { return c.s }

// Done is closed once the coordinator released its handle.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err is the failure that stopped the coordinator, nil after a clean Stop or
// while it is still running.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Register adds a requester. It is unregistered when ctx ends.
func (c *Coordinator) Register(ctx context.Context, name string) (*Requester, error) {
	r := &Requester{id: c.ids.Add(1), name: name, replies: make(chan Reply, replyBuffer)}
	if err := c.enqueue(registerMsg{requester: r}); err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { c.Unregister(r) })
	return r, nil
}

func (c *Coordinator) Unregister(r *Requester) {
	if r.gone.Swap(true) {
		return
	}
	_ = c.enqueue(unregisterMsg{requester: r})
}

// Assign adds partitions to the manual assignment on behalf of r. Other
// requesters lose overlapping claims.
func (c *Coordinator) Assign(r *Requester, partitions []TopicPartition) error {
	reply := make(chan error, 1)
	if err := c.enqueue(assignMsg{requester: r, partitions: partitions, reply: reply}); err != nil {
		return err
	}
	return c.await(reply)
}

// AssignWithOffset is Assign followed by a seek for every non-negative
// offset.
func (c *Coordinator) AssignWithOffset(r *Requester, offsets Offsets) error {
	reply := make(chan error, 1)
	if err := c.enqueue(assignOffsetsMsg{requester: r, offsets: offsets, reply: reply}); err != nil {
		return err
	}
	return c.await(reply)
}

func (c *Coordinator) Subscribe(topics []string) error {
	reply := make(chan error, 1)
	if err := c.enqueue(subscribeMsg{topics: topics, reply: reply}); err != nil {
		return err
	}
	return c.await(reply)
}

// RequestMessages registers demand for partitions (nil means all assigned
// ones). The answer arrives on r.Replies() tagged with requestID.
func (c *Coordinator) RequestMessages(r *Requester, partitions []TopicPartition, requestID uint64) error {
	return c.enqueue(requestMessagesMsg{requester: r, partitions: partitions, requestID: requestID})
}

// Commit commits offsets, or stashes them until a running rebalance ends.
func (c *Coordinator) Commit(ctx context.Context, offsets Offsets) error {
	reply := make(chan error, 1)
	if err := c.enqueue(commitMsg{offsets: offsets, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return c.stoppedReply(reply)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop releases every requester, waits up to the commit timeout for
// in-flight commits and closes the handle.
func (c *Coordinator) Stop() { _ = c.enqueue(stopMsg{}) }

func (c *Coordinator) enqueue(m message) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.mailbox <- m:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return c.stoppedReply(reply)
	}
}

// stoppedReply prefers an answer sent just before the coordinator stopped.
func (c *Coordinator) stoppedReply(reply chan error) error {
	select {
	case err := <-reply:
		return err
	default:
	}
	if c.err != nil {
		return c.err
	}
	return ErrStopped
}

/* ───────────────────────── loop ───────────────────────── */

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.s.PollInterval)
	defer ticker.Stop()
	defer c.cancel()

	for !c.finished {
		var stopDeadline <-chan time.Time
		if c.stopTimer != nil {
			stopDeadline = c.stopTimer.C
		}
		select {
		case m := <-c.mailbox:
			c.dispatch(m)
		case <-ticker.C:
			c.poll()
		case <-stopDeadline:
			c.log.Warn("stopping with commits still in flight",
				zap.Int("in_flight", c.inflight),
				zap.Duration("commit_timeout", c.s.CommitTimeout))
			c.shutdown(nil)
		}
	}
}

func (c *Coordinator) dispatch(m message) {
	switch m := m.(type) {
	case registerMsg:
		if m.requester.gone.Load() || c.stopping {
			return
		}
		c.requesters[m.requester.id] = &requesterState{r: m.requester}
	case unregisterMsg:
		delete(c.requesters, m.requester.id)
	case assignMsg:
		m.reply <- c.assign(m.requester, newPartitionSet(m.partitions...), nil)
	case assignOffsetsMsg:
		m.reply <- c.assign(m.requester, newPartitionSet(m.offsets.Partitions()...), m.offsets)
	case subscribeMsg:
		m.reply <- c.subscribe(m.topics)
	case requestMessagesMsg:
		c.request(m)
	case commitMsg:
		c.commit(m)
	case committedMsg:
		c.committed(m)
	case stopMsg:
		c.stop()
	case pollMsg:
		c.pollPending = false
		c.poll()
	}
}

func (c *Coordinator) subscribe(topics []string) error {
	if c.stopping {
		return ErrStopped
	}
	if c.manual {
		return ErrModeConflict
	}
	if err := c.consumer.Subscribe(topics, c.bridge); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.subscribed = true
	c.log.Info("subscribed", zap.Strings("topics", topics))
	return nil
}

func (c *Coordinator) assign(r *Requester, tps partitionSet, offsets Offsets) error {
	if c.stopping {
		return ErrStopped
	}
	if c.subscribed {
		return ErrModeConflict
	}
	st, ok := c.live(r)
	if !ok {
		return ErrStopped
	}

	for _, other := range c.ordered() {
		if other == st || other.claims == nil {
			continue
		}
		overlap := other.claims.intersect(tps)
		if len(overlap) == 0 {
			continue
		}
		c.log.Warn("partition claimed by another requester; evicting previous owner",
			zap.String("requester", r.name),
			zap.String("evicted", other.r.name),
			zap.Stringers("partitions", overlap.slice()))
		other.claims.remove(overlap.slice()...)
		other.waiting, other.want = false, nil
		c.reply(other, Messages{RequestID: other.requestID})
		if len(other.claims) > 0 {
			continue
		}
		other.r.evicted.Store(true)
		other.r.gone.Store(true)
		delete(c.requesters, other.r.id)
		c.reply(other, Failure{Err: ErrEvicted})
	}

	added := tps.minus(c.assignment)
	if len(added) > 0 {
		next := make(partitionSet, len(c.assignment)+len(added))
		next.add(c.assignment.slice()...)
		next.add(added.slice()...)
		if err := c.consumer.Assign(next.slice()); err != nil {
			return fmt.Errorf("assign: %w", err)
		}
		c.assignment = next
		c.manual = true
	}
	if st.claims == nil {
		st.claims = make(partitionSet)
	}
	st.claims.add(tps.slice()...)
	for _, tp := range tps.slice() {
		if off, ok := offsets[tp]; ok && off >= 0 {
			if err := c.consumer.Seek(tp, off); err != nil {
				return fmt.Errorf("seek %s@%d: %w", tp, off, err)
			}
		}
	}
	if len(added) > 0 {
		c.bridge.OnAssigned(added.slice())
	}
	return nil
}

func (c *Coordinator) request(m requestMessagesMsg) {
	st, ok := c.live(m.requester)
	if !ok {
		if m.requester != nil && m.requester.evicted.Load() {
			c.replyTo(m.requester, Failure{Err: ErrEvicted})
			return
		}
		c.replyTo(m.requester, Messages{RequestID: m.requestID})
		return
	}
	var want partitionSet
	if m.partitions != nil {
		want = newPartitionSet(m.partitions...)
	}
	if st.claims != nil {
		if want == nil {
			want = newPartitionSet(st.claims.slice()...)
		} else {
			want = want.intersect(st.claims)
		}
	}
	st.requestID = m.requestID
	if want != nil && len(want) == 0 {
		st.waiting, st.want = false, nil
		c.reply(st, Messages{RequestID: m.requestID})
		return
	}
	st.want, st.waiting = want, true

	if len(c.requesters) == 1 {
		c.poll()
		return
	}
	c.pollSoon()
}

// pollSoon coalesces triggers from several requesters into one poll.
func (c *Coordinator) pollSoon() {
	if c.pollPending {
		return
	}
	c.pollPending = true
	select {
	case c.mailbox <- pollMsg{}:
	default:
		c.pollPending = false
	}
}

func (c *Coordinator) poll() {
	if c.stopping || c.finished {
		return
	}
	if c.bridge.State() == Stable {
		if due := c.tracker.Due(c.now()); len(due) > 0 {
			c.issueCommit(due, nil, "refresh")
		}
	}

	waiting := c.waiting()
	assigned := newPartitionSet(c.consumer.Assignment()...)
	interest := make(partitionSet)
	for _, st := range waiting {
		if st.want == nil {
			interest.add(assigned.slice()...)
			continue
		}
		interest.add(st.want.slice()...)
	}

	var (
		recs []Record
		err  error
	)
	if len(interest) == 0 {
		telemetry.Polls.WithLabelValues(c.name, "housekeeping").Inc()
		c.consumer.Pause(assigned.slice())
		recs, err = c.consumer.Poll(c.ctx, 0, 0)
		if len(recs) > 0 {
			telemetry.ProtocolViolations.WithLabelValues(c.name).Inc()
			c.fatal(fmt.Errorf("%w: %d records returned while every partition was paused", ErrProtocolViolation, len(recs)))
			return
		}
	} else {
		telemetry.Polls.WithLabelValues(c.name, "fetch").Inc()
		if paused := assigned.minus(interest); len(paused) > 0 {
			c.consumer.Pause(paused.slice())
		}
		c.consumer.Resume(assigned.intersect(interest).slice())
		recs, err = c.consumer.Poll(c.ctx, c.s.PollTimeout, c.s.BufferSize)
	}

	if err != nil {
		if supervision.Classify(err) != supervision.Retriable {
			c.fatal(fmt.Errorf("poll: %w", err))
			return
		}
		c.log.Warn("poll failed; retrying", zap.Error(err))
	}
	if c.finished {
		return
	}
	if len(recs) > 0 && !c.deliver(recs) {
		return
	}
	c.afterPoll()
}

// deliver dispatches each record to the lowest-id requester asking for its
// partition. It returns false when the coordinator failed.
func (c *Coordinator) deliver(recs []Record) bool {
	waiting := c.waiting()
	batches := make(map[*requesterState][]Record, len(waiting))
	for _, rec := range recs {
		tp := rec.TopicPartition()
		var owner *requesterState
		for _, st := range waiting {
			if (st.want == nil && c.assigned(tp)) || st.want.has(tp) {
				owner = st
				break
			}
		}
		if owner == nil {
			telemetry.ProtocolViolations.WithLabelValues(c.name).Inc()
			c.fatal(fmt.Errorf("%w: record %s@%d was not requested", ErrProtocolViolation, tp, rec.Offset))
			return false
		}
		if c.deser != nil {
			v, err := c.deser.Deserialize(rec.Topic, rec.Value)
			if err != nil {
				c.fatal(&supervision.SerializationError{Topic: rec.Topic, Partition: rec.Partition, Offset: rec.Offset, Err: err})
				return false
			}
			rec.Decoded = v
		}
		batches[owner] = append(batches[owner], rec)
	}
	for _, st := range waiting {
		batch, ok := batches[st]
		if !ok {
			continue
		}
		st.waiting, st.want = false, nil
		if !c.reply(st, Messages{RequestID: st.requestID, Records: batch}) {
			if !c.rewind(st, batch) {
				return false
			}
			continue
		}
		telemetry.RecordsDelivered.WithLabelValues(c.name).Add(float64(len(batch)))
	}
	return true
}

// rewind seeks batch's partitions back to its first records so the next
// poll fetches them again, and drops the requester that could not take them.
func (c *Coordinator) rewind(st *requesterState, batch []Record) bool {
	first := make(Offsets)
	for _, rec := range batch {
		if _, ok := first[rec.TopicPartition()]; !ok {
			first[rec.TopicPartition()] = rec.Offset
		}
	}
	for _, tp := range first.Partitions() {
		if err := c.consumer.Seek(tp, first[tp]); err != nil {
			c.fatal(fmt.Errorf("rewind %s@%d: %w", tp, first[tp], err))
			return false
		}
	}
	c.log.Warn("records rewound; dropping requester",
		zap.String("requester", st.r.name),
		zap.Stringers("partitions", first.Partitions()))
	st.r.gone.Store(true)
	delete(c.requesters, st.r.id)
	return true
}

func (c *Coordinator) afterPoll() {
	state := c.bridge.State()
	if state == Stable && (c.lastState == InProgress || len(c.stashWaiters) > 0) {
		c.flushStash()
	}
	c.lastState = state
}

/* ───────────────────────── commits ───────────────────────── */

func (c *Coordinator) commit(m commitMsg) {
	if len(m.offsets) == 0 {
		m.reply <- nil
		return
	}
	if c.stopping {
		m.reply <- ErrStopped
		return
	}
	if c.bridge.State() == InProgress {
		c.stash.Merge(m.offsets)
		c.stashWaiters = append(c.stashWaiters, m.reply)
		telemetry.StashedCommits.WithLabelValues(c.name).Set(float64(len(c.stashWaiters)))
		c.log.Debug("rebalance in progress; commit stashed", zap.Int("stashed", len(c.stashWaiters)))
		return
	}
	c.issueCommit(m.offsets, []chan error{m.reply}, "request")
}

func (c *Coordinator) flushStash() {
	if len(c.stashWaiters) == 0 && len(c.stash) == 0 {
		return
	}
	offsets, waiters := c.stash, c.stashWaiters
	c.stash, c.stashWaiters = make(Offsets), nil
	telemetry.StashedCommits.WithLabelValues(c.name).Set(0)
	c.log.Info("rebalance finished; flushing stashed commits",
		zap.Int("partitions", len(offsets)),
		zap.Int("callers", len(waiters)))
	c.issueCommit(offsets, waiters, "stash")
}

func (c *Coordinator) issueCommit(offsets Offsets, waiters []chan error, kind string) {
	c.inflight++
	started := c.now()
	c.consumer.CommitAsync(offsets, func(err error) {
		go func() {
			_ = c.enqueue(committedMsg{offsets: offsets, waiters: waiters, started: started, kind: kind, err: err})
		}()
	})
}

func (c *Coordinator) committed(m committedMsg) {
	c.inflight--
	elapsed := c.now().Sub(m.started)
	telemetry.CommitLatency.WithLabelValues(c.name).Observe(elapsed.Seconds())
	telemetry.Commits.WithLabelValues(c.name, m.kind, telemetry.Outcome(m.err)).Inc()
	if elapsed > c.s.CommitTimeWarning {
		c.log.Warn("commit slow",
			zap.String("kind", m.kind),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", c.s.CommitTimeWarning))
	}
	if m.err != nil {
		c.log.Error("commit failed",
			zap.String("kind", m.kind),
			zap.Stringer("class", supervision.Classify(m.err)),
			zap.Error(m.err))
	} else {
		owned := make(Offsets, len(m.offsets))
		assigned := newPartitionSet(c.consumer.Assignment()...)
		for tp, off := range m.offsets {
			if assigned.has(tp) {
				owned[tp] = off
			}
		}
		c.tracker.Committed(owned, c.now())
	}
	for _, w := range m.waiters {
		w <- m.err
	}
	if c.stopping && c.inflight == 0 {
		c.shutdown(nil)
	}
}

/* ───────────────────────── lifecycle ───────────────────────── */

func (c *Coordinator) stop() {
	if c.stopping {
		return
	}
	c.stopping = true
	c.log.Info("stopping", zap.Int("requesters", len(c.requesters)), zap.Int("in_flight", c.inflight))
	for _, st := range c.ordered() {
		c.reply(st, Messages{RequestID: st.requestID})
		st.r.gone.Store(true)
	}
	clear(c.requesters)
	if c.inflight == 0 {
		c.shutdown(nil)
		return
	}
	c.stopTimer = time.NewTimer(c.s.CommitTimeout)
}

func (c *Coordinator) fatal(err error) {
	c.log.Error("coordinator failed",
		zap.Stringer("class", supervision.Classify(err)),
		zap.Error(err))
	for _, st := range c.ordered() {
		c.reply(st, Failure{Err: err})
		st.r.gone.Store(true)
	}
	clear(c.requesters)
	c.stopping = true
	c.shutdown(err)
}

func (c *Coordinator) shutdown(err error) {
	if c.finished {
		return
	}
	c.finished = true
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.bridge.Stopped()
	for _, w := range c.stashWaiters {
		w <- ErrStopped
	}
	c.stashWaiters = nil
	telemetry.StashedCommits.WithLabelValues(c.name).Set(0)
	if cerr := c.consumer.Close(); cerr != nil {
		c.log.Warn("closing consumer", zap.Error(cerr))
	}
	c.err = err
	close(c.done)
	c.log.Info("stopped")
}

/* ───────────────────────── helpers ───────────────────────── */

func (c *Coordinator) live(r *Requester) (*requesterState, bool) {
	if r == nil || r.gone.Load() {
		return nil, false
	}
	st, ok := c.requesters[r.id]
	return st, ok
}

func (c *Coordinator) assigned(tp TopicPartition) bool {
	if c.manual {
		return c.assignment.has(tp)
	}
	return slices.Contains(c.consumer.Assignment(), tp)
}

func (c *Coordinator) ordered() []*requesterState {
	out := make([]*requesterState, 0, len(c.requesters))
	for _, st := range c.requesters {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *requesterState) int {
		switch {
		case a.r.id < b.r.id:
			return -1
		case a.r.id > b.r.id:
			return 1
		}
		return 0
	})
	return out
}

func (c *Coordinator) waiting() []*requesterState {
	all := c.ordered()
	out := all[:0]
	for _, st := range all {
		if st.waiting {
			out = append(out, st)
		}
	}
	return out
}

func (c *Coordinator) reply(st *requesterState, rep Reply) bool { return c.replyTo(st.r, rep) }

// replyTo never blocks the loop. It reports false when r's buffer was full
// and rep was dropped.
func (c *Coordinator) replyTo(r *Requester, rep Reply) bool {
	select {
	case r.replies <- rep:
		return true
	default:
		c.log.Warn("requester is not draining replies; dropping one", zap.String("requester", r.name))
		return false
	}
}
