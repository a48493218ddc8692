package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHandle is a scripted ConsumerHandle. Rebalance events queued with
// rebalance run inside the next Poll, like a real client delivers them.
type fakeHandle struct {
	mu sync.Mutex

	listener   RebalanceListener
	topics     []string
	assignment []TopicPartition
	paused     partitionSet
	queued     map[TopicPartition][]Record
	history    map[TopicPartition][]Record
	next       map[TopicPartition]int64
	rogue      []Record
	events     []func()
	pollErrs   []error

	commits     []Offsets
	commitErr   error
	holdCommits bool
	held        []func()

	seeks  map[TopicPartition]int64
	polls  int
	closed bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		paused:  make(partitionSet),
		queued:  make(map[TopicPartition][]Record),
		history: make(map[TopicPartition][]Record),
		next:    make(map[TopicPartition]int64),
		seeks:   make(map[TopicPartition]int64),
	}
}

func (f *fakeHandle) Subscribe(topics []string, l RebalanceListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics, f.listener = topics, l
	return nil
}

func (f *fakeHandle) Assign(tps []TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignment = append([]TopicPartition(nil), tps...)
	return nil
}

func (f *fakeHandle) Seek(tp TopicPartition, off int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks[tp] = off
	// replay produced records from off, if we have them
	for i, rec := range f.history[tp] {
		if rec.Offset >= off {
			f.queued[tp] = append([]Record(nil), f.history[tp][i:]...)
			break
		}
	}
	return nil
}

func (f *fakeHandle) Pause(tps []TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused.add(tps...)
}

func (f *fakeHandle) Resume(tps []TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused.remove(tps...)
}

func (f *fakeHandle) Poll(_ context.Context, _ time.Duration, max int) ([]Record, error) {
	f.mu.Lock()
	f.polls++
	var events []func()
	if f.listener != nil {
		events, f.events = f.events, nil
	}
	f.mu.Unlock()
	for _, ev := range events {
		ev()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		return nil, err
	}
	if len(f.rogue) > 0 {
		out := f.rogue
		f.rogue = nil
		return out, nil
	}
	if max == 0 {
		return nil, nil
	}
	var out []Record
	for _, tp := range f.assignment {
		if f.paused.has(tp) {
			continue
		}
		for len(f.queued[tp]) > 0 && len(out) < max {
			out = append(out, f.queued[tp][0])
			f.queued[tp] = f.queued[tp][1:]
		}
	}
	return out, nil
}

func (f *fakeHandle) CommitAsync(offs Offsets, done func(error)) {
	f.mu.Lock()
	cp := make(Offsets, len(offs))
	cp.Merge(offs)
	f.commits = append(f.commits, cp)
	err := f.commitErr
	if f.holdCommits {
		f.held = append(f.held, func() { done(err) })
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	done(err)
}

func (f *fakeHandle) Assignment() []TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TopicPartition(nil), f.assignment...)
}

func (f *fakeHandle) Position(_ context.Context, tp TopicPartition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.queued[tp]; len(q) > 0 {
		return q[0].Offset, nil
	}
	if off, ok := f.next[tp]; ok {
		return off, nil
	}
	return 0, ErrUnknownPosition
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

/* ───────────────────────── scripting ───────────────────────── */

func (f *fakeHandle) produce(tp TopicPartition, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		off := f.next[tp]
		rec := Record{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    off,
			Value:     []byte(v),
			Timestamp: time.Unix(0, 0),
		}
		f.queued[tp] = append(f.queued[tp], rec)
		f.history[tp] = append(f.history[tp], rec)
		f.next[tp] = off + 1
	}
}

func (f *fakeHandle) injectRogue(recs ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rogue = append(f.rogue, recs...)
}

func (f *fakeHandle) failPolls(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErrs = append(f.pollErrs, errs...)
}

// rebalance schedules a group rebalance for the next Poll.
func (f *fakeHandle) rebalance(revoked, assigned []TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, func() {
		f.mu.Lock()
		l := f.listener
		if len(revoked) > 0 {
			gone := newPartitionSet(revoked...)
			keep := f.assignment[:0]
			for _, tp := range f.assignment {
				if !gone.has(tp) {
					keep = append(keep, tp)
				}
			}
			f.assignment = keep
		}
		f.mu.Unlock()
		if len(revoked) > 0 {
			l.OnRevoked(revoked)
		}
		if len(assigned) > 0 {
			f.mu.Lock()
			f.assignment = append(f.assignment, assigned...)
			f.mu.Unlock()
			l.OnAssigned(assigned)
		}
	})
}

func (f *fakeHandle) remaining(tp TopicPartition) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued[tp])
}

func (f *fakeHandle) commitLog() []Offsets {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Offsets(nil), f.commits...)
}

func (f *fakeHandle) setCommitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitErr = err
}

func (f *fakeHandle) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdCommits = true
}

func (f *fakeHandle) release() {
	f.mu.Lock()
	held := f.held
	f.held, f.holdCommits = nil, false
	f.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeHandle) isPaused(tp TopicPartition) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused.has(tp)
}

/* ───────────────────────── observer ───────────────────────── */

type recordingObserver struct {
	assigned chan []TopicPartition
	revoked  chan Offsets
	stopped  chan []TopicPartition
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		assigned: make(chan []TopicPartition, 16),
		revoked:  make(chan Offsets, 16),
		stopped:  make(chan []TopicPartition, 16),
	}
}

func (o *recordingObserver) OnAssign(tps []TopicPartition, _ RestrictedHandle) { o.assigned <- tps }
func (o *recordingObserver) OnRevoke(offs Offsets, _ RestrictedHandle)         { o.revoked <- offs }
func (o *recordingObserver) OnStop(tps []TopicPartition, _ RestrictedHandle)   { o.stopped <- tps }

/* ───────────────────────── helpers ───────────────────────── */

const waitFor = 2 * time.Second

// quietSettings only polls when a request arrives.
func quietSettings() Settings {
	s := testSettings()
	s.PollInterval = time.Hour
	return s
}

func testSettings() Settings {
	return Settings{
		PollInterval:  5 * time.Millisecond,
		PollTimeout:   time.Millisecond,
		CommitTimeout: time.Second,
		StopTimeout:   time.Second,
		BufferSize:    100,
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		var zero T
		t.Fatalf("timed out waiting on channel")
		return zero
	}
}

func messages(t *testing.T, r *Requester) Messages {
	t.Helper()
	rep := recv(t, r.Replies())
	m, ok := rep.(Messages)
	require.Truef(t, ok, "want Messages, got %#v", rep)
	return m
}

func failure(t *testing.T, r *Requester) Failure {
	t.Helper()
	for {
		rep := recv(t, r.Replies())
		if f, ok := rep.(Failure); ok {
			return f
		}
	}
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	recv(t, c.Done())
}

func values(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Value)
	}
	return out
}
