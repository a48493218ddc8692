package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"kpipe/internal/serde"
	"kpipe/internal/supervision"
	"kpipe/internal/telemetry"
)

var (
	t0 = TopicPartition{Topic: "t", Partition: 0}
	t1 = TopicPartition{Topic: "t", Partition: 1}
)

func startCoordinator(t *testing.T, h ConsumerHandle, s Settings, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(h, s, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() {
		c.Stop()
		<-c.Done()
	})
	return c
}

func register(t *testing.T, c *Coordinator, name string) *Requester {
	t.Helper()
	r, err := c.Register(context.Background(), name)
	require.NoError(t, err)
	return r
}

func TestCoordinatorDeliversOnlyToInterestedRequester(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())

	r0, r1 := register(t, c, "r0"), register(t, c, "r1")
	require.NoError(t, c.Assign(r0, []TopicPartition{t0}))
	require.NoError(t, c.Assign(r1, []TopicPartition{t1}))

	h.produce(t0, "a", "b", "c")
	h.produce(t1, "x", "y")

	got := map[TopicPartition][]string{}
	for id := uint64(1); len(got[t0]) < 3 || len(got[t1]) < 2; id++ {
		require.Less(t, id, uint64(20), "records never arrived")
		if len(got[t0]) < 3 {
			require.NoError(t, c.RequestMessages(r0, []TopicPartition{t0}, id))
		}
		if len(got[t1]) < 2 {
			require.NoError(t, c.RequestMessages(r1, []TopicPartition{t1}, id))
		}
		if len(got[t0]) < 3 {
			m := messages(t, r0)
			for _, rec := range m.Records {
				require.Equal(t, t0, rec.TopicPartition())
			}
			got[t0] = append(got[t0], values(m.Records)...)
		}
		if len(got[t1]) < 2 {
			m := messages(t, r1)
			for _, rec := range m.Records {
				require.Equal(t, t1, rec.TopicPartition())
			}
			got[t1] = append(got[t1], values(m.Records)...)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got[t0])
	assert.Equal(t, []string{"x", "y"}, got[t1])
}

func TestCoordinatorPausesPartitionsNobodyAsksFor(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())

	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0, t1}))
	h.produce(t1, "later")
	h.produce(t0, "now")

	require.NoError(t, c.RequestMessages(r, []TopicPartition{t0}, 1))
	m := messages(t, r)
	assert.Equal(t, []string{"now"}, values(m.Records))
	assert.True(t, h.isPaused(t1))
	assert.Equal(t, 1, h.remaining(t1))
}

func TestCoordinatorFailsOnRecordForUnrequestedPartition(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())

	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0, t1}))
	require.NoError(t, c.RequestMessages(r, []TopicPartition{t0}, 1))
	h.injectRogue(Record{Topic: "t", Partition: 1, Offset: 7})

	f := failure(t, r)
	require.ErrorIs(t, f.Err, ErrProtocolViolation)
	waitDone(t, c)
	require.ErrorIs(t, c.Err(), ErrProtocolViolation)
	assert.True(t, h.isClosed())
}

func TestCoordinatorFailsOnRecordFromHousekeepingPoll(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())

	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	h.injectRogue(Record{Topic: "t", Partition: 0, Offset: 0})

	waitDone(t, c)
	require.ErrorIs(t, c.Err(), ErrProtocolViolation)
	require.ErrorIs(t, failure(t, r).Err, ErrProtocolViolation)
}

func TestCoordinatorCommitTwiceWhileStable(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())
	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))

	ctx := context.Background()
	require.NoError(t, c.Commit(ctx, Offsets{t0: 5}))
	require.NoError(t, c.Commit(ctx, Offsets{t0: 5}))

	assert.Equal(t, []Offsets{{t0: 5}, {t0: 5}}, h.commitLog())
}

func TestCoordinatorCommitReportsBrokerError(t *testing.T) {
	h := newFakeHandle()
	h.setCommitErr(errors.New("coordinator not available"))
	c := startCoordinator(t, h, testSettings())

	err := c.Commit(context.Background(), Offsets{t0: 1})
	require.EqualError(t, err, "coordinator not available")
}

func TestCoordinatorEmptyCommitIsNoop(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())
	require.NoError(t, c.Commit(context.Background(), nil))
	assert.Empty(t, h.commitLog())
}

// One partition, ten records, one requester.
func TestCoordinatorSubscriptionDeliversInOrder(t *testing.T) {
	h := newFakeHandle()
	obs := newRecordingObserver()
	c := startCoordinator(t, h, testSettings(), WithObserver(obs))

	require.NoError(t, c.Subscribe([]string{"t"}))
	want := make([]string, 10)
	for i := range want {
		want[i] = fmt.Sprint(i + 1)
	}
	h.produce(t0, want...)
	h.rebalance(nil, []TopicPartition{t0})

	r := register(t, c, "r")
	var got []string
	for id := uint64(1); len(got) < len(want); id++ {
		require.Less(t, id, uint64(50))
		require.NoError(t, c.RequestMessages(r, nil, id))
		m := messages(t, r)
		require.Equal(t, id, m.RequestID)
		got = append(got, values(m.Records)...)
	}
	assert.Equal(t, want, got)
	assert.Zero(t, h.remaining(t0))
	assert.Equal(t, []TopicPartition{t0}, recv(t, obs.assigned))
}

func TestCoordinatorConflictingAssignEvictsPreviousOwner(t *testing.T) {
	h := newFakeHandle()
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewCoordinator(h, testSettings(), WithLogger(zap.New(core)))
	t.Cleanup(func() { c.Stop(); <-c.Done() })

	first, second := register(t, c, "first"), register(t, c, "second")
	require.NoError(t, c.Assign(first, []TopicPartition{t0}))
	require.NoError(t, c.RequestMessages(first, []TopicPartition{t0}, 1))
	require.NoError(t, c.Assign(second, []TopicPartition{t0}))

	m := messages(t, first)
	assert.Equal(t, uint64(1), m.RequestID)
	assert.Empty(t, m.Records)
	require.ErrorIs(t, failure(t, first).Err, ErrEvicted)
	require.Equal(t, 1, logs.FilterMessageSnippet("claimed by another requester").Len())

	// the evicted requester keeps hearing it, the coordinator runs on
	require.NoError(t, c.RequestMessages(first, []TopicPartition{t0}, 2))
	require.ErrorIs(t, failure(t, first).Err, ErrEvicted)
	require.NoError(t, c.Err())

	h.produce(t0, "v")
	require.NoError(t, c.RequestMessages(second, []TopicPartition{t0}, 1))
	assert.Equal(t, []string{"v"}, values(messages(t, second).Records))
}

func TestCoordinatorPartialEvictionKeepsRequester(t *testing.T) {
	h := newFakeHandle()
	c := NewCoordinator(h, testSettings(), WithLogger(zap.NewNop()))
	t.Cleanup(func() { c.Stop(); <-c.Done() })

	first, second := register(t, c, "first"), register(t, c, "second")
	require.NoError(t, c.Assign(first, []TopicPartition{t0, t1}))
	require.NoError(t, c.RequestMessages(first, nil, 1))
	require.NoError(t, c.Assign(second, []TopicPartition{t0}))

	m := messages(t, first)
	assert.Equal(t, uint64(1), m.RequestID)
	assert.Empty(t, m.Records)

	h.produce(t1, "still mine")
	require.NoError(t, c.RequestMessages(first, nil, 2))
	assert.Equal(t, []string{"still mine"}, values(messages(t, first).Records))
}

// Revoke t0 while a commit for it is pending, then assign it back.
func TestCoordinatorStashesCommitDuringRebalance(t *testing.T) {
	h := newFakeHandle()
	obs := newRecordingObserver()
	c := startCoordinator(t, h, testSettings(), WithObserver(obs))

	require.NoError(t, c.Subscribe([]string{"t"}))
	h.rebalance(nil, []TopicPartition{t0})
	recv(t, obs.assigned)

	h.rebalance([]TopicPartition{t0}, nil)
	recv(t, obs.revoked)

	done := make(chan error, 1)
	go func() { done <- c.Commit(context.Background(), Offsets{t0: 5}) }()

	require.Never(t, func() bool { return len(h.commitLog()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("commit answered during rebalance: %v", err)
	default:
	}

	h.rebalance(nil, []TopicPartition{t0})
	require.NoError(t, recv(t, done))
	assert.Equal(t, []Offsets{{t0: 5}}, h.commitLog())
}

func TestCoordinatorStashedCallersShareOutcome(t *testing.T) {
	h := newFakeHandle()
	obs := newRecordingObserver()
	c := startCoordinator(t, h, testSettings(), WithObserver(obs), WithName("stash-outcome"))

	require.NoError(t, c.Subscribe([]string{"t"}))
	h.rebalance(nil, []TopicPartition{t0, t1})
	recv(t, obs.assigned)
	h.rebalance([]TopicPartition{t0, t1}, nil)
	recv(t, obs.revoked)

	h.setCommitErr(errors.New("rebalance in progress"))
	errs := make(chan error, 2)
	go func() { errs <- c.Commit(context.Background(), Offsets{t0: 3}) }()
	go func() { errs <- c.Commit(context.Background(), Offsets{t1: 9}) }()
	stashed := telemetry.StashedCommits.WithLabelValues("stash-outcome")
	require.Eventually(t, func() bool { return testutil.ToFloat64(stashed) == 2 }, waitFor, time.Millisecond)
	assert.Empty(t, h.commitLog())

	h.rebalance(nil, []TopicPartition{t0, t1})
	e1, e2 := recv(t, errs), recv(t, errs)
	require.EqualError(t, e1, "rebalance in progress")
	require.EqualError(t, e2, "rebalance in progress")
	assert.Equal(t, []Offsets{{t0: 3, t1: 9}}, h.commitLog())
}

func TestCoordinatorStopReleasesRequesters(t *testing.T) {
	h := newFakeHandle()
	obs := newRecordingObserver()
	c := NewCoordinator(h, testSettings(), WithLogger(zap.NewNop()), WithObserver(obs))

	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	recv(t, obs.assigned)
	require.NoError(t, c.RequestMessages(r, []TopicPartition{t0}, 4))

	c.Stop()
	m := messages(t, r)
	assert.Equal(t, uint64(4), m.RequestID)
	assert.Empty(t, m.Records)
	waitDone(t, c)
	require.NoError(t, c.Err())
	assert.True(t, h.isClosed())
	assert.Equal(t, []TopicPartition{t0}, recv(t, obs.stopped))
	require.ErrorIs(t, c.Commit(context.Background(), Offsets{t0: 1}), ErrStopped)
}

func TestCoordinatorStopWaitsForInFlightCommit(t *testing.T) {
	h := newFakeHandle()
	h.hold()
	c := NewCoordinator(h, testSettings(), WithLogger(zap.NewNop()))

	done := make(chan error, 1)
	go func() { done <- c.Commit(context.Background(), Offsets{t0: 2}) }()
	require.Eventually(t, func() bool { return len(h.commitLog()) == 1 }, waitFor, time.Millisecond)

	c.Stop()
	select {
	case <-c.Done():
		t.Fatal("stopped with a commit in flight")
	case <-time.After(30 * time.Millisecond):
	}
	h.release()
	require.NoError(t, recv(t, done))
	waitDone(t, c)
}

func TestCoordinatorStopGivesUpOnWedgedCommit(t *testing.T) {
	h := newFakeHandle()
	h.hold()
	s := testSettings()
	s.CommitTimeout = 20 * time.Millisecond
	c := NewCoordinator(h, s, WithLogger(zap.NewNop()))

	done := make(chan error, 1)
	go func() { done <- c.Commit(context.Background(), Offsets{t0: 2}) }()
	require.Eventually(t, func() bool { return len(h.commitLog()) == 1 }, waitFor, time.Millisecond)

	c.Stop()
	waitDone(t, c)
	require.ErrorIs(t, recv(t, done), ErrStopped)
}

func TestCoordinatorRefreshesCommittedOffsets(t *testing.T) {
	h := newFakeHandle()
	s := testSettings()
	s.CommitRefreshInterval = 20 * time.Millisecond
	c := startCoordinator(t, h, s)

	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	require.NoError(t, c.Commit(context.Background(), Offsets{t0: 3}))

	require.Eventually(t, func() bool { return len(h.commitLog()) >= 2 }, waitFor, 5*time.Millisecond)
	for _, offs := range h.commitLog() {
		assert.Equal(t, Offsets{t0: 3}, offs)
	}
}

func TestCoordinatorSeeksOnAssignWithOffset(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())
	r := register(t, c, "r")

	require.NoError(t, c.AssignWithOffset(r, Offsets{t0: 42, t1: -1}))
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, map[TopicPartition]int64{t0: 42}, h.seeks)
	assert.ElementsMatch(t, []TopicPartition{t0, t1}, h.assignment)
}

func TestCoordinatorRejectsMixedModes(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())
	r := register(t, c, "r")

	require.NoError(t, c.Subscribe([]string{"t"}))
	require.ErrorIs(t, c.Assign(r, []TopicPartition{t0}), ErrModeConflict)
}

func TestCoordinatorDeserializationErrorIsFatal(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings(), WithDeserializer(serde.JSON{}))
	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	h.produce(t0, "{not json")

	require.NoError(t, c.RequestMessages(r, []TopicPartition{t0}, 1))
	f := failure(t, r)
	var serr *supervision.SerializationError
	require.ErrorAs(t, f.Err, &serr)
	assert.Equal(t, int64(0), serr.Offset)
	assert.Equal(t, supervision.Serialization, supervision.Classify(f.Err))
	waitDone(t, c)
}

func TestCoordinatorDecodesValues(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings(), WithDeserializer(serde.JSON{}))
	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	h.produce(t0, `{"k":"v"}`)

	require.NoError(t, c.RequestMessages(r, []TopicPartition{t0}, 1))
	m := messages(t, r)
	require.Len(t, m.Records, 1)
	assert.Equal(t, map[string]any{"k": "v"}, m.Records[0].Decoded)
}

func TestCoordinatorKeepsPollingAfterRetriableError(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())
	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	h.failPolls(io.EOF, io.EOF)
	h.produce(t0, "ok")

	require.NoError(t, c.RequestMessages(r, []TopicPartition{t0}, 1))
	assert.Equal(t, []string{"ok"}, values(messages(t, r).Records))
	require.NoError(t, c.Err())
}

func TestCoordinatorStopsOnNonRetriableError(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())
	r := register(t, c, "r")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	boom := errors.New("boom")
	require.NoError(t, c.RequestMessages(r, []TopicPartition{t0}, 1))
	h.failPolls(boom)
	require.ErrorIs(t, failure(t, r).Err, boom)
	waitDone(t, c)
	require.ErrorIs(t, c.Err(), boom)
}

func TestCoordinatorForgetsRequesterWhenContextEnds(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, testSettings())

	ctx, cancel := context.WithCancel(context.Background())
	r, err := c.Register(ctx, "short-lived")
	require.NoError(t, err)
	cancel()
	require.Eventually(t, r.gone.Load, waitFor, time.Millisecond)

	require.NoError(t, c.RequestMessages(r, nil, 9))
	m := messages(t, r)
	assert.Equal(t, uint64(9), m.RequestID)
	assert.Empty(t, m.Records)
}

// seekGate parks the coordinator loop inside Seek until opened.
type seekGate struct {
	*fakeHandle
	entered chan struct{}
	open    chan struct{}
}

func (g *seekGate) Seek(tp TopicPartition, off int64) error {
	close(g.entered)
	<-g.open
	return g.fakeHandle.Seek(tp, off)
}

func TestCoordinatorCoalescesConcurrentRequestsIntoOnePoll(t *testing.T) {
	h := newFakeHandle()
	g := &seekGate{fakeHandle: h, entered: make(chan struct{}), open: make(chan struct{})}
	c := startCoordinator(t, g, quietSettings(), WithName("coalesce"))
	fetches := telemetry.Polls.WithLabelValues("coalesce", "fetch")

	r0, r1, parked := register(t, c, "r0"), register(t, c, "r1"), register(t, c, "parked")
	require.NoError(t, c.Assign(r0, []TopicPartition{t0}))
	require.NoError(t, c.Assign(r1, []TopicPartition{t1}))
	h.produce(t0, "zero")
	h.produce(t1, "one")

	t2 := TopicPartition{Topic: "t", Partition: 2}
	assigned := make(chan error, 1)
	go func() { assigned <- c.AssignWithOffset(parked, Offsets{t2: 7}) }()
	recv(t, g.entered)

	// both requests sit in the mailbox before the loop sees either
	require.NoError(t, c.RequestMessages(r0, nil, 1))
	require.NoError(t, c.RequestMessages(r1, nil, 1))
	close(g.open)
	require.NoError(t, recv(t, assigned))

	assert.Equal(t, []string{"zero"}, values(messages(t, r0).Records))
	assert.Equal(t, []string{"one"}, values(messages(t, r1).Records))
	assert.Equal(t, float64(1), testutil.ToFloat64(fetches))
}

func TestCoordinatorPollsAtOnceForSingleRequester(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, quietSettings(), WithName("single"))

	r := register(t, c, "only")
	require.NoError(t, c.Assign(r, []TopicPartition{t0}))
	h.produce(t0, "now")
	require.NoError(t, c.RequestMessages(r, nil, 1))

	// the ticker is an hour away, so this reply came from the request itself
	assert.Equal(t, []string{"now"}, values(messages(t, r).Records))
	assert.Equal(t, float64(1), testutil.ToFloat64(telemetry.Polls.WithLabelValues("single", "fetch")))
	assert.Zero(t, testutil.ToFloat64(telemetry.Polls.WithLabelValues("single", "housekeeping")))
}

func TestCoordinatorRewindsRecordsForStalledRequester(t *testing.T) {
	h := newFakeHandle()
	c := startCoordinator(t, h, quietSettings())

	stalled := register(t, c, "stalled")
	require.NoError(t, c.Assign(stalled, []TopicPartition{t0}))
	// fill the reply buffer with answers the requester never reads
	for i := range replyBuffer {
		require.NoError(t, c.RequestMessages(stalled, []TopicPartition{t1}, uint64(i+1)))
	}
	h.produce(t0, "a", "b")
	require.NoError(t, c.RequestMessages(stalled, nil, 100))
	require.Eventually(t, stalled.gone.Load, waitFor, time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, int64(0), h.seeks[t0])
	h.mu.Unlock()

	next := register(t, c, "next")
	require.NoError(t, c.Assign(next, []TopicPartition{t0}))
	require.NoError(t, c.RequestMessages(next, nil, 1))
	assert.Equal(t, []string{"a", "b"}, values(messages(t, next).Records))
	require.NoError(t, c.Err())
}
