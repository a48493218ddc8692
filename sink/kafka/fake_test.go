package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"kpipe/sink"
)

const (
	waitFor = 2 * time.Second
	millis  = time.Millisecond
)

// fakeProducer holds delivery reports until the test releases them, unless
// auto is set, in which case Send reports success before returning.
type fakeProducer struct {
	mu      sync.Mutex
	auto    bool
	sent    []*sink.Record
	dones   []sink.DeliveryFunc
	flushes int
	closes  int
}

func (f *fakeProducer) Configure(any) error { return nil }

func (f *fakeProducer) Send(rec *sink.Record, done sink.DeliveryFunc) {
	f.mu.Lock()
	n := len(f.sent)
	f.sent = append(f.sent, rec)
	f.dones = append(f.dones, done)
	auto := f.auto
	f.mu.Unlock()
	if auto {
		done(sink.Delivery{Record: rec, Offset: int64(n)})
	}
}

// release reports send i, failing it with err when non-nil.
func (f *fakeProducer) release(i int, err error) {
	f.mu.Lock()
	rec, done := f.sent[i], f.dones[i]
	f.mu.Unlock()
	done(sink.Delivery{Record: rec, Partition: 0, Offset: int64(i), Err: err})
}

func (f *fakeProducer) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeProducer) record(i int) *sink.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func (f *fakeProducer) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeProducer) shutdownCalls() (flushes, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes, f.closes
}

type running[P any] struct {
	in   chan Envelope[P]
	out  chan Result[P]
	done chan error
}

func start[P any](t *testing.T, ctx context.Context, st *Stage[P]) running[P] {
	t.Helper()
	r := running[P]{
		in:   make(chan Envelope[P]),
		out:  make(chan Result[P]),
		done: make(chan error, 1),
	}
	go func() { r.done <- st.Run(ctx, r.in, r.out) }()
	return r
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func nothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func rec(topic, value string) sink.Record {
	return sink.Record{Topic: topic, Value: []byte(value)}
}
