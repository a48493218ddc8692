package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/internal/supervision"
)

// CoordinatorFactory builds a fresh private coordinator whose partition
// events go to observer.
type CoordinatorFactory func(observer PartitionObserver) (*Coordinator, error)

type SourceOption func(*Source)

func WithSourceLogger(l *zap.Logger) SourceOption { return func(s *Source) { s.log = l } }

func WithSourceName(name string) SourceOption { return func(s *Source) { s.name = name } }

// WithDecider picks the supervision policy; the default stops on the first
// failure.
func WithDecider(d supervision.Decider) SourceOption { return func(s *Source) { s.decide = d } }

// WithPartitionObserver is told about assignment changes in addition to the
// source itself. Only private coordinators honour it.
func WithPartitionObserver(o PartitionObserver) SourceOption {
	return func(s *Source) { s.observer = o }
}

type sourceMode int

const (
	modeSubscribe sourceMode = iota
	modeAssign
	modeShared
)

// Source is a pull-driven stage over one coordinator. Next must be called
// from one goroutine; Commit and Close may be called from any.
type Source struct {
	name     string
	log      *zap.Logger
	decide   supervision.Decider
	observer PartitionObserver
	mode     sourceMode
	factory  CoordinatorFactory
	topics   []string
	offsets  Offsets
	// want is nil in subscription mode: every assigned partition.
	want []TopicPartition

	mu         sync.Mutex
	coord      *Coordinator
	requester  *Requester
	unregister context.CancelFunc
	assigned   partitionSet
	closed     bool

	rebalanced chan struct{}
	buf        []Record
	nextID     uint64
}

// NewSubscriptionSource joins the consumer group for topics on a private
// coordinator.
func NewSubscriptionSource(factory CoordinatorFactory, topics []string, opts ...SourceOption) (*Source, error) {
	s := newSource(modeSubscribe, opts)
	s.factory, s.topics = factory, topics
	return s, s.start()
}

// NewAssignmentSource assigns offsets' partitions manually on a private
// coordinator, seeking those with a non-negative offset.
func NewAssignmentSource(factory CoordinatorFactory, offsets Offsets, opts ...SourceOption) (*Source, error) {
	s := newSource(modeAssign, opts)
	s.factory, s.offsets = factory, offsets
	s.want = offsets.Partitions()
	return s, s.start()
}

// NewSharedSource claims partitions on a coordinator owned by someone else.
// Closing the source releases the claim but leaves the coordinator running.
func NewSharedSource(coord *Coordinator, partitions []TopicPartition, opts ...SourceOption) (*Source, error) {
	s := newSource(modeShared, opts)
	s.coord = coord
	s.want = append([]TopicPartition(nil), partitions...)
	sortPartitions(s.want)
	return s, s.start()
}

func newSource(mode sourceMode, opts []SourceOption) *Source {
	s := &Source{
		name:       "source",
		decide:     supervision.StoppingDecider,
		mode:       mode,
		assigned:   make(partitionSet),
		rebalanced: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.Or(s.log).With(zap.String("source", s.name))
	return s
}

func (s *Source) start() error {
	coord := s.coord
	if s.mode != modeShared {
		var observer PartitionObserver = s
		if s.observer != nil {
			observer = Observers{s, s.observer}
		}
		var err error
		if coord, err = s.factory(observer); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r, err := coord.Register(ctx, s.name)
	if err != nil {
		cancel()
		return err
	}
	switch s.mode {
	case modeSubscribe:
		err = coord.Subscribe(s.topics)
	case modeAssign:
		err = coord.AssignWithOffset(r, s.offsets)
	case modeShared:
		err = coord.Assign(r, s.want)
		if err == nil {
			s.mu.Lock()
			s.assigned = newPartitionSet(s.want...)
			s.mu.Unlock()
		}
	}
	if err != nil {
		cancel()
		if s.mode != modeShared {
			coord.Stop()
		}
		return err
	}

	s.mu.Lock()
	s.coord, s.requester, s.unregister = coord, r, cancel
	s.mu.Unlock()
	s.log.Info("source started", zap.String("coordinator", coord.Name()))
	return nil
}

func (s *Source) current() (*Coordinator, *Requester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord, s.requester
}

// Assigned is the partition set last reported by the coordinator.
func (s *Source) Assigned() []TopicPartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assigned.slice()
}

// Next returns the next record, asking the coordinator for more when the
// buffer is empty.
func (s *Source) Next(ctx context.Context) (Record, error) {
	for len(s.buf) == 0 {
		if err := s.fill(ctx); err != nil {
			return Record{}, err
		}
	}
	rec := s.buf[0]
	s.buf = s.buf[1:]
	return rec, nil
}

func (s *Source) Run(ctx context.Context, emit EmitFunc) error {
	for {
		rec, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
}

// fill runs one request round trip. A nil return with an empty buffer means
// "ask again".
func (s *Source) fill(ctx context.Context) error {
	coord, r := s.current()
	s.nextID++
	id := s.nextID
	if err := coord.RequestMessages(r, s.want, id); err != nil {
		if cerr := coord.Err(); cerr != nil {
			err = cerr
		}
		return s.supervise(coord, err)
	}
	for {
		select {
		case rep := <-r.Replies():
			if again, err := s.handle(ctx, coord, rep, id); !again {
				return err
			}
		case <-s.rebalanced:
			return nil
		case <-coord.Done():
			select {
			case rep := <-r.Replies():
				if again, err := s.handle(ctx, coord, rep, id); !again {
					return err
				}
				continue
			default:
			}
			err := coord.Err()
			if err == nil {
				err = ErrStopped
			}
			return s.supervise(coord, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle reports whether fill should keep waiting for the answer to id.
func (s *Source) handle(ctx context.Context, coord *Coordinator, rep Reply, id uint64) (bool, error) {
	switch rep := rep.(type) {
	case Messages:
		// records answering an older request are still ours and in order
		if len(rep.Records) == 0 && rep.RequestID != id {
			return true, nil
		}
		if len(rep.Records) == 0 {
			// released without data; do not spin on a stopping coordinator
			t := time.NewTimer(coord.Settings().PollInterval)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			return false, nil
		}
		s.buf = rep.Records
		return false, nil
	case Failure:
		if errors.Is(rep.Err, ErrEvicted) {
			// no decision can win the partitions back
			s.buf = nil
			s.log.Error("source evicted", zap.Stringers("partitions", s.want), zap.Error(rep.Err))
			return false, rep.Err
		}
		// a failing coordinator always shuts down right after
		<-coord.Done()
		return false, s.supervise(coord, rep.Err)
	}
	return true, nil
}

// supervise logs err and applies the decider. Resume and Restart bring a
// dead private coordinator back; a shared one cannot be restarted here.
func (s *Source) supervise(coord *Coordinator, err error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStopped
	}

	decision := s.decide(err)
	s.log.Error("source failure",
		zap.Stringer("class", supervision.Classify(err)),
		zap.Stringer("decision", decision),
		zap.Error(err))
	if decision == supervision.Stop {
		return err
	}
	s.buf = nil

	select {
	case <-coord.Done():
	default:
		return nil
	}
	if s.mode == modeShared {
		return err
	}
	s.mu.Lock()
	if s.unregister != nil {
		s.unregister()
	}
	s.assigned = make(partitionSet)
	s.mu.Unlock()
	if s.mode == modeAssign {
		// a restarted coordinator resumes from committed offsets
		resume := make(Offsets, len(s.offsets))
		for tp := range s.offsets {
			resume[tp] = -1
		}
		s.offsets = resume
	}
	s.log.Info("restarting coordinator", zap.Stringer("decision", decision))
	if rerr := s.start(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return nil
}

func (s *Source) Commit(ctx context.Context, offsets Offsets) error {
	coord, _ := s.current()
	return coord.Commit(ctx, offsets)
}

// Close releases the requester and, for a private coordinator, stops it and
// waits up to the stop timeout for it to let go of the consumer.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	coord, unregister := s.coord, s.unregister
	s.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if s.mode == modeShared || coord == nil {
		return nil
	}
	coord.Stop()
	t := time.NewTimer(coord.Settings().StopTimeout)
	defer t.Stop()
	select {
	case <-coord.Done():
		s.log.Info("source stopped")
	case <-t.C:
		s.log.Warn("coordinator did not stop in time; giving up",
			zap.String("coordinator", coord.Name()),
			zap.Duration("stop_timeout", coord.Settings().StopTimeout))
	}
	return nil
}

/* ───────────────────────── PartitionObserver ───────────────────────── */

func (s *Source) OnAssign(tps []TopicPartition, _ RestrictedHandle) {
	s.mu.Lock()
	s.assigned.add(tps...)
	s.mu.Unlock()
	s.signalRebalance()
}

func (s *Source) OnRevoke(offsets Offsets, _ RestrictedHandle) {
	s.mu.Lock()
	s.assigned.remove(offsets.Partitions()...)
	s.mu.Unlock()
	s.signalRebalance()
}

func (s *Source) OnStop([]TopicPartition, RestrictedHandle) {}

func (s *Source) signalRebalance() {
	select {
	case s.rebalanced <- struct{}{}:
	default:
	}
}
