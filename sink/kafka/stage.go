package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/internal/serde"
	"kpipe/internal/supervision"
	"kpipe/internal/telemetry"
	"kpipe/sink"
)

type StageOption func(*stageOptions)

type stageOptions struct {
	name         string
	log          *zap.Logger
	decide       supervision.Decider
	ser          serde.Serializer
	flushTimeout time.Duration
	owns         bool
	parallelism  int
}

func WithStageName(name string) StageOption { return func(o *stageOptions) { o.name = name } }

func WithStageLogger(l *zap.Logger) StageOption { return func(o *stageOptions) { o.log = l } }

// WithStageDecider is consulted for non-retriable and serialization send
// failures. The default stops the stage.
func WithStageDecider(d supervision.Decider) StageOption {
	return func(o *stageOptions) { o.decide = d }
}

// WithSerializer encodes Record.Payload into Value before each send.
func WithSerializer(s serde.Serializer) StageOption { return func(o *stageOptions) { o.ser = s } }

func WithFlushTimeout(d time.Duration) StageOption {
	return func(o *stageOptions) { o.flushTimeout = d }
}

// WithCloseProducer says whether the stage owns, and so flushes and closes,
// the producer when it finishes.
func WithCloseProducer(owns bool) StageOption { return func(o *stageOptions) { o.owns = owns } }

// WithParallelism bounds the envelopes pulled but not yet emitted.
func WithParallelism(n int) StageOption { return func(o *stageOptions) { o.parallelism = n } }

/* ───────────────────────── Stage ───────────────────────── */

// Stage pulls envelopes, sends their records through one producer and emits
// one Result per envelope, in envelope order.
type Stage[P any] struct {
	producer sink.Producer
	o        stageOptions
	log      *zap.Logger
}

func NewStage[P any](p sink.Producer, opts ...StageOption) *Stage[P] {
	o := stageOptions{
		name:         "producer",
		decide:       supervision.StoppingDecider,
		flushTimeout: 10 * time.Second,
		owns:         true,
		parallelism:  100,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.parallelism <= 0 {
		o.parallelism = 1
	}
	return &Stage[P]{
		producer: p,
		o:        o,
		log:      logging.Or(o.log).With(zap.String("stage", o.name)),
	}
}

func (s *Stage[P]) Name() string { return s.o.name }

// Run blocks until in is closed and every send was reported and its Result
// emitted, until a failure the decider stops on, or until ctx ends. out is
// closed when Run returns. Run must be called once.
func (s *Stage[P]) Run(ctx context.Context, in <-chan Envelope[P], out chan<- Result[P]) error {
	defer close(out)

	r := &stageRun[P]{s: s, reports: newReports[P]()}
	err := r.loop(ctx, in, out)
	r.reports.close()

	if r.inflight > 0 {
		telemetry.ProducerInFlight.WithLabelValues(s.o.name).Sub(float64(r.inflight))
		s.log.Warn("stage finished with unacknowledged sends", zap.Int("in_flight", r.inflight))
	}
	s.finish(r.fatal)
	return err
}

// finish flushes then closes an owned producer. A fatal stop skips the
// flush; errors are logged only.
func (s *Stage[P]) finish(fatal bool) {
	if !s.o.owns {
		return
	}
	var err error
	if !fatal {
		ctx, cancel := context.WithTimeout(context.Background(), s.o.flushTimeout)
		err = s.producer.Flush(ctx)
		cancel()
	}
	err = multierr.Append(err, s.producer.Close())
	if err != nil {
		s.log.Warn("producer shutdown", zap.Error(err))
	}
}

type pending[P any] struct {
	res       Result[P]
	remaining int
	errs      []error
}

func (p *pending[P]) ready() bool { return p.remaining == 0 }

func (p *pending[P]) result() Result[P] {
	res := p.res
	res.Err = errors.Join(p.errs...)
	return res
}

type report[P any] struct {
	slot *pending[P]
	idx  int
	d    sink.Delivery
}

// reports collects delivery callbacks without ever blocking the producer
// that calls them, including a Send that reports synchronously.
type reports[P any] struct {
	mu     sync.Mutex
	items  []report[P]
	closed bool
	notify chan struct{}
}

func newReports[P any]() *reports[P] {
	return &reports[P]{notify: make(chan struct{}, 1)}
}

func (q *reports[P]) push(r report[P]) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *reports[P]) take() []report[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *reports[P]) close() {
	q.mu.Lock()
	q.closed, q.items = true, nil
	q.mu.Unlock()
}

type stageRun[P any] struct {
	s        *Stage[P]
	reports  *reports[P]
	queue    []*pending[P]
	inflight int
	upstream bool // upstream finished
	fatal    bool
}

// complete is the gate: upstream finished, nothing in flight and every
// result emitted. Both envelope intake and delivery reports lead back here.
func (r *stageRun[P]) complete() bool {
	return r.upstream && r.inflight == 0 && len(r.queue) == 0
}

func (r *stageRun[P]) loop(ctx context.Context, in <-chan Envelope[P], out chan<- Result[P]) error {
	done := ctx.Done()
	for !r.complete() {
		var inC <-chan Envelope[P]
		if !r.upstream && len(r.queue) < r.s.o.parallelism {
			inC = in
		}
		var outC chan<- Result[P]
		var head Result[P]
		if len(r.queue) > 0 && r.queue[0].ready() {
			outC, head = out, r.queue[0].result()
		}

		select {
		case env, ok := <-inC:
			if !ok {
				r.upstream = true
				continue
			}
			if err := r.submit(env); err != nil {
				return err
			}
		case <-r.reports.notify:
			for _, rep := range r.reports.take() {
				if err := r.delivered(rep); err != nil {
					return err
				}
			}
		case outC <- head:
			r.queue[0] = nil
			r.queue = r.queue[1:]
		case <-done:
			return ctx.Err()
		}
	}
	return nil
}

func (r *stageRun[P]) submit(env Envelope[P]) error {
	recs := env.records()
	slot := &pending[P]{
		res:       Result[P]{Kind: kindOf(env), Pass: env.passThrough()},
		remaining: len(recs),
	}
	if len(recs) > 0 {
		slot.res.Deliveries = make([]sink.Delivery, len(recs))
	}
	r.queue = append(r.queue, slot)

	gauge := telemetry.ProducerInFlight.WithLabelValues(r.s.o.name)
	for i := range recs {
		rec := recs[i]
		if err := r.encode(&rec); err != nil {
			if err := r.resolve(slot, i, sink.Delivery{Record: &rec, Partition: -1, Offset: -1, Err: err}); err != nil {
				return err
			}
			continue
		}
		r.inflight++
		gauge.Inc()
		r.s.producer.Send(&rec, func(d sink.Delivery) {
			r.reports.push(report[P]{slot: slot, idx: i, d: d})
		})
	}
	return nil
}

func (r *stageRun[P]) encode(rec *sink.Record) error {
	if r.s.o.ser == nil || rec.Payload == nil {
		return nil
	}
	v, err := r.s.o.ser.Serialize(rec.Topic, rec.Payload)
	if err != nil {
		return &supervision.SerializationError{Topic: rec.Topic, Partition: -1, Offset: -1, Err: err}
	}
	rec.Value = v
	return nil
}

func (r *stageRun[P]) delivered(rep report[P]) error {
	r.inflight--
	telemetry.ProducerInFlight.WithLabelValues(r.s.o.name).Dec()
	telemetry.ProducerSends.WithLabelValues(r.s.o.name, telemetry.Outcome(rep.d.Err)).Inc()
	return r.resolve(rep.slot, rep.idx, rep.d)
}

// resolve records one delivery into its envelope. It returns an error only
// when the decider stops the stage.
func (r *stageRun[P]) resolve(slot *pending[P], idx int, d sink.Delivery) error {
	slot.res.Deliveries[idx] = d
	slot.remaining--
	if d.Err == nil {
		return nil
	}

	topic := ""
	if d.Record != nil {
		topic = d.Record.Topic
	}
	kind := supervision.Classify(d.Err)
	if kind == supervision.Retriable {
		r.s.log.Warn("send failed",
			zap.Stringer("class", kind),
			zap.String("topic", topic),
			zap.Error(d.Err))
		slot.errs = append(slot.errs, d.Err)
		return nil
	}

	decision := r.s.o.decide(d.Err)
	r.s.log.Error("send failed",
		zap.Stringer("class", kind),
		zap.Stringer("decision", decision),
		zap.String("topic", topic),
		zap.Error(d.Err))
	if decision == supervision.Stop {
		r.fatal = true
		return fmt.Errorf("kafka sink %s: %w", r.s.o.name, d.Err)
	}
	slot.errs = append(slot.errs, d.Err)
	return nil
}
