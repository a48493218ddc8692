package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"

	"kpipe/internal/telemetry"
)

func init() {
	Register("franz", func(cfg Config, name string, log *zap.Logger) (ConsumerHandle, error) {
		return newFranzHandle(cfg, name, log), nil
	})
}

type rebalanceEvent struct {
	revoked bool
	tps     []TopicPartition
	// replayed is closed once the listener saw a revoke; the kgo callback
	// waits on it so the group cannot move on before the coordinator knows.
	replayed chan struct{}
}

// franzHandle drives a kgo client. Group callbacks fire on kgo goroutines;
// they are buffered and replayed to the listener at the start of each
// Poll, so Assignment never runs ahead of the records a poll returns.
// Rebalances are blocked outside Poll (BlockRebalanceOnPoll) and a revoke
// callback returns only after its replay.
type franzHandle struct {
	cfg  Config
	name string
	log  *zap.Logger

	cl       *kgo.Client
	admin    *kgo.Client
	adm      *kadm.Client
	group    bool
	listener RebalanceListener

	evMu      sync.Mutex
	events    []rebalanceEvent
	closing   chan struct{}
	closeOnce sync.Once

	assigned  partitionSet
	positions Offsets
}

func newFranzHandle(cfg Config, name string, log *zap.Logger) *franzHandle {
	return &franzHandle{
		cfg:       cfg,
		name:      name,
		log:       log.With(zap.String("driver", "franz")),
		assigned:  make(partitionSet),
		positions: make(Offsets),
		closing:   make(chan struct{}),
	}
}

func (h *franzHandle) baseOpts(client string) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(h.cfg.Brokers...),
		kgo.ClientID(h.cfg.ClientID),
		kgo.WithLogger(kzap.New(h.log.Named(client))),
		kgo.WithHooks(telemetry.ClientHooks(client)),
		kgo.ConsumeResetOffset(h.resetOffset()),
	}
	if h.cfg.TLSEn {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if h.cfg.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: h.cfg.SASLUser, Pass: h.cfg.SASLPass}.AsMechanism()))
	}
	return opts
}

func (h *franzHandle) resetOffset() kgo.Offset {
	if h.cfg.StartFrom == "oldest" {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().AtEnd()
}

// adminClient serves committed-offset lookups and, without a group member,
// commits.
func (h *franzHandle) adminClient() (*kadm.Client, error) {
	if h.adm != nil {
		return h.adm, nil
	}
	cl, err := kgo.NewClient(h.baseOpts(h.name + "-admin")...)
	if err != nil {
		return nil, err
	}
	h.admin, h.adm = cl, kadm.NewClient(cl)
	return h.adm, nil
}

/* ───────────────────────── assignment ───────────────────────── */

func (h *franzHandle) Subscribe(topics []string, listener RebalanceListener) error {
	if h.cl != nil {
		return errors.New("kafka: franz handle already consuming")
	}
	opts := append(h.baseOpts(h.name),
		kgo.ConsumerGroup(h.cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.Balancers(kgo.StickyBalancer()),
		kgo.OnPartitionsAssigned(h.queue(false)),
		kgo.OnPartitionsRevoked(h.queue(true)),
		kgo.OnPartitionsLost(h.queue(true)),
		kgo.BlockRebalanceOnPoll(),
	)
	h.listener = listener
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		h.listener = nil
		return err
	}
	h.cl, h.group = cl, true
	return nil
}

// queue buffers a group callback for the next Poll. Revokes block until
// replayed, or until the handle closes or kgo gives up on the callback.
func (h *franzHandle) queue(revoked bool) func(context.Context, *kgo.Client, map[string][]int32) {
	return func(ctx context.Context, _ *kgo.Client, m map[string][]int32) {
		tps := fromTopicMap(m)
		if len(tps) == 0 {
			return
		}
		ev := rebalanceEvent{revoked: revoked, tps: tps}
		if revoked {
			ev.replayed = make(chan struct{})
		}
		h.evMu.Lock()
		h.events = append(h.events, ev)
		h.evMu.Unlock()
		if ev.replayed == nil {
			return
		}
		select {
		case <-ev.replayed:
		case <-h.closing:
		case <-ctx.Done():
		}
	}
}

func (h *franzHandle) replay() {
	h.evMu.Lock()
	evs := h.events
	h.events = nil
	h.evMu.Unlock()

	for _, ev := range evs {
		if ev.revoked {
			h.listener.OnRevoked(ev.tps)
			h.assigned.remove(ev.tps...)
			for _, tp := range ev.tps {
				delete(h.positions, tp)
			}
			close(ev.replayed)
			continue
		}
		h.assigned.add(ev.tps...)
		h.listener.OnAssigned(ev.tps)
	}
}

// Assign consumes partitions directly. Added partitions start at their
// committed offset when a group is configured, otherwise at start_from.
func (h *franzHandle) Assign(partitions []TopicPartition) error {
	if h.group {
		return errors.New("kafka: cannot assign partitions on a subscribed handle")
	}
	want := newPartitionSet(partitions...)
	added := want.minus(h.assigned)
	removed := h.assigned.minus(want)

	starts, err := h.startOffsets(added.slice())
	if err != nil {
		return err
	}
	if h.cl == nil {
		cl, err := kgo.NewClient(append(h.baseOpts(h.name), kgo.ConsumePartitions(starts))...)
		if err != nil {
			return err
		}
		h.cl = cl
	} else {
		if len(removed) > 0 {
			h.cl.RemoveConsumePartitions(toTopicMap(removed.slice()))
		}
		if len(starts) > 0 {
			h.cl.AddConsumePartitions(starts)
		}
	}
	for tp := range removed {
		delete(h.positions, tp)
	}
	h.assigned = want
	return nil
}

func (h *franzHandle) startOffsets(tps []TopicPartition) (map[string]map[int32]kgo.Offset, error) {
	out := make(map[string]map[int32]kgo.Offset)
	var committed kadm.OffsetResponses
	if h.cfg.GroupID != "" && len(tps) > 0 {
		adm, err := h.adminClient()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Consumer.PositionTimeout)
		defer cancel()
		if committed, err = adm.FetchOffsets(ctx, h.cfg.GroupID); err != nil {
			return nil, fmt.Errorf("kafka: fetch committed offsets: %w", err)
		}
	}
	for _, tp := range tps {
		at := h.resetOffset()
		if r, ok := committed.Lookup(tp.Topic, tp.Partition); ok && r.Err == nil && r.At >= 0 {
			at = kgo.NewOffset().At(r.At)
			h.positions[tp] = r.At
		}
		if out[tp.Topic] == nil {
			out[tp.Topic] = make(map[int32]kgo.Offset)
		}
		out[tp.Topic][tp.Partition] = at
	}
	return out, nil
}

func (h *franzHandle) Assignment() []TopicPartition { return h.assigned.slice() }

func (h *franzHandle) Seek(tp TopicPartition, offset int64) error {
	if h.cl == nil || !h.assigned.has(tp) {
		return fmt.Errorf("kafka: seek on unassigned partition %s", tp)
	}
	h.cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: offset}},
	})
	h.positions[tp] = offset
	return nil
}

func (h *franzHandle) Pause(partitions []TopicPartition) {
	if h.cl != nil && len(partitions) > 0 {
		h.cl.PauseFetchPartitions(toTopicMap(partitions))
	}
}

func (h *franzHandle) Resume(partitions []TopicPartition) {
	if h.cl != nil && len(partitions) > 0 {
		h.cl.ResumeFetchPartitions(toTopicMap(partitions))
	}
}

/* ───────────────────────── polling ───────────────────────── */

func (h *franzHandle) Poll(ctx context.Context, timeout time.Duration, max int) ([]Record, error) {
	if h.listener != nil {
		h.replay()
	}
	if h.cl == nil {
		return nil, nil
	}
	if h.group {
		// the next PollRecords return blocks rebalances again
		h.cl.AllowRebalance()
	}
	if max <= 0 {
		return nil, nil
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fetches := h.cl.PollRecords(pctx, max)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		errs = append(errs, fmt.Errorf("fetch %s[%d]: %w", topic, partition, err))
	})

	out := make([]Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		rec := Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		}
		if len(r.Headers) > 0 {
			rec.Headers = make(map[string][]byte, len(r.Headers))
			for _, hd := range r.Headers {
				rec.Headers[hd.Key] = hd.Value
			}
		}
		h.positions[rec.TopicPartition()] = r.Offset + 1
		out = append(out, rec)
	})
	return out, errors.Join(errs...)
}

// Position prefers what this handle consumed or sought, then the group's
// committed offset.
func (h *franzHandle) Position(ctx context.Context, tp TopicPartition) (int64, error) {
	if off, ok := h.positions[tp]; ok {
		return off, nil
	}
	if h.cfg.GroupID == "" {
		return -1, ErrUnknownPosition
	}
	adm, err := h.adminClient()
	if err != nil {
		return -1, err
	}
	resps, err := adm.FetchOffsets(ctx, h.cfg.GroupID)
	if err != nil {
		return -1, err
	}
	r, ok := resps.Lookup(tp.Topic, tp.Partition)
	if !ok || r.Err != nil || r.At < 0 {
		return -1, ErrUnknownPosition
	}
	return r.At, nil
}

/* ───────────────────────── commits ───────────────────────── */

func (h *franzHandle) CommitAsync(offsets Offsets, done func(error)) {
	timeout := h.cfg.Consumer.CommitTimeout
	if h.group {
		cl := h.cl
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			var err error
			cl.CommitOffsetsSync(ctx, toEpochOffsets(offsets),
				func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, cerr error) {
					if cerr != nil {
						err = cerr
						return
					}
					for _, t := range resp.Topics {
						for _, p := range t.Partitions {
							if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
								err = errors.Join(err, fmt.Errorf("commit %s[%d]: %w", t.Topic, p.Partition, perr))
							}
						}
					}
				})
			done(err)
		}()
		return
	}

	// Without a group there is nothing durable to commit to; positions stay
	// local to this handle.
	if h.cfg.GroupID == "" {
		done(nil)
		return
	}
	adm, err := h.adminClient()
	if err != nil {
		done(err)
		return
	}
	var os kadm.Offsets
	for tp, off := range offsets {
		os.Add(kadm.Offset{Topic: tp.Topic, Partition: tp.Partition, At: off, LeaderEpoch: -1})
	}
	group := h.cfg.GroupID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resps, err := adm.CommitOffsets(ctx, group, os)
		if err == nil {
			err = resps.Error()
		}
		done(err)
	}()
}

func (h *franzHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closing) })
	if h.cl != nil {
		h.cl.Close()
	}
	if h.admin != nil {
		h.admin.Close()
	}
	return nil
}

/* ───────────────────────── conversions ───────────────────────── */

func toTopicMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

func fromTopicMap(m map[string][]int32) []TopicPartition {
	var out []TopicPartition
	for t, ps := range m {
		for _, p := range ps {
			out = append(out, TopicPartition{Topic: t, Partition: p})
		}
	}
	sortPartitions(out)
	return out
}

func toEpochOffsets(offsets Offsets) map[string]map[int32]kgo.EpochOffset {
	m := make(map[string]map[int32]kgo.EpochOffset)
	for tp, off := range offsets {
		if m[tp.Topic] == nil {
			m[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		m[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: off}
	}
	return m
}
