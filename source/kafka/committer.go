package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/internal/supervision"
)

// OffsetCommitter is where batched offsets end up; Source and Coordinator
// both satisfy it.
type OffsetCommitter interface {
	Commit(ctx context.Context, offsets Offsets) error
}

/* ───────────────────────── Committer ───────────────────────── */

// Committer decides *when* processed offsets are flushed: after MaxBatch
// offsets or MaxInterval, whichever comes first, and once more when its
// input closes.
type Committer struct {
	target      OffsetCommitter
	maxBatch    int
	maxInterval time.Duration
	timeout     time.Duration
	log         *zap.Logger

	pending Offsets
	count   int
}

func NewCommitter(target OffsetCommitter, cfg CommitCfg, timeout time.Duration, log *zap.Logger) *Committer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1000
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Committer{
		target:      target,
		maxBatch:    cfg.MaxBatch,
		maxInterval: cfg.MaxInterval,
		timeout:     timeout,
		log:         logging.Or(log),
		pending:     make(Offsets),
	}
}

// Run returns once in is closed and the last batch was flushed. ctx only
// scopes the commit calls, and is detached from cancellation so a draining
// pipeline still commits what it finished.
func (c *Committer) Run(ctx context.Context, in <-chan CommittableOffset) error {
	ctx = context.WithoutCancel(ctx)
	ticker := time.NewTicker(c.maxInterval)
	defer ticker.Stop()

	for {
		select {
		case off, ok := <-in:
			if !ok {
				return c.flush(ctx)
			}
			c.pending.Merge(Offsets{off.TopicPartition: off.Offset})
			c.count++
			if c.count >= c.maxBatch {
				if err := c.flush(ctx); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// flush keeps the batch on retriable failures so the next flush includes it.
func (c *Committer) flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	batch := c.pending
	if err := c.target.Commit(ctx, batch); err != nil {
		kind := supervision.Classify(err)
		c.log.Warn("offset commit failed",
			zap.Stringer("class", kind),
			zap.Int("partitions", len(batch)),
			zap.Error(err))
		if kind == supervision.Retriable {
			return nil
		}
		return err
	}
	c.log.Debug("offsets committed", zap.Int("partitions", len(batch)), zap.Int("records", c.count))
	c.pending, c.count = make(Offsets), 0
	return nil
}
