package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kpipe/internal/logging"
	sinkkafka "kpipe/sink/kafka"
	"kpipe/source/kafka"
)

// Parts are the assembled stages of one pipeline.
type Parts struct {
	Sources []*kafka.Source
	// Shared is the coordinator Sources share, if any; the runner owns it.
	Shared    *kafka.Coordinator
	Router    *Router
	Stage     *sinkkafka.Stage[kafka.CommittableOffset]
	Committer *kafka.Committer
	// DrainTimeout bounds how long the producer stage may keep draining
	// after the pipeline was cancelled.
	DrainTimeout time.Duration
}

// Runner wires source -> router -> producer stage -> committer.
type Runner struct {
	p   Parts
	log *zap.Logger
}

func NewRunner(p Parts, log *zap.Logger) *Runner {
	if p.DrainTimeout <= 0 {
		p.DrainTimeout = 10 * time.Second
	}
	return &Runner{p: p, log: logging.Or(log)}
}

// Run blocks until ctx ends or a stage fails. On cancel, records already
// routed are still produced and their offsets committed before the sources
// are closed; a clean shutdown returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.p.Sources) == 0 {
		return errors.New("runner: no source configured")
	}
	envelopes := make(chan Envelope)
	results := make(chan Result)
	offsets := make(chan kafka.CommittableOffset)

	g, gctx := errgroup.WithContext(ctx)

	// one failing source stops its siblings
	sources, sctx := errgroup.WithContext(gctx)
	for _, src := range r.p.Sources {
		sources.Go(func() error {
			err := src.Run(sctx, func(rec kafka.Record) error {
				select {
				case envelopes <- r.p.Router.Route(rec):
					return nil
				case <-sctx.Done():
					return sctx.Err()
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		defer close(envelopes)
		return sources.Wait()
	})

	stageCtx, cancelStage := context.WithCancel(context.WithoutCancel(gctx))
	defer cancelStage()
	stopDrain := context.AfterFunc(gctx, func() {
		time.AfterFunc(r.p.DrainTimeout, cancelStage)
	})
	defer stopDrain()
	g.Go(func() error {
		return r.p.Stage.Run(stageCtx, envelopes, results)
	})

	// results are always drained so the stage can finish, even once the
	// committer gave up.
	committerDone := make(chan struct{})
	g.Go(func() error {
		defer close(offsets)
		for res := range results {
			select {
			case offsets <- res.Pass:
			case <-committerDone:
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(committerDone)
		return r.p.Committer.Run(gctx, offsets)
	})

	r.log.Info("pipeline running", zap.Int("sources", len(r.p.Sources)), zap.String("stage", r.p.Stage.Name()))
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if cerr := r.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if err != nil {
		r.log.Error("pipeline failed", zap.Error(err))
	} else {
		r.log.Info("pipeline stopped")
	}
	return err
}

// Close releases the sources and stops a shared coordinator. It is safe to
// call more than once.
func (r *Runner) Close() error {
	var err error
	for _, src := range r.p.Sources {
		err = multierr.Append(err, src.Close())
	}
	if c := r.p.Shared; c != nil {
		c.Stop()
		t := time.NewTimer(c.Settings().StopTimeout)
		defer t.Stop()
		select {
		case <-c.Done():
		case <-t.C:
			r.log.Warn("shared coordinator did not stop in time; giving up", zap.String("coordinator", c.Name()))
		}
	}
	return err
}
