package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kpipe/internal/pipeline"
	"kpipe/internal/transport"
)

// HealthService is the name the pipeline reports under on the health
// endpoint.
const HealthService = "kpipe.pipeline"

const shutdownTimeout = 5 * time.Second

type Engine struct {
	transport *transport.Server
	runner    *pipeline.Runner
	metrics   *http.Server
	log       *zap.Logger
}

// Addr is the control endpoint's listen address.
func (e *Engine) Addr() net.Addr { return e.transport.Addr() }

// Run serves until ctx ends or the pipeline stops on its own. The health
// endpoint reports SERVING only while the pipeline runs.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(e.transport.Serve)

	if e.runner != nil {
		e.transport.SetServing(HealthService, true)
		g.Go(func() error {
			defer e.transport.SetServing(HealthService, false)
			if err := e.runner.Run(gctx); err != nil {
				return err
			}
			// a pipeline that ends without error still ends the engine
			return errPipelineDone
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return e.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, errPipelineDone) || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		err = nil
	}
	return err
}

var errPipelineDone = errors.New("engine: pipeline finished")

func (e *Engine) shutdown() error {
	e.log.Info("engine shutting down")
	e.transport.Stop()
	var err error
	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, e.metrics.Shutdown(ctx))
	}
	return err
}
