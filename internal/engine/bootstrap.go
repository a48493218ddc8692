package engine

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/internal/pipeline"
	"kpipe/internal/telemetry"
	"kpipe/internal/transport"
)

// Config is the process-level wiring; everything pipeline specific lives in
// the file PipelineYml names.
type Config struct {
	GRPCPort    int
	MetricsPort int // 0 disables /metrics
	PipelineYml string
}

// Bootstrap starts the control endpoint and compiles the pipeline. Nothing
// is consumed until Run.
func Bootstrap(cfg Config) (*Engine, error) {
	log := logging.L().Named("engine")

	// 1. transport server
	srv, err := transport.StartServer(cfg.GRPCPort, log)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 2. pipeline runner
	var runner *pipeline.Runner
	if cfg.PipelineYml != "" {
		runner, err = pipeline.Compile(cfg.PipelineYml)
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}

	// 3. metrics
	var metrics *http.Server
	if m := telemetry.Expose(cfg.MetricsPort); m != nil {
		metrics = m
		log.Info("metrics exposed", zap.Int("port", cfg.MetricsPort))
	}

	return &Engine{
		transport: srv,
		runner:    runner,
		metrics:   metrics,
		log:       log,
	}, nil
}
