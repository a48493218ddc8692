package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"kpipe/internal/engine"
	"kpipe/internal/logging"

	_ "kpipe/sink/kafka"  // sarama, franz, kafka-go producers
	_ "kpipe/sink/stdout" // debug producer
)

func main() {
	cfg := engine.Config{}
	flag.IntVar(&cfg.GRPCPort, "grpc-port", 7070, "health endpoint port")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", 9100, "prometheus port (0 disables)")
	flag.StringVar(&cfg.PipelineYml, "pipeline", "pipeline.yml", "pipeline file; empty runs the endpoints only")
	flag.Parse()

	logging.InitFromEnv()
	log := logging.L()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(cfg)
	if err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		os.Exit(1)
	}
	if err := e.Run(ctx); err != nil {
		log.Error("engine failed", zap.Error(err))
		os.Exit(1)
	}
}
