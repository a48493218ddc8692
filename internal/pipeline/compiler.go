package pipeline

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"kpipe/internal/config"
	"kpipe/internal/logging"
	"kpipe/internal/naming"
	"kpipe/internal/serde"
	"kpipe/internal/spec"
	"kpipe/internal/supervision"
	"kpipe/sink"
	sinkkafka "kpipe/sink/kafka"
	"kpipe/sink/stdout"
	"kpipe/source/kafka"
)

// Compile loads a pipeline file and its connector configs and assembles a
// Runner. Coordinators start here; Run starts the data flow.
func Compile(path string) (*Runner, error) {
	file, paths, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	kc, err := config.LoadKafkaConfig(paths.Source)
	if err != nil {
		return nil, fmt.Errorf("source config: %w", err)
	}
	sc, err := config.LoadSinkConfig(paths.Sink)
	if err != nil {
		return nil, fmt.Errorf("sink config: %w", err)
	}
	return Build(file, kc, sc)
}

// Build assembles a Runner from already loaded configs.
func Build(file spec.File, kc kafka.Config, sc sinkkafka.Config) (*Runner, error) {
	namer := naming.New(file.Name)
	log := logging.L().With(zap.String("pipeline", namer.Prefix()))

	if file.Source.Kind != "" && file.Source.Kind != "kafka" {
		return nil, fmt.Errorf("unsupported source %q", file.Source.Kind)
	}
	stage, producer, err := buildStage(file, sc, namer, log)
	if err != nil {
		return nil, err
	}
	parts := Parts{
		Router:       NewRouter(sc.Topics, sc.DropEmpty),
		Stage:        stage,
		DrainTimeout: sc.FlushTimeout,
	}

	var target kafka.OffsetCommitter
	parts.Sources, parts.Shared, target, err = buildSources(file, kc, namer, log)
	if err != nil {
		return nil, multierr.Append(err, producer.Close())
	}
	parts.Committer = kafka.NewCommitter(target, kc.Commit, kc.Consumer.CommitTimeout, log)
	return NewRunner(parts, log), nil
}

func buildStage(file spec.File, sc sinkkafka.Config, namer *naming.Namer, log *zap.Logger) (*sinkkafka.Stage[kafka.CommittableOffset], sink.Producer, error) {
	p, err := sink.NewProducer(sc.Driver)
	if err != nil {
		return nil, nil, err
	}
	sc.Name = namer.Next("producer")

	var drvCfg any = sc
	if sc.Driver == "stdout" {
		drvCfg = stdout.Config{
			DelayMS:       file.Debug.PerRecordDelayMS,
			PrintCounter:  file.Debug.PrintCounter,
			PrintValue:    file.Debug.PrintValue,
			ValueMaxBytes: file.Debug.ValueMaxBytes,
			BatchSize:     file.Debug.AckBatchSize,
			FlushMS:       file.Debug.AckFlushMS,
		}
	}
	if err := p.Configure(drvCfg); err != nil {
		return nil, nil, fmt.Errorf("sink %s: %w", sc.Driver, err)
	}

	decide, err := supervision.ParseDecider(sc.Decider)
	if err != nil {
		return nil, nil, multierr.Append(err, p.Close())
	}
	opts := []sinkkafka.StageOption{
		sinkkafka.WithStageName(sc.Name),
		sinkkafka.WithStageLogger(log),
		sinkkafka.WithStageDecider(decide),
		sinkkafka.WithFlushTimeout(sc.FlushTimeout),
		sinkkafka.WithCloseProducer(sc.OwnsProducer()),
		sinkkafka.WithParallelism(sc.Parallelism),
	}
	if sc.ValueFormat != "" {
		codec, err := serde.ParseFormat(sc.ValueFormat)
		if err != nil {
			return nil, nil, multierr.Append(err, p.Close())
		}
		opts = append(opts, sinkkafka.WithSerializer(codec))
	}
	return sinkkafka.NewStage[kafka.CommittableOffset](p, opts...), p, nil
}

func buildSources(file spec.File, kc kafka.Config, namer *naming.Namer, log *zap.Logger) ([]*kafka.Source, *kafka.Coordinator, kafka.OffsetCommitter, error) {
	decide, err := supervision.ParseDecider(kc.Decider)
	if err != nil {
		return nil, nil, nil, err
	}
	var copts []kafka.Option
	if kc.ValueFormat != "" {
		codec, err := serde.ParseFormat(kc.ValueFormat)
		if err != nil {
			return nil, nil, nil, err
		}
		copts = append(copts, kafka.WithDeserializer(codec))
	}
	factory := kafka.NewCoordinatorFactory(kc, namer, copts...)
	srcOpts := func() []kafka.SourceOption {
		return []kafka.SourceOption{
			kafka.WithSourceName(namer.Next("source")),
			kafka.WithSourceLogger(log),
			kafka.WithDecider(decide),
		}
	}

	if len(kc.Topics) > 0 {
		src, err := kafka.NewSubscriptionSource(factory, kc.Topics, srcOpts()...)
		if err != nil {
			return nil, nil, nil, err
		}
		return []*kafka.Source{src}, nil, src, nil
	}

	offsets, err := kc.ManualAssignment()
	if err != nil {
		return nil, nil, nil, err
	}
	if !file.Source.Shared {
		src, err := kafka.NewAssignmentSource(factory, offsets, srcOpts()...)
		if err != nil {
			return nil, nil, nil, err
		}
		return []*kafka.Source{src}, nil, src, nil
	}

	for tp, off := range offsets {
		if off >= 0 {
			return nil, nil, nil, fmt.Errorf("partition %s: explicit offsets need an unshared source", tp)
		}
	}
	coord, err := factory(kafka.NopObserver{})
	if err != nil {
		return nil, nil, nil, err
	}
	var sources []*kafka.Source
	for _, tp := range offsets.Partitions() {
		src, err := kafka.NewSharedSource(coord, []kafka.TopicPartition{tp}, srcOpts()...)
		if err != nil {
			for _, s := range sources {
				err = multierr.Append(err, s.Close())
			}
			coord.Stop()
			return nil, nil, nil, fmt.Errorf("shared source %s: %w", tp, err)
		}
		sources = append(sources, src)
	}
	return sources, coord, coord, nil
}
