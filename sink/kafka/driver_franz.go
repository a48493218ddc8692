package kafka

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kzap"

	"kpipe/internal/logging"
	"kpipe/internal/telemetry"
	"kpipe/sink"
)

type franzDriver struct {
	cl *kgo.Client
}

func (d *franzDriver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ClientID + "-producer"
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.WithLogger(kzap.New(logging.L().Named(name))),
		kgo.WithHooks(telemetry.ClientHooks(name)),
		kgo.ProducerBatchCompression(franzCompression(cfg.Compression)),
	}
	switch cfg.Acks() {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if cfg.TLSEn {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if cfg.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.SASLUser, Pass: cfg.SASLPass}.AsMechanism()))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return err
	}
	d.cl = cl
	return nil
}

func franzCompression(name string) kgo.CompressionCodec {
	switch name {
	case "gzip":
		return kgo.GzipCompression()
	case "snappy":
		return kgo.SnappyCompression()
	case "lz4":
		return kgo.Lz4Compression()
	case "zstd":
		return kgo.ZstdCompression()
	default:
		return kgo.NoCompression()
	}
}

func (d *franzDriver) Send(rec *sink.Record, done sink.DeliveryFunc) {
	kr := &kgo.Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value}
	for k, v := range rec.Headers {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: v})
	}
	d.cl.Produce(context.Background(), kr, func(r *kgo.Record, err error) {
		done(sink.Delivery{Record: rec, Partition: r.Partition, Offset: r.Offset, Err: err})
	})
}

func (d *franzDriver) Flush(ctx context.Context) error { return d.cl.Flush(ctx) }

func (d *franzDriver) Close() error {
	if d.cl != nil {
		d.cl.Close()
	}
	return nil
}

func init() { sink.Register("franz", func() sink.Producer { return &franzDriver{} }) }
