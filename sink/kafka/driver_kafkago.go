package kafka

import (
	"context"
	"crypto/tls"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/sink"
)

type kafkaGoSend struct {
	rec  *sink.Record
	done sink.DeliveryFunc
}

// kafkaGoDriver uses an async Writer; reports come back per batch through
// Completion and are matched to their send via WriterData.
type kafkaGoDriver struct {
	w   *kafkago.Writer
	out outstanding
}

func (d *kafkaGoDriver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	log := logging.L().Named("kafka-go")
	tr := &kafkago.Transport{ClientID: cfg.ClientID}
	if cfg.TLSEn {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.SASLUser != "" {
		tr.SASL = plain.Mechanism{Username: cfg.SASLUser, Password: cfg.SASLPass}
	}
	d.w = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequiredAcks(cfg.Acks()),
		Compression:  kafkaGoCompression(cfg.Compression),
		Async:        true,
		Transport:    tr,
		Completion:   d.completion,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	return nil
}

func kafkaGoCompression(name string) kafkago.Compression {
	switch name {
	case "gzip":
		return kafkago.Gzip
	case "snappy":
		return kafkago.Snappy
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return 0
	}
}

func (d *kafkaGoDriver) Send(rec *sink.Record, done sink.DeliveryFunc) {
	msg := kafkago.Message{
		Topic:      rec.Topic,
		Key:        rec.Key,
		Value:      rec.Value,
		WriterData: kafkaGoSend{rec: rec, done: done},
	}
	for k, v := range rec.Headers {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: v})
	}
	d.out.add()
	// Async writes only fail synchronously when the writer is closed or the
	// message is invalid; Completion never sees those.
	if err := d.w.WriteMessages(context.Background(), msg); err != nil {
		done(sink.Delivery{Record: rec, Partition: -1, Offset: -1, Err: err})
		d.out.done()
	}
}

func (d *kafkaGoDriver) completion(msgs []kafkago.Message, err error) {
	for _, m := range msgs {
		s, ok := m.WriterData.(kafkaGoSend)
		if !ok {
			continue
		}
		s.done(sink.Delivery{Record: s.rec, Partition: int32(m.Partition), Offset: m.Offset, Err: err})
		d.out.done()
	}
	if err != nil {
		logging.L().Debug("kafka-go batch failed", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

func (d *kafkaGoDriver) Flush(ctx context.Context) error { return d.out.wait(ctx) }

func (d *kafkaGoDriver) Close() error {
	if d.w == nil {
		return nil
	}
	return d.w.Close()
}

func init() { sink.Register("kafka-go", func() sink.Producer { return &kafkaGoDriver{} }) }
