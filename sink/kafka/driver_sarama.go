package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/sink"
)

var saramaLogOnce sync.Once

type saramaSend struct {
	rec  *sink.Record
	done sink.DeliveryFunc
}

type saramaDriver struct {
	cfg  Config
	p    sarama.AsyncProducer
	out  outstanding
	wg   sync.WaitGroup
	once sync.Once
}

func (d *saramaDriver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	d.cfg = cfg
	saramaLogOnce.Do(func() { sarama.Logger = zap.NewStdLog(logging.L().Named("sarama")) })

	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks())
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Compression = saramaCompression(cfg.Compression)
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}

	if d.p, err = sarama.NewAsyncProducer(cfg.Brokers, sc); err != nil {
		return err
	}
	d.wg.Add(2)
	go d.successes()
	go d.failures()
	return nil
}

func saramaCompression(name string) sarama.CompressionCodec {
	switch name {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}

func (d *saramaDriver) Send(rec *sink.Record, done sink.DeliveryFunc) {
	msg := &sarama.ProducerMessage{
		Topic:    rec.Topic,
		Metadata: saramaSend{rec: rec, done: done},
	}
	if rec.Key != nil {
		msg.Key = sarama.ByteEncoder(rec.Key)
	}
	if rec.Value != nil {
		msg.Value = sarama.ByteEncoder(rec.Value)
	}
	for k, v := range rec.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: v})
	}
	d.out.add()
	d.p.Input() <- msg
}

func (d *saramaDriver) successes() {
	defer d.wg.Done()
	for msg := range d.p.Successes() {
		d.report(msg, nil)
	}
}

func (d *saramaDriver) failures() {
	defer d.wg.Done()
	for perr := range d.p.Errors() {
		d.report(perr.Msg, perr.Err)
	}
}

func (d *saramaDriver) report(msg *sarama.ProducerMessage, err error) {
	s, ok := msg.Metadata.(saramaSend)
	if !ok {
		return
	}
	s.done(sink.Delivery{Record: s.rec, Partition: msg.Partition, Offset: msg.Offset, Err: err})
	d.out.done()
}

func (d *saramaDriver) Flush(ctx context.Context) error { return d.out.wait(ctx) }

// Close drains both report channels, so every send is reported before it
// returns.
func (d *saramaDriver) Close() error {
	d.once.Do(func() {
		if d.p != nil {
			d.p.AsyncClose()
			d.wg.Wait()
		}
	})
	return nil
}

func init() { sink.Register("sarama", func() sink.Producer { return &saramaDriver{} }) }
