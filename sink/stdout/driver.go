// kpipe/sink/stdout/driver.go
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"kpipe/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	DelayMS       int  `yaml:"delay_ms"`        // artificial per-record delay
	PrintCounter  bool `yaml:"print_counter"`   // prepend seq#
	PrintValue    bool `yaml:"print_value"`     // print the value after the position
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = unlimited
	BatchSize     int  `yaml:"ack_batch_size"`  // 0 = disabled
	FlushMS       int  `yaml:"ack_flush_ms"`    // 0 = disabled

	Out io.Writer `yaml:"-"` // nil → os.Stdout
}

type ack struct {
	d    sink.Delivery
	done sink.DeliveryFunc
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	out io.Writer

	mu      sync.Mutex // guards everything below
	seq     uint64
	offsets map[string]int64
	pending []ack
	timer   *time.Timer // nil → no timer armed
	closed  bool
}

/* ────────── sink.Producer ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	d.cfg = c
	d.out = c.Out
	if d.out == nil {
		d.out = os.Stdout
	}
	d.offsets = make(map[string]int64)
	return nil
}

// Send prints rec and acknowledges it right away when batching is off,
// otherwise on the next flush.
func (d *driver) Send(rec *sink.Record, done sink.DeliveryFunc) {
	if d.cfg.DelayMS > 0 {
		time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		done(sink.Delivery{Record: rec, Partition: -1, Offset: -1, Err: sink.ErrClosed})
		return
	}
	off := d.offsets[rec.Topic]
	d.offsets[rec.Topic] = off + 1
	d.seq++
	d.print(rec, off)
	a := ack{d: sink.Delivery{Record: rec, Partition: 0, Offset: off}, done: done}

	if d.cfg.BatchSize <= 0 && d.cfg.FlushMS <= 0 {
		d.mu.Unlock()
		a.done(a.d)
		return
	}
	d.pending = append(d.pending, a)

	/* 1. flush on batch size */
	if d.cfg.BatchSize > 0 && len(d.pending) >= d.cfg.BatchSize {
		batch := d.takeLocked()
		d.mu.Unlock()
		deliver(batch)
		return
	}

	/* 2. (re)-arm the one-shot timer if needed */
	if d.cfg.FlushMS > 0 && d.timer == nil {
		d.timer = time.AfterFunc(time.Duration(d.cfg.FlushMS)*time.Millisecond, d.timerFlush)
	}
	d.mu.Unlock()
}

// must be called with d.mu *held*
func (d *driver) print(rec *sink.Record, off int64) {
	line := fmt.Sprintf("%s[0]@%d", rec.Topic, off)
	if d.cfg.PrintCounter {
		line = fmt.Sprintf("[sink %06d] %s", d.seq, line)
	}
	if d.cfg.PrintValue {
		v := rec.Value
		if d.cfg.ValueMaxBytes > 0 && len(v) > d.cfg.ValueMaxBytes {
			v = v[:d.cfg.ValueMaxBytes]
		}
		line += " " + string(v)
	}
	_, _ = fmt.Fprintln(d.out, line)
}

func (d *driver) Flush(context.Context) error {
	d.mu.Lock()
	batch := d.takeLocked()
	d.mu.Unlock()
	deliver(batch)
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	d.closed = true
	batch := d.takeLocked()
	d.mu.Unlock()
	deliver(batch)
	return nil
}

/* ────────── internals ────────── */

// called by the background timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	batch := d.takeLocked()
	d.mu.Unlock()
	deliver(batch)
}

// must be called with d.mu *held*
func (d *driver) takeLocked() []ack {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil // re-arm on next Send if needed
	}
	batch := d.pending
	d.pending = nil
	return batch
}

func deliver(batch []ack) {
	for _, a := range batch {
		a.done(a.d)
	}
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Producer { return &driver{} })
}
