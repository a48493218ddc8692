// Package sink holds the broker producer handle contract and its driver
// registry.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrClosed reports a Send on a closed producer.
var ErrClosed = errors.New("sink: producer closed")

// Record is one outbound message. Payload, when set and the stage has a
// serializer, is encoded into Value before the send.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string][]byte
	Payload any
}

// Delivery is the broker's report for one Send.
type Delivery struct {
	Record    *Record
	Partition int32
	Offset    int64
	Err       error
}

// DeliveryFunc receives exactly one Delivery per Send, from any goroutine.
type DeliveryFunc func(Delivery)

// Producer is the common behaviour every producer driver exposes. Only the
// owning stage calls Send, Flush and Close.
type Producer interface {
	Configure(any) error // driver-specific config struct
	// Send submits rec without waiting for the broker.
	Send(rec *Record, done DeliveryFunc)
	// Flush returns once every submitted record was reported or ctx ended.
	Flush(ctx context.Context) error
	Close() error
}

/*──────── registry ───────*/

type Factory = func() Producer

var (
	mu  sync.RWMutex
	reg = map[string]Factory{}
)

func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	reg[name] = f
}

func NewProducer(name string) (Producer, error) {
	mu.RLock()
	f, ok := reg[name]
	mu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink driver %q", name)
}

func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
