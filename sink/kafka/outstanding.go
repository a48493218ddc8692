package kafka

import (
	"context"
	"sync"
)

// outstanding counts driver-side sends awaiting a report so Flush can wait
// for zero on clients without a native flush.
type outstanding struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

func (o *outstanding) add() {
	o.mu.Lock()
	o.n++
	o.mu.Unlock()
}

func (o *outstanding) done() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n > 0 {
		o.n--
	}
	if o.n == 0 {
		for _, w := range o.waiters {
			close(w)
		}
		o.waiters = nil
	}
}

func (o *outstanding) wait(ctx context.Context) error {
	o.mu.Lock()
	if o.n == 0 {
		o.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	o.waiters = append(o.waiters, w)
	o.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
