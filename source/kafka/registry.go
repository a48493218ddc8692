package kafka

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"kpipe/internal/logging"
	"kpipe/internal/naming"
)

// Factory builds a ConsumerHandle for one coordinator. name is unique per
// runtime and labels the client's logs and metrics.
type Factory func(cfg Config, name string, log *zap.Logger) (ConsumerHandle, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register is called from each driver's init().
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

// Drivers lists the registered driver names.
func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NewHandle returns a handle from cfg.Driver ("franz", ...).
func NewHandle(cfg Config, name string, log *zap.Logger) (ConsumerHandle, error) {
	regMu.RLock()
	f, ok := registry[cfg.Driver]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kafka: unsupported driver %q", cfg.Driver)
	}
	return f(cfg, name, logging.Or(log))
}

// NewCoordinatorFactory builds private coordinators from cfg, one fresh
// handle each. Every coordinator gets its own name from namer so restarted
// coordinators never collide on metric labels.
func NewCoordinatorFactory(cfg Config, namer *naming.Namer, opts ...Option) CoordinatorFactory {
	opts = append([]Option(nil), opts...)
	return func(observer PartitionObserver) (*Coordinator, error) {
		name := namer.Next("coordinator")
		log := logging.L().With(zap.String("coordinator", name))
		h, err := NewHandle(cfg, name, log)
		if err != nil {
			return nil, err
		}
		all := append([]Option{WithName(name), WithLogger(log)}, opts...)
		all = append(all, WithObserver(observer))
		return NewCoordinator(h, cfg.Consumer, all...), nil
	}
}
