// Package naming hands out unique worker names scoped to one pipeline
// runtime, so nothing process-global leaks between runtimes or tests.
package naming

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

type Namer struct {
	prefix string
	seq    atomic.Uint64
}

// New returns a Namer whose names start with prefix. An empty prefix is
// replaced by a short random one.
func New(prefix string) *Namer {
	if prefix == "" {
		prefix = uuid.NewString()[:8]
	}
	return &Namer{prefix: prefix}
}

func (n *Namer) Prefix() string { return n.prefix }

// Next returns "<prefix>-<kind>-<n>" with n counting from 1 across all kinds.
func (n *Namer) Next(kind string) string {
	return fmt.Sprintf("%s-%s-%d", n.prefix, kind, n.seq.Add(1))
}
