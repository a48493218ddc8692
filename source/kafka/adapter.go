package kafka

import "context"

type EmitFunc func(Record) error

// Stage is what the pipeline runner drives: a pull loop feeding emit, a
// commit path back to the broker, and a bounded shutdown.
type Stage interface {
	Run(context.Context, EmitFunc) error
	Commit(context.Context, Offsets) error
	Close() error
}

var _ Stage = (*Source)(nil)
