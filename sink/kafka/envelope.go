package kafka

import "kpipe/sink"

// Envelope is one unit of work for a Stage: a Single, Multi or PassThrough.
// P is the pass-through context carried to the Result untouched.
type Envelope[P any] interface {
	passThrough() P
	records() []sink.Record
}

// Single is one broker send.
type Single[P any] struct {
	Record sink.Record
	Pass   P
}

// Multi is len(Records) sends resolved as one Result.
type Multi[P any] struct {
	Records []sink.Record
	Pass    P
}

// PassThrough never reaches the broker; its Result is ready immediately.
type PassThrough[P any] struct {
	Pass P
}

func (e Single[P]) passThrough() P         { return e.Pass }
func (e Single[P]) records() []sink.Record { return []sink.Record{e.Record} }

func (e Multi[P]) passThrough() P         { return e.Pass }
func (e Multi[P]) records() []sink.Record { return e.Records }

func (e PassThrough[P]) passThrough() P       { return e.Pass }
func (PassThrough[P]) records() []sink.Record { return nil }

type Kind int

const (
	KindSingle Kind = iota
	KindMulti
	KindPassThrough
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindMulti:
		return "multi"
	default:
		return "passthrough"
	}
}

func kindOf[P any](env Envelope[P]) Kind {
	switch env.(type) {
	case Single[P], *Single[P]:
		return KindSingle
	case Multi[P], *Multi[P]:
		return KindMulti
	default:
		return KindPassThrough
	}
}

// Result is the outcome of one Envelope, emitted in envelope order.
type Result[P any] struct {
	Kind Kind
	Pass P
	// Deliveries holds one report per record, in envelope order. It is empty
	// for PassThrough.
	Deliveries []sink.Delivery
	// Err joins the errors of every failed delivery.
	Err error
}

func (r Result[P]) Failed() bool { return r.Err != nil }
