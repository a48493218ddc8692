package pipeline

import (
	"kpipe/sink"
	sinkkafka "kpipe/sink/kafka"
	"kpipe/source/kafka"
)

// Envelope carries a consumed record's committable offset through the
// producer stage.
type Envelope = sinkkafka.Envelope[kafka.CommittableOffset]

type Result = sinkkafka.Result[kafka.CommittableOffset]

/*──────── frame routing ───────*/

// Router turns consumed records into envelopes: Single for one output
// topic, Multi for several, PassThrough for empty values when dropEmpty.
// Without output topics a record goes back out under its own topic.
type Router struct {
	topics    []string
	dropEmpty bool
}

func NewRouter(topics []string, dropEmpty bool) *Router {
	return &Router{topics: append([]string(nil), topics...), dropEmpty: dropEmpty}
}

func (r *Router) Route(rec kafka.Record) Envelope {
	pass := rec.Committable()
	if r.dropEmpty && len(rec.Value) == 0 {
		return sinkkafka.PassThrough[kafka.CommittableOffset]{Pass: pass}
	}
	switch len(r.topics) {
	case 0:
		return sinkkafka.Single[kafka.CommittableOffset]{Record: outbound(rec, rec.Topic), Pass: pass}
	case 1:
		return sinkkafka.Single[kafka.CommittableOffset]{Record: outbound(rec, r.topics[0]), Pass: pass}
	}
	out := make([]sink.Record, len(r.topics))
	for i, t := range r.topics {
		out[i] = outbound(rec, t)
	}
	return sinkkafka.Multi[kafka.CommittableOffset]{Records: out, Pass: pass}
}

// outbound copies rec for topic. A decoded value becomes the payload so a
// configured serializer re-encodes it.
func outbound(rec kafka.Record, topic string) sink.Record {
	return sink.Record{
		Topic:   topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: rec.Headers,
		Payload: rec.Decoded,
	}
}
