package kafka

import (
	"fmt"
	"sort"
	"time"
)

type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string { return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition) }

type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time

	// Decoded holds the deserialized value when the coordinator has a
	// deserializer configured.
	Decoded any
}

func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Committable returns the offset to commit once r is fully processed.
func (r Record) Committable() CommittableOffset {
	return CommittableOffset{TopicPartition: r.TopicPartition(), Offset: r.Offset + 1}
}

// CommittableOffset is the next offset to consume for one partition.
type CommittableOffset struct {
	TopicPartition
	Offset int64
}

// Offsets maps partitions to the next offset to consume.
type Offsets map[TopicPartition]int64

// Merge copies o into dst, keeping the later of two offsets per partition.
func (dst Offsets) Merge(o Offsets) {
	for tp, off := range o {
		if cur, ok := dst[tp]; !ok || off > cur {
			dst[tp] = off
		}
	}
}

func (o Offsets) Partitions() []TopicPartition {
	out := make([]TopicPartition, 0, len(o))
	for tp := range o {
		out = append(out, tp)
	}
	sortPartitions(out)
	return out
}

type partitionSet map[TopicPartition]struct{}

func newPartitionSet(tps ...TopicPartition) partitionSet {
	s := make(partitionSet, len(tps))
	for _, tp := range tps {
		s[tp] = struct{}{}
	}
	return s
}

func (s partitionSet) has(tp TopicPartition) bool {
	_, ok := s[tp]
	return ok
}

func (s partitionSet) add(tps ...TopicPartition) {
	for _, tp := range tps {
		s[tp] = struct{}{}
	}
}

func (s partitionSet) remove(tps ...TopicPartition) {
	for _, tp := range tps {
		delete(s, tp)
	}
}

// intersect returns the members of s also in other.
func (s partitionSet) intersect(other partitionSet) partitionSet {
	out := make(partitionSet)
	for tp := range s {
		if other.has(tp) {
			out[tp] = struct{}{}
		}
	}
	return out
}

// minus returns the members of s not in other.
func (s partitionSet) minus(other partitionSet) partitionSet {
	out := make(partitionSet)
	for tp := range s {
		if !other.has(tp) {
			out[tp] = struct{}{}
		}
	}
	return out
}

func (s partitionSet) slice() []TopicPartition {
	out := make([]TopicPartition, 0, len(s))
	for tp := range s {
		out = append(out, tp)
	}
	sortPartitions(out)
	return out
}

func sortPartitions(tps []TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}
