// Package supervision classifies broker and local errors and carries the
// pluggable decider stages consult before recovering from one.
package supervision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type Kind int

const (
	// Retriable errors are transient; the operation continues unchanged.
	Retriable Kind = iota
	// NonRetriable errors are fatal to the affected pipeline branch.
	NonRetriable
	// Serialization errors come from encoding or decoding a single record.
	Serialization
)

func (k Kind) String() string {
	switch k {
	case Retriable:
		return "retriable"
	case NonRetriable:
		return "non-retriable"
	case Serialization:
		return "serialization"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SerializationError reports a record that could not be encoded or decoded.
type SerializationError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization %s[%d]@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

var retriableSarama = map[sarama.KError]bool{
	sarama.ErrUnknownTopicOrPartition:         true,
	sarama.ErrLeaderNotAvailable:              true,
	sarama.ErrNotLeaderForPartition:           true,
	sarama.ErrRequestTimedOut:                 true,
	sarama.ErrNetworkException:                true,
	sarama.ErrOffsetsLoadInProgress:           true,
	sarama.ErrConsumerCoordinatorNotAvailable: true,
	sarama.ErrNotCoordinatorForConsumer:       true,
	sarama.ErrNotEnoughReplicas:               true,
	sarama.ErrNotEnoughReplicasAfterAppend:    true,
	sarama.ErrRebalanceInProgress:             true,
	sarama.ErrKafkaStorageError:               true,
}

// Classify is a pure function mapping err to its Kind. Unknown errors are
// non-retriable.
func Classify(err error) Kind {
	if err == nil {
		return Retriable
	}

	var serr *SerializationError
	if errors.As(err, &serr) {
		return Serialization
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, kgo.ErrClientClosed), errors.Is(err, sarama.ErrClosedClient):
		return NonRetriable
	case errors.Is(err, context.DeadlineExceeded):
		return Retriable
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return Retriable
	case errors.Is(err, sarama.ErrOutOfBrokers), errors.Is(err, sarama.ErrNotConnected):
		return Retriable
	}

	var ke *kerr.Error
	if errors.As(err, &ke) {
		if kerr.IsRetriable(err) {
			return Retriable
		}
		return NonRetriable
	}

	var se sarama.KError
	if errors.As(err, &se) {
		if retriableSarama[se] {
			return Retriable
		}
		return NonRetriable
	}

	// segmentio/kafka-go errors and net errors expose Temporary/Timeout.
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return Retriable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retriable
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Retriable
	}
	return NonRetriable
}

type Decision int

const (
	// Stop propagates the failure and terminates the stage.
	Stop Decision = iota
	// Resume drops the failed element and continues.
	Resume
	// Restart behaves like Resume; stages have no partial per-record retry.
	Restart
)

func (d Decision) String() string {
	switch d {
	case Stop:
		return "stop"
	case Resume:
		return "resume"
	case Restart:
		return "restart"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decider picks how a stage reacts to err.
type Decider func(err error) Decision

func StoppingDecider(error) Decision { return Stop }

func ResumingDecider(error) Decision { return Resume }

func RestartingDecider(error) Decision { return Restart }

// ParseDecider maps a config value to a Decider; "" selects StoppingDecider.
func ParseDecider(name string) (Decider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stop":
		return StoppingDecider, nil
	case "resume":
		return ResumingDecider, nil
	case "restart":
		return RestartingDecider, nil
	default:
		return nil, fmt.Errorf("supervision: unknown decider %q", name)
	}
}
