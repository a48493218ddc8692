package kafka

import (
	"sync/atomic"
	"time"
)

// message is the closed set of commands a Coordinator's mailbox accepts.
type message interface{ isMessage() }

type (
	registerMsg struct{ requester *Requester }

	unregisterMsg struct{ requester *Requester }

	assignMsg struct {
		requester  *Requester
		partitions []TopicPartition
		reply      chan error
	}

	assignOffsetsMsg struct {
		requester *Requester
		offsets   Offsets
		reply     chan error
	}

	subscribeMsg struct {
		topics []string
		reply  chan error
	}

	requestMessagesMsg struct {
		requester  *Requester
		partitions []TopicPartition
		requestID  uint64
	}

	commitMsg struct {
		offsets Offsets
		reply   chan error
	}

	// committedMsg carries the broker's answer back onto the loop.
	committedMsg struct {
		offsets Offsets
		waiters []chan error
		started time.Time
		kind    string
		err     error
	}

	stopMsg struct{}

	// pollMsg is the one-shot "poll soon" trigger.
	pollMsg struct{}
)

func (registerMsg) isMessage()        {}
func (unregisterMsg) isMessage()      {}
func (assignMsg) isMessage()          {}
func (assignOffsetsMsg) isMessage()   {}
func (subscribeMsg) isMessage()       {}
func (requestMessagesMsg) isMessage() {}
func (commitMsg) isMessage()          {}
func (committedMsg) isMessage()       {}
func (stopMsg) isMessage()            {}
func (pollMsg) isMessage()            {}

// Reply is what a Requester receives: Messages or Failure.
type Reply interface{ isReply() }

// Messages answers one RequestMessages call. Records is empty when the
// coordinator released the request without data (stop, eviction).
type Messages struct {
	RequestID uint64
	Records   []Record
}

// Failure means the coordinator stopped on Err. No further replies follow.
// With ErrEvicted only the requester is finished; its coordinator runs on.
type Failure struct{ Err error }

func (Messages) isReply() {}
func (Failure) isReply()  {}

const replyBuffer = 8

// Requester identifies one downstream demander registered with a
// Coordinator.
type Requester struct {
	id      uint64
	name    string
	replies chan Reply
	gone    atomic.Bool
	evicted atomic.Bool
}

func (r *Requester) Name() string { return r.name }

func (r *Requester) Replies() <-chan Reply { return r.replies }
