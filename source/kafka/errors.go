package kafka

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the consumer.
type Kind int

const (
	// KindPoll: broker poll failed beyond the retry budget. Fatal to the run-loop.
	KindPoll Kind = iota + 1
	// KindCommit: a commit batch failed after its retries. The run-loop continues.
	KindCommit
	// KindAssignmentSeed: the starting position of a newly assigned partition
	// could not be established. Only that partition is affected.
	KindAssignmentSeed
	// KindAlreadyRegistered: a partition was registered twice. Bookkeeping bug, fatal.
	KindAlreadyRegistered
	// KindDeserialization: a record payload could not be decoded.
	KindDeserialization
)

func (k Kind) String() string {
	switch k {
	case KindPoll:
		return "poll"
	case KindCommit:
		return "commit"
	case KindAssignmentSeed:
		return "assignment-seed"
	case KindAlreadyRegistered:
		return "already-registered"
	case KindDeserialization:
		return "deserialization"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries the failure kind and, when the failure is local to one
// partition, that partition.
type Error struct {
	Kind      Kind
	Partition *TopicPartition
	Err       error
}

func (e *Error) Error() string {
	if e.Partition != nil {
		return fmt.Sprintf("kafka: %s failure on %s: %v", e.Kind, e.Partition, e.Err)
	}
	return fmt.Sprintf("kafka: %s failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, tp *TopicPartition, err error) *Error {
	if tp != nil {
		cp := *tp
		tp = &cp
	}
	return &Error{Kind: k, Partition: tp, Err: err}
}

// IsKind reports whether err wraps an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

var (
	ErrStopped           = errors.New("kafka: consumer stopped")
	ErrStaleOffset       = errors.New("kafka: offset belongs to a revoked assignment")
	ErrNotManual         = errors.New("kafka: assignment requests need a manual subscription")
	ErrAlreadyRegistered = errors.New("kafka: partition already registered")
	ErrUnknownPartition  = errors.New("kafka: partition not assigned")
)
