package kafka

import (
	"sync"
	"time"
)

// command is a request for the run-loop. Commands are applied strictly in
// the order they were queued.
type command interface{ isCommand() }

type newOffsets struct {
	offsets []Offset
	reply   chan<- error
}

type requestAssignment struct {
	partitions []TopicPartition
	reply      chan<- error
}

type requestRevocation struct {
	partitions []TopicPartition
	reply      chan<- error
}

type shutdown struct{}

// commitCompleted is queued by the goroutine waiting on a CommitAsync result.
// seq identifies the send; results of superseded sends are ignored.
type commitCompleted struct {
	seq     uint64
	attempt int
	err     error
	took    time.Duration
}

func (newOffsets) isCommand()        {}
func (requestAssignment) isCommand() {}
func (requestRevocation) isCommand() {}
func (shutdown) isCommand()          {}
func (commitCompleted) isCommand()   {}

// commandQueue is an unbounded multi-producer, single-consumer FIFO.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	closed bool
	ready  chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{ready: make(chan struct{}, 1)}
}

// send appends cmd. It fails with ErrStopped once the queue is closed.
func (q *commandQueue) send(cmd command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// drain returns everything queued so far without blocking.
func (q *commandQueue) drain() []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// wait is signalled after at least one send since the last drain.
func (q *commandQueue) wait() <-chan struct{} { return q.ready }

// close rejects further sends and returns whatever was still queued.
func (q *commandQueue) close() []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.items
	q.items = nil
	return out
}
