package kafka

import "time"

// Diagnostics receives run-loop events. Emit is called on the run-loop
// goroutine and must not block.
type Diagnostics interface {
	Emit(Event)
}

// DiagnosticsFunc adapts a function to Diagnostics.
type DiagnosticsFunc func(Event)

func (f DiagnosticsFunc) Emit(e Event) { f(e) }

// MultiDiagnostics forwards every event to each of ds in order.
func MultiDiagnostics(ds ...Diagnostics) Diagnostics {
	return DiagnosticsFunc(func(e Event) {
		for _, d := range ds {
			d.Emit(e)
		}
	})
}

type noDiagnostics struct{}

func (noDiagnostics) Emit(Event) {}

// Event is one of the types below.
type Event interface{ isEvent() }

type PollEvent struct {
	Records    int
	Partitions int
	Took       time.Duration
	Err        error
}

type DeliverEvent struct {
	Partition TopicPartition
	Records   int
}

type BackpressureEvent struct {
	Partition TopicPartition
	Paused    bool
}

type RebalanceEvent struct {
	Assigned []TopicPartition
	Revoked  []TopicPartition
}

type CommitStarted struct {
	Positions map[TopicPartition]int64
	Attempt   int
}

type CommitSucceeded struct {
	Positions map[TopicPartition]int64
	Took      time.Duration
}

type CommitFailed struct {
	Positions map[TopicPartition]int64
	Attempt   int
	Err       error
	Final     bool // retries exhausted, waiters were failed
}

type StateChanged struct {
	State State
}

func (PollEvent) isEvent()         {}
func (DeliverEvent) isEvent()      {}
func (BackpressureEvent) isEvent() {}
func (RebalanceEvent) isEvent()    {}
func (CommitStarted) isEvent()     {}
func (CommitSucceeded) isEvent()   {}
func (CommitFailed) isEvent()      {}
func (StateChanged) isEvent()      {}
