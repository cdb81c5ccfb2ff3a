// Package kafkatest provides a scripted in-memory kafka.Broker.
package kafkatest

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"partstream/source/kafka"
)

// Step is one scripted Poll. Revocations fire before assignments, both
// synchronously inside Poll, then the step's records are fetched.
type Step struct {
	Revoke  []kafka.TopicPartition
	Assign  []kafka.TopicPartition
	Records []kafka.Record
	Err     error
}

// Broker replays Steps. Records of paused partitions are held back until
// the partition is resumed. Safe for use from the test goroutine while a
// consumer runs.
type Broker struct {
	mu       sync.Mutex
	steps    []Step
	listener kafka.RebalanceListener
	sub      kafka.Subscription
	manual   []kafka.TopicPartition

	held    map[kafka.TopicPartition][]kafka.Record
	paused  map[kafka.TopicPartition]bool
	pauses  []kafka.TopicPartition
	resumes []kafka.TopicPartition
	seeks   []map[kafka.TopicPartition]int64

	commitErrs []error
	commits    []map[kafka.TopicPartition]int64
	committed  map[kafka.TopicPartition]int64
	polls      int
	closed     bool
}

func New(steps ...Step) *Broker {
	return &Broker{
		steps:     steps,
		held:      make(map[kafka.TopicPartition][]kafka.Record),
		paused:    make(map[kafka.TopicPartition]bool),
		committed: make(map[kafka.TopicPartition]int64),
	}
}

// Push appends steps to the script.
func (b *Broker) Push(steps ...Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, steps...)
}

// FailCommits makes the next len(errs) commits return errs in order. A nil
// entry is a success.
func (b *Broker) FailCommits(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitErrs = append(b.commitErrs, errs...)
}

func (b *Broker) Subscribe(sub kafka.Subscription, l kafka.RebalanceListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	b.sub, b.listener = sub, l
	return nil
}

func (b *Broker) AssignManually(tps []kafka.TopicPartition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	b.manual = append([]kafka.TopicPartition(nil), tps...)
	return nil
}

var errClosed = errors.New("kafkatest: broker closed")

func (b *Broker) Poll(ctx context.Context, timeout time.Duration) (map[kafka.TopicPartition][]kafka.Record, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed
	}
	b.polls++
	if len(b.steps) == 0 {
		b.mu.Unlock()
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return b.fetch(), nil
	}
	st := b.steps[0]
	b.steps = b.steps[1:]
	l := b.listener
	b.mu.Unlock()

	if st.Err != nil {
		return nil, st.Err
	}
	// Callbacks run without the lock: the listener calls back into Seek,
	// Pause and CommitAsync.
	if l != nil && len(st.Revoke) > 0 {
		l.OnPartitionsRevoked(st.Revoke)
	}
	if l != nil && len(st.Assign) > 0 {
		l.OnPartitionsAssigned(st.Assign)
	}
	b.mu.Lock()
	for _, tp := range st.Revoke {
		delete(b.held, tp)
		delete(b.paused, tp)
	}
	for _, r := range st.Records {
		tp := r.TopicPartition()
		b.held[tp] = append(b.held[tp], r)
	}
	b.mu.Unlock()
	return b.fetch(), nil
}

func (b *Broker) fetch() map[kafka.TopicPartition][]kafka.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[kafka.TopicPartition][]kafka.Record)
	for tp, recs := range b.held {
		if b.paused[tp] || len(recs) == 0 {
			continue
		}
		out[tp] = recs
		delete(b.held, tp)
	}
	return out
}

func (b *Broker) CommitAsync(positions map[kafka.TopicPartition]int64) <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits = append(b.commits, maps.Clone(positions))
	var err error
	if len(b.commitErrs) > 0 {
		err = b.commitErrs[0]
		b.commitErrs = b.commitErrs[1:]
	}
	if err == nil {
		maps.Copy(b.committed, positions)
	}
	done := make(chan error, 1)
	done <- err
	return done
}

func (b *Broker) Seek(positions map[kafka.TopicPartition]int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seeks = append(b.seeks, maps.Clone(positions))
	return nil
}

func (b *Broker) Pause(tps []kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tp := range tps {
		b.paused[tp] = true
	}
	b.pauses = append(b.pauses, tps...)
}

func (b *Broker) Resume(tps []kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tp := range tps {
		delete(b.paused, tp)
	}
	b.resumes = append(b.resumes, tps...)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Commits returns every commit request received, in order, failed ones
// included.
func (b *Broker) Commits() []map[kafka.TopicPartition]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[kafka.TopicPartition]int64, len(b.commits))
	for i, c := range b.commits {
		out[i] = maps.Clone(c)
	}
	return out
}

// Committed is the last successfully committed position per partition.
func (b *Broker) Committed() map[kafka.TopicPartition]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.committed)
}

func (b *Broker) Seeks() []map[kafka.TopicPartition]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[kafka.TopicPartition]int64(nil), b.seeks...)
}

func (b *Broker) Paused(tp kafka.TopicPartition) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[tp]
}

// Pauses lists every partition passed to Pause, in call order.
func (b *Broker) Pauses() []kafka.TopicPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.TopicPartition(nil), b.pauses...)
}

func (b *Broker) Resumes() []kafka.TopicPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.TopicPartition(nil), b.resumes...)
}

// Manual is the last manual assignment.
func (b *Broker) Manual() []kafka.TopicPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.TopicPartition(nil), b.manual...)
}

func (b *Broker) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

// Remaining is the number of unplayed steps.
func (b *Broker) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.steps)
}

func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Records builds records topic/partition at offsets [from, to).
func Records(topic string, partition int32, from, to int64) []kafka.Record {
	out := make([]kafka.Record, 0, to-from)
	for o := from; o < to; o++ {
		out = append(out, kafka.Record{
			Topic:     topic,
			Partition: partition,
			Offset:    o,
			Value:     []byte{byte(o)},
			Timestamp: time.Unix(0, 0).Add(time.Duration(o) * time.Millisecond),
		})
	}
	return out
}

func TP(topic string, partition int32) kafka.TopicPartition {
	return kafka.TopicPartition{Topic: topic, Partition: partition}
}
