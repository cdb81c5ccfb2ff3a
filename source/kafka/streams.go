package kafka

import (
	"sync"

	"partstream/internal/logging"
)

// PartitionStream is the ordered sequence of records of one partition for
// one assignment. Records is closed when the partition is revoked, the
// consumer stops or the run-loop fails; Err then tells which.
type PartitionStream struct {
	tp      TopicPartition
	epoch   uint64
	records chan CommittableRecord

	once sync.Once
	err  error
}

func (s *PartitionStream) TopicPartition() TopicPartition { return s.tp }

// Epoch is the assignment epoch the stream was registered under.
func (s *PartitionStream) Epoch() uint64 { return s.epoch }

func (s *PartitionStream) Records() <-chan CommittableRecord { return s.records }

// Err is nil after a graceful end. Only valid once Records is closed.
func (s *PartitionStream) Err() error { return s.err }

func (s *PartitionStream) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.records)
	})
}

// partitionState is the registry's bookkeeping for one active partition.
type partitionState struct {
	stream        *PartitionStream
	paused        bool
	delivered     bool
	lastDelivered int64
	backlog       []Record
}

// streamRegistry tracks the active partition streams. It is only touched by
// the run-loop goroutine; consumers see nothing but their channel.
type streamRegistry struct {
	capacity int
	c        committer
	active   map[TopicPartition]*partitionState
	// finished holds closed streams whose buffers may still hold records.
	finished []*PartitionStream
}

func newStreamRegistry(capacity int, c committer) *streamRegistry {
	return &streamRegistry{capacity: capacity, c: c, active: make(map[TopicPartition]*partitionState)}
}

func (r *streamRegistry) register(tp TopicPartition, epoch uint64) (*PartitionStream, error) {
	if _, ok := r.active[tp]; ok {
		return nil, newError(KindAlreadyRegistered, &tp, ErrAlreadyRegistered)
	}
	s := &PartitionStream{tp: tp, epoch: epoch, records: make(chan CommittableRecord, r.capacity)}
	r.active[tp] = &partitionState{stream: s}
	return s, nil
}

// unregister drops a registration that was never announced.
func (r *streamRegistry) unregister(tp TopicPartition) {
	if st, ok := r.active[tp]; ok {
		delete(r.active, tp)
		st.stream.close(nil)
	}
}

func (r *streamRegistry) get(tp TopicPartition) (*partitionState, bool) {
	st, ok := r.active[tp]
	return st, ok
}

// deliver queues records for tp and pushes as many as fit into the stream
// buffer. It reports true when the buffer is full and records are waiting.
func (r *streamRegistry) deliver(tp TopicPartition, records []Record) bool {
	st, ok := r.active[tp]
	if !ok {
		logging.L().Warn("kafka: records for unassigned partition dropped",
			"topic", tp.Topic, "partition", tp.Partition, "count", len(records))
		return false
	}
	for _, rec := range records {
		last := st.lastDelivered
		if n := len(st.backlog); n > 0 {
			last = st.backlog[n-1].Offset
		} else if !st.delivered {
			last = -1
		}
		if rec.Offset <= last {
			continue
		}
		st.backlog = append(st.backlog, rec)
	}
	return r.push(st)
}

// flush moves backlog into freed buffer space. Same result as deliver.
func (r *streamRegistry) flush(tp TopicPartition) bool {
	st, ok := r.active[tp]
	if !ok {
		return false
	}
	return r.push(st)
}

func (r *streamRegistry) push(st *partitionState) bool {
	s := st.stream
	i := 0
	for ; i < len(st.backlog); i++ {
		rec := st.backlog[i]
		cr := CommittableRecord{
			Record: rec,
			offset: Offset{TopicPartition: s.tp, Position: rec.Offset, Epoch: s.epoch, c: r.c},
		}
		select {
		case s.records <- cr:
			st.lastDelivered, st.delivered = rec.Offset, true
			continue
		default:
		}
		break
	}
	st.backlog = st.backlog[i:]
	if len(st.backlog) == 0 {
		st.backlog = nil
		return len(s.records) == cap(s.records)
	}
	return true
}

func (r *streamRegistry) isBackpressured(tp TopicPartition) bool {
	st, ok := r.active[tp]
	if !ok {
		return false
	}
	return len(st.backlog) > 0 || len(st.stream.records) == cap(st.stream.records)
}

// end closes tp's stream after discarding what it still buffers; the next
// owner of the partition re-reads those records.
func (r *streamRegistry) end(tp TopicPartition, err error) {
	st, ok := r.active[tp]
	if !ok {
		return
	}
	delete(r.active, tp)
	for {
		select {
		case <-st.stream.records:
			continue
		default:
		}
		break
	}
	st.stream.close(err)
}

// finish closes every active stream, keeping buffered records readable.
func (r *streamRegistry) finish(err error) {
	for tp, st := range r.active {
		st.stream.close(err)
		if len(st.stream.records) > 0 {
			r.finished = append(r.finished, st.stream)
		}
		delete(r.active, tp)
	}
}

// buffered counts records not yet taken by consumers, finished streams included.
func (r *streamRegistry) buffered() int {
	n := 0
	for _, st := range r.active {
		n += len(st.stream.records) + len(st.backlog)
	}
	kept := r.finished[:0]
	for _, s := range r.finished {
		if l := len(s.records); l > 0 {
			n += l
			kept = append(kept, s)
		}
	}
	r.finished = kept
	return n
}

func (r *streamRegistry) partitions() []TopicPartition {
	out := make([]TopicPartition, 0, len(r.active))
	for tp := range r.active {
		out = append(out, tp)
	}
	sortPartitions(out)
	return out
}

func (r *streamRegistry) size() int { return len(r.active) }
