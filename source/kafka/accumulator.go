package kafka

type mergeOutcome int

const (
	mergePending   mergeOutcome = iota // part of the next commit
	mergeInflight                      // covered by the commit in flight
	mergeCommitted                     // already covered by a successful commit
	mergeStale                         // epoch no longer current, dropped
)

// offsetAccumulator folds acknowledged offsets into per-partition maxima
// between two commits. Single writer: the run-loop goroutine.
type offsetAccumulator struct {
	epochs    map[TopicPartition]uint64
	committed map[TopicPartition]int64
	batch     OffsetBatch
	// inflight is the batch handed to the broker and not yet resolved.
	inflight *OffsetBatch
}

func newOffsetAccumulator() *offsetAccumulator {
	return &offsetAccumulator{
		epochs:    make(map[TopicPartition]uint64),
		committed: make(map[TopicPartition]int64),
	}
}

// track makes epoch the current one for tp. Offsets of other epochs are stale.
func (a *offsetAccumulator) track(tp TopicPartition, epoch uint64) {
	a.epochs[tp] = epoch
	delete(a.committed, tp)
}

// untrack forgets tp and drops its pending entry.
func (a *offsetAccumulator) untrack(tp TopicPartition) {
	delete(a.epochs, tp)
	delete(a.committed, tp)
	delete(a.batch.offsets, tp)
}

func (a *offsetAccumulator) current(o Offset) bool {
	e, ok := a.epochs[o.TopicPartition]
	return ok && e == o.Epoch
}

func (a *offsetAccumulator) merge(o Offset) mergeOutcome {
	if !a.current(o) {
		return mergeStale
	}
	if _, pending := a.batch.offsets[o.TopicPartition]; !pending {
		if a.inflight != nil {
			if f, ok := a.inflight.Get(o.TopicPartition); ok && f.Epoch == o.Epoch && o.Position <= f.Position {
				return mergeInflight
			}
		}
		if c, ok := a.committed[o.TopicPartition]; ok && o.Position <= c {
			return mergeCommitted
		}
	}
	a.batch.put(o)
	return mergePending
}

// await attaches a completion waiter to the batch being accumulated, or to
// the one in flight.
func (a *offsetAccumulator) await(reply chan<- error, inflight bool) {
	if reply == nil {
		return
	}
	if inflight && a.inflight != nil {
		a.inflight.waiters = append(a.inflight.waiters, reply)
		return
	}
	a.batch.waiters = append(a.batch.waiters, reply)
}

func (a *offsetAccumulator) isEmpty() bool { return a.batch.IsEmpty() }

// drainAndReset hands over the accumulated batch, waiters included.
func (a *offsetAccumulator) drainAndReset() OffsetBatch {
	b := a.batch
	a.batch = OffsetBatch{}
	return b
}

// hold marks b as the batch in flight.
func (a *offsetAccumulator) hold(b *OffsetBatch) { a.inflight = b }

// release clears and returns the batch in flight.
func (a *offsetAccumulator) release() *OffsetBatch {
	b := a.inflight
	a.inflight = nil
	return b
}

// absorb merges a previously drained batch back, e.g. after its commit failed.
// Stale entries are dropped; waiters move over.
func (a *offsetAccumulator) absorb(b OffsetBatch) {
	for _, o := range b.offsets {
		a.merge(o)
	}
	a.batch.waiters = append(a.batch.waiters, b.waiters...)
}

// markCommitted records a successful commit of b.
func (a *offsetAccumulator) markCommitted(b OffsetBatch) {
	for tp, o := range b.offsets {
		if !a.current(o) {
			continue
		}
		if c, ok := a.committed[tp]; !ok || o.Position > c {
			a.committed[tp] = o.Position
		}
	}
}

// retain drops entries of b that are stale or already committed.
func (a *offsetAccumulator) retain(b OffsetBatch) OffsetBatch {
	out := OffsetBatch{waiters: b.waiters}
	for tp, o := range b.offsets {
		if !a.current(o) {
			continue
		}
		if c, ok := a.committed[tp]; ok && o.Position <= c {
			continue
		}
		out.put(o)
	}
	return out
}
