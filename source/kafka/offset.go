package kafka

import (
	"context"
	"errors"
	"iter"
)

// committer routes commit requests back to the run-loop that produced the offset.
type committer interface {
	// commitAsync queues offsets; the channel yields the commit result once.
	commitAsync(offsets []Offset) <-chan error
}

// Offset marks Position in its partition as processed and committable. It is
// only meaningful to the Consumer that delivered it, and only for the
// assignment epoch it was delivered under.
type Offset struct {
	TopicPartition
	Position int64
	Epoch    uint64

	c committer
}

// Commit commits this single offset and waits for the broker's answer.
func (o Offset) Commit(ctx context.Context) error {
	return o.Batch().Commit(ctx)
}

func (o Offset) CommitAsync() <-chan error {
	return o.Batch().CommitAsync()
}

// Batch returns a batch holding only o.
func (o Offset) Batch() OffsetBatch {
	return OffsetBatch{}.Merge(o)
}

// OffsetBatch holds the highest offset seen per partition.
// The zero value is an empty batch. Merge never mutates its receiver.
type OffsetBatch struct {
	offsets map[TopicPartition]Offset

	// waiters are the completion signals of every submission folded into
	// this batch; only the run-loop populates them.
	waiters []chan<- error
}

// Merge returns a batch that additionally contains o. Lower or equal positions
// for a partition already in the batch are ignored.
func (b OffsetBatch) Merge(o Offset) OffsetBatch {
	out := OffsetBatch{offsets: make(map[TopicPartition]Offset, len(b.offsets)+1)}
	for tp, cur := range b.offsets {
		out.offsets[tp] = cur
	}
	out.put(o)
	return out
}

// put is the in-place form of Merge. It reports whether o raised the stored maximum.
func (b *OffsetBatch) put(o Offset) bool {
	if b.offsets == nil {
		b.offsets = make(map[TopicPartition]Offset)
	}
	cur, ok := b.offsets[o.TopicPartition]
	if ok && cur.Epoch == o.Epoch && cur.Position >= o.Position {
		return false
	}
	if ok && cur.Epoch > o.Epoch {
		return false
	}
	b.offsets[o.TopicPartition] = o
	return true
}

// FoldOffsets folds a sequence of offsets into a single batch.
func FoldOffsets(seq iter.Seq[Offset]) OffsetBatch {
	var b OffsetBatch
	for o := range seq {
		b.put(o)
	}
	return b
}

func (b OffsetBatch) Len() int      { return len(b.offsets) }
func (b OffsetBatch) IsEmpty() bool { return len(b.offsets) == 0 }

// Get returns the offset kept for tp.
func (b OffsetBatch) Get(tp TopicPartition) (Offset, bool) {
	o, ok := b.offsets[tp]
	return o, ok
}

// Positions returns the committable position per partition.
func (b OffsetBatch) Positions() map[TopicPartition]int64 {
	out := make(map[TopicPartition]int64, len(b.offsets))
	for tp, o := range b.offsets {
		out[tp] = o.Position
	}
	return out
}

// Offsets returns the batch content sorted by partition.
func (b OffsetBatch) Offsets() []Offset {
	tps := make([]TopicPartition, 0, len(b.offsets))
	for tp := range b.offsets {
		tps = append(tps, tp)
	}
	sortPartitions(tps)
	out := make([]Offset, len(tps))
	for i, tp := range tps {
		out[i] = b.offsets[tp]
	}
	return out
}

var errUnbound = errors.New("kafka: offset not bound to a consumer")

// Commit submits the batch to the consumer(s) that produced its offsets and
// blocks until the broker acknowledged or rejected the commit, or ctx ends.
// The submission stands even if ctx ends first.
func (b OffsetBatch) Commit(ctx context.Context) error {
	select {
	case err := <-b.CommitAsync():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommitAsync submits the batch without waiting. The channel yields the
// result exactly once.
func (b OffsetBatch) CommitAsync() <-chan error {
	out := make(chan error, 1)
	if b.IsEmpty() {
		out <- nil
		return out
	}
	byOwner := make(map[committer][]Offset, 1)
	for _, o := range b.Offsets() {
		if o.c == nil {
			out <- errUnbound
			return out
		}
		byOwner[o.c] = append(byOwner[o.c], o)
	}
	if len(byOwner) == 1 {
		for c, offs := range byOwner {
			return c.commitAsync(offs)
		}
	}
	results := make([]<-chan error, 0, len(byOwner))
	for c, offs := range byOwner {
		results = append(results, c.commitAsync(offs))
	}
	go func() {
		var errs []error
		for _, r := range results {
			if err := <-r; err != nil {
				errs = append(errs, err)
			}
		}
		out <- errors.Join(errs...)
	}()
	return out
}

// resolve signals every waiter. Waiter channels are buffered so this never blocks.
func (b *OffsetBatch) resolve(err error) {
	for _, w := range b.waiters {
		w <- err
	}
	b.waiters = nil
}
