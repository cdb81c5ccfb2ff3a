package kafka

import (
	"errors"
	"testing"
)

var (
	tp0 = TopicPartition{Topic: "T", Partition: 0}
	tp1 = TopicPartition{Topic: "T", Partition: 1}
)

func off(tp TopicPartition, pos int64, epoch uint64) Offset {
	return Offset{TopicPartition: tp, Position: pos, Epoch: epoch}
}

func TestAccumulator_KeepsMaximum(t *testing.T) {
	a := newOffsetAccumulator()
	a.track(tp0, 1)
	a.track(tp1, 1)
	for _, o := range []Offset{off(tp0, 2, 1), off(tp0, 4, 1), off(tp0, 3, 1), off(tp1, 2, 1)} {
		if got := a.merge(o); got != mergePending {
			t.Fatalf("merge(%v) = %v", o, got)
		}
	}
	b := a.drainAndReset()
	pos := b.Positions()
	if len(pos) != 2 || pos[tp0] != 4 || pos[tp1] != 2 {
		t.Fatalf("positions = %v", pos)
	}
	if !a.isEmpty() {
		t.Fatal("drain left entries behind")
	}
}

func TestAccumulator_MergeIdempotent(t *testing.T) {
	a := newOffsetAccumulator()
	a.track(tp0, 1)
	a.merge(off(tp0, 5, 1))
	a.merge(off(tp0, 5, 1))
	b := a.drainAndReset()
	if b.Len() != 1 || b.Positions()[tp0] != 5 {
		t.Fatalf("unexpected batch %v", b.Positions())
	}
}

func TestAccumulator_StaleEpoch(t *testing.T) {
	a := newOffsetAccumulator()
	a.track(tp0, 2)
	if got := a.merge(off(tp0, 9, 1)); got != mergeStale {
		t.Fatalf("old epoch merged: %v", got)
	}
	a.untrack(tp0)
	if got := a.merge(off(tp0, 9, 2)); got != mergeStale {
		t.Fatalf("untracked partition merged: %v", got)
	}
	if !a.isEmpty() {
		t.Fatal("stale offsets reached the batch")
	}
}

func TestAccumulator_CommittedAndInflight(t *testing.T) {
	a := newOffsetAccumulator()
	a.track(tp0, 1)
	a.merge(off(tp0, 4, 1))
	b := a.drainAndReset()
	a.hold(&b)

	if got := a.merge(off(tp0, 3, 1)); got != mergeInflight {
		t.Fatalf("position covered by in-flight commit: %v", got)
	}
	if got := a.merge(off(tp0, 6, 1)); got != mergePending {
		t.Fatalf("higher position: %v", got)
	}

	done := a.release()
	a.markCommitted(*done)
	a.drainAndReset()
	if got := a.merge(off(tp0, 4, 1)); got != mergeCommitted {
		t.Fatalf("already committed position: %v", got)
	}
}

func TestAccumulator_AbsorbAndRetain(t *testing.T) {
	a := newOffsetAccumulator()
	a.track(tp0, 1)
	a.track(tp1, 1)
	a.merge(off(tp0, 1, 1))
	a.merge(off(tp1, 1, 1))
	reply := make(chan error, 1)
	a.await(reply, false)
	failed := a.drainAndReset()

	a.untrack(tp1)
	kept := a.retain(failed)
	if kept.Len() != 1 || len(kept.waiters) != 1 {
		t.Fatalf("retain kept %v with %d waiters", kept.Positions(), len(kept.waiters))
	}

	a.absorb(failed)
	if a.batch.Len() != 1 || len(a.batch.waiters) != 1 {
		t.Fatalf("absorb: %v, %d waiters", a.batch.Positions(), len(a.batch.waiters))
	}
	b := a.drainAndReset()
	b.resolve(errors.New("boom"))
	if err := <-reply; err == nil {
		t.Fatal("waiter not resolved")
	}
}
