package kafka

import (
	"context"
	"errors"
	"slices"
	"testing"
)

type recordingCommitter struct {
	got [][]Offset
	err error
}

func (r *recordingCommitter) commitAsync(offs []Offset) <-chan error {
	r.got = append(r.got, offs)
	out := make(chan error, 1)
	out <- r.err
	return out
}

func TestOffsetBatch_MergeIsImmutable(t *testing.T) {
	a := OffsetBatch{}.Merge(off(tp0, 1, 1))
	b := a.Merge(off(tp0, 3, 1)).Merge(off(tp1, 0, 1))
	if a.Len() != 1 || a.Positions()[tp0] != 1 {
		t.Fatalf("Merge mutated its receiver: %v", a.Positions())
	}
	if b.Len() != 2 || b.Positions()[tp0] != 3 {
		t.Fatalf("unexpected merge result %v", b.Positions())
	}
	if c := b.Merge(off(tp0, 2, 1)); c.Positions()[tp0] != 3 {
		t.Fatal("lower position replaced the maximum")
	}
	if c := b.Merge(off(tp0, 0, 2)); c.Positions()[tp0] != 0 {
		t.Fatal("newer epoch must replace the entry")
	}
}

func TestFoldOffsets(t *testing.T) {
	offs := []Offset{off(tp1, 2, 1), off(tp0, 4, 1), off(tp0, 2, 1), off(tp1, 1, 1)}
	b := FoldOffsets(slices.Values(offs))
	got := b.Offsets()
	if len(got) != 2 || got[0].TopicPartition != tp0 || got[0].Position != 4 || got[1].Position != 2 {
		t.Fatalf("unexpected fold %+v", got)
	}
	if !FoldOffsets(slices.Values([]Offset(nil))).IsEmpty() {
		t.Fatal("empty fold not empty")
	}
}

func TestOffsetBatch_CommitRoutesToOwner(t *testing.T) {
	rc := &recordingCommitter{}
	o := off(tp0, 4, 1)
	o.c = rc
	p := off(tp1, 2, 1)
	p.c = rc
	if err := o.Batch().Merge(p).Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(rc.got) != 1 || len(rc.got[0]) != 2 {
		t.Fatalf("one call with both offsets expected, got %+v", rc.got)
	}

	rc.err = errors.New("nope")
	if err := o.Commit(context.Background()); err == nil {
		t.Fatal("committer error swallowed")
	}
	if err := off(tp0, 1, 1).Commit(context.Background()); !errors.Is(err, errUnbound) {
		t.Fatalf("unbound offset: %v", err)
	}
	if err := (OffsetBatch{}).Commit(context.Background()); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	other := &recordingCommitter{err: errors.New("other")}
	q := off(tp1, 9, 1)
	q.c = other
	rc.err = nil
	if err := <-o.Batch().Merge(q).CommitAsync(); err == nil || err.Error() != "other" {
		t.Fatalf("errors of every owner must be joined, got %v", err)
	}
}
