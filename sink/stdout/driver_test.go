package stdout

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"partstream/sink"
	"partstream/source/kafka"
)

type acks struct {
	mu  sync.Mutex
	got []int64
}

func (a *acks) emit(o kafka.Offset) {
	a.mu.Lock()
	a.got = append(a.got, o.Position)
	a.mu.Unlock()
}

func (a *acks) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func frame(pos int64, v any) *sink.Frame {
	return &sink.Frame{
		Value:      v,
		Checkpoint: kafka.Offset{TopicPartition: kafka.TopicPartition{Topic: "orders", Partition: 2}, Position: pos},
	}
}

func newDriver(t *testing.T, cfg Config) (*driver, *acks) {
	t.Helper()
	a, err := sink.NewAdapter("stdout")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	d := a.(*driver)
	rec := &acks{}
	d.BindAck(rec.emit)
	return d, rec
}

func TestDriver_PrintsAndAcksImmediately(t *testing.T) {
	var out bytes.Buffer
	d, rec := newDriver(t, Config{Out: &out, PrintValue: true, ValueMaxBytes: 3})
	if err := d.Push(frame(7, []byte("abcdef"))); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "[sink] orders[2]@7 abc…\n" {
		t.Fatalf("output %q", got)
	}
	if rec.len() != 1 {
		t.Fatalf("acks = %d", rec.len())
	}
}

func TestDriver_BatchedAcks(t *testing.T) {
	var out bytes.Buffer
	d, rec := newDriver(t, Config{Out: &out, BatchSize: 3, PrintCounter: true})
	for i := range int64(2) {
		_ = d.Push(frame(i, nil))
	}
	if rec.len() != 0 {
		t.Fatal("acked before the batch filled")
	}
	_ = d.Push(frame(2, nil))
	if rec.len() != 3 {
		t.Fatalf("acks = %d after full batch", rec.len())
	}
	if !strings.HasPrefix(out.String(), "[sink ") {
		t.Fatalf("counter missing: %q", out.String())
	}

	_ = d.Push(frame(3, nil))
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if rec.len() != 4 {
		t.Fatal("Close must flush pending acks")
	}
	if err := d.Push(frame(4, nil)); err == nil {
		t.Fatal("push after close accepted")
	}
}

func TestDriver_TimerFlush(t *testing.T) {
	var out bytes.Buffer
	d, rec := newDriver(t, Config{Out: &out, BatchSize: 100, FlushMS: 5})
	_ = d.Push(frame(0, nil))
	deadline := time.Now().Add(time.Second)
	for rec.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never flushed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDriver_RejectsForeignConfig(t *testing.T) {
	if err := (&driver{}).Configure(map[string]any{}); err == nil {
		t.Fatal("expected type error")
	}
}
