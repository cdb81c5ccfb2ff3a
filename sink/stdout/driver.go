package stdout

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"partstream/sink"
	"partstream/source/kafka"
)

/* ────────── public config ────────── */
type Config struct {
	DelayMS       int       `yaml:"delay_ms"`        // artificial per-frame delay
	PrintCounter  bool      `yaml:"print_counter"`   // prepend seq#
	BatchSize     int       `yaml:"ack_batch_size"`  // 0 = disabled
	FlushMS       int       `yaml:"ack_flush_ms"`    // 0 = disabled
	PrintValue    bool      `yaml:"print_value"`     // append the decoded value
	ValueMaxBytes int       `yaml:"value_max_bytes"` // truncate printed values, 0 = no limit
	Out           io.Writer `yaml:"-"`               // defaults to os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	ack sink.EmitFn

	mu      sync.Mutex // guards pending+timer+out
	pending []kafka.Offset
	timer   *time.Timer // nil → no timer armed
	closed  bool
}

var seq uint64

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	return nil
}

func (d *driver) Push(f *sink.Frame) error {
	if d.cfg.DelayMS > 0 {
		time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
	}
	cp := f.Checkpoint
	line := fmt.Sprintf("%s[%d]@%d", cp.Topic, cp.Partition, cp.Position)
	if d.cfg.PrintCounter {
		line = fmt.Sprintf("[sink %06d] %s", atomic.AddUint64(&seq, 1), line)
	} else {
		line = "[sink] " + line
	}
	if d.cfg.PrintValue {
		line += " " + d.render(f.Value)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("stdout-sink: closed")
	}
	if _, err := fmt.Fprintln(d.cfg.Out, line); err != nil {
		return err
	}
	d.pending = append(d.pending, cp)

	/* 1. flush on batch size (or immediately when batching is off) */
	if d.cfg.BatchSize <= 1 && d.cfg.FlushMS <= 0 ||
		d.cfg.BatchSize > 0 && len(d.pending) >= d.cfg.BatchSize {
		d.flushLocked()
		return nil
	}

	/* 2. arm the one-shot timer if needed */
	if d.cfg.FlushMS > 0 && d.timer == nil {
		d.timer = time.AfterFunc(
			time.Duration(d.cfg.FlushMS)*time.Millisecond,
			d.timerFlush,
		)
	}
	return nil
}

func (d *driver) render(v any) string {
	var s string
	switch x := v.(type) {
	case []byte:
		s = string(x)
	case string:
		s = x
	default:
		s = fmt.Sprintf("%v", x)
	}
	if n := d.cfg.ValueMaxBytes; n > 0 && len(s) > n {
		s = s[:n] + "…"
	}
	return s
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	d.closed = true
	return nil
}

/* ────────── sink.AckAware ────────── */
func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

/* ────────── internals ────────── */

// called by the background timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	d.flushLocked()
	d.mu.Unlock()
}

// must be called with d.mu *held*
func (d *driver) flushLocked() {
	if len(d.pending) == 0 || d.ack == nil {
		d.pending = d.pending[:0]
		d.stopTimerLocked()
		return
	}
	for _, o := range d.pending {
		d.ack(o)
	}
	d.pending = d.pending[:0]
	d.stopTimerLocked() // re-arm on next Push if needed
}

func (d *driver) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
