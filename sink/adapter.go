package sink

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"partstream/source/kafka"
)

// Frame is one decoded record on its way to the sinks. Checkpoint is the
// offset to acknowledge once the frame is durably handled.
type Frame struct {
	Key        any
	Value      any
	Headers    []kafka.Header
	Timestamp  time.Time
	Checkpoint kafka.Offset
}

// EmitFn is what a sink calls to notify the pipeline that a frame
// (or a batch of frames) has been durably processed.
type EmitFn func(kafka.Offset)

// Adapter is the common behaviour every sink exposes.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	Push(*Frame) error   // consume one frame
	Close() error        // idempotent
}

// AckAware is optional. Sinks that acknowledge asynchronously implement it
// and the pipeline binds the callback; every other sink acknowledges a frame
// as soon as Push returns nil.
type AckAware interface {
	BindAck(EmitFn)
}

/*──────── registry ───────*/

type factory = func() Adapter

var (
	mu  sync.RWMutex
	reg = map[string]factory{}
)

func Register(name string, f factory) {
	mu.Lock()
	defer mu.Unlock()
	reg[name] = f
}

func NewAdapter(name string) (Adapter, error) {
	mu.RLock()
	f, ok := reg[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink %q (have %v)", name, Names())
	}
	return f(), nil
}

// Names lists the registered sinks, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
