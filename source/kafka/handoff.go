package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"partstream/internal/logging"
)

type rebalanceKind int

const (
	rebalanceAssigned rebalanceKind = iota + 1
	rebalanceRevoked
)

func (k rebalanceKind) String() string {
	if k == rebalanceAssigned {
		return "assigned"
	}
	return "revoked"
}

type rebalanceEvent struct {
	kind       rebalanceKind
	partitions []TopicPartition
	done       chan struct{}
}

// handoff moves rebalance callbacks from a client library goroutine onto the
// goroutine calling Poll. The library side blocks until the listener ran or
// the timeout passed.
type handoff struct {
	events  chan rebalanceEvent
	timeout time.Duration
	waiting atomic.Int32
	quit    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	wake context.CancelFunc
}

func newHandoff(timeout time.Duration) *handoff {
	return &handoff{events: make(chan rebalanceEvent), timeout: timeout, quit: make(chan struct{})}
}

// deliver is called by the client library. It reports whether the listener ran.
func (h *handoff) deliver(kind rebalanceKind, tps []TopicPartition) bool {
	h.waiting.Add(1)
	defer h.waiting.Add(-1)
	h.mu.Lock()
	if h.wake != nil {
		h.wake()
	}
	h.mu.Unlock()

	ev := rebalanceEvent{kind: kind, partitions: tps, done: make(chan struct{})}
	t := time.NewTimer(h.timeout)
	defer t.Stop()
	select {
	case h.events <- ev:
	case <-h.quit:
		return false
	case <-t.C:
		logging.L().Warn("kafka: rebalance callback not picked up by poll", "kind", kind, "partitions", len(tps))
		return false
	}
	select {
	case <-ev.done:
		return true
	case <-h.quit:
		return false
	case <-t.C:
		logging.L().Warn("kafka: rebalance listener timed out", "kind", kind, "partitions", len(tps))
		return false
	}
}

// close releases pending and future deliveries; nobody polls any more.
func (h *handoff) close() { h.once.Do(func() { close(h.quit) }) }

// pollContext derives the context a blocking fetch waits on. A deliver
// cancels it so the event is dispatched without waiting out the timeout.
func (h *handoff) pollContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	h.mu.Lock()
	h.wake = cancel
	h.mu.Unlock()
	if h.waiting.Load() > 0 {
		cancel()
	}
	return pctx, func() {
		h.mu.Lock()
		h.wake = nil
		h.mu.Unlock()
		cancel()
	}
}

// dispatch runs ev on the caller's goroutine and records revoked partitions.
func (h *handoff) dispatch(ev rebalanceEvent, l RebalanceListener, revoked map[TopicPartition]struct{}) {
	defer close(ev.done)
	switch ev.kind {
	case rebalanceAssigned:
		for _, tp := range ev.partitions {
			delete(revoked, tp)
		}
		l.OnPartitionsAssigned(ev.partitions)
	case rebalanceRevoked:
		for _, tp := range ev.partitions {
			revoked[tp] = struct{}{}
		}
		l.OnPartitionsRevoked(ev.partitions)
	}
}

// dispatchReady dispatches every event already waiting, without blocking.
func (h *handoff) dispatchReady(l RebalanceListener, revoked map[TopicPartition]struct{}) int {
	n := 0
	for {
		select {
		case ev := <-h.events:
			h.dispatch(ev, l, revoked)
			n++
		default:
			return n
		}
	}
}

// RebalancePending reports whether a callback is waiting for dispatch.
func (h *handoff) RebalancePending() bool { return h.waiting.Load() > 0 }
