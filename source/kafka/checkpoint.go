package kafka

import (
	"context"
	"sync"
)

type ackNode struct {
	off        Offset
	prev, next *ackNode
}

// Checkpointer turns out-of-order acknowledgements of one partition into the
// highest Offset below which every record is acknowledged. Track blocks while
// limit records are outstanding.
type Checkpointer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	limit   int
	pending int

	start, end *ackNode
	highest    *Offset
}

func NewCheckpointer(limit int) *Checkpointer {
	c := &Checkpointer{limit: limit}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Track registers o as outstanding, in delivery order. The returned resolve
// marks it acknowledged and reports the new committable high-water mark.
func (c *Checkpointer) Track(ctx context.Context, o Offset) (resolve func() (Offset, bool), err error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.limit > 0 && c.pending >= c.limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := &ackNode{off: o, prev: c.end}
	if c.end != nil {
		c.end.next = n
	} else {
		c.start = n
	}
	c.end = n
	c.pending++

	var once sync.Once
	return func() (Offset, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		once.Do(func() { c.resolve(n) })
		if c.highest == nil {
			return Offset{}, false
		}
		return *c.highest, true
	}, nil
}

// resolve unlinks n. A node with an outstanding predecessor hands its offset
// to it, so the predecessor reports it once acknowledged.
func (c *Checkpointer) resolve(n *ackNode) {
	if n.prev != nil {
		n.prev.off = n.off
		n.prev.next = n.next
	} else {
		off := n.off
		c.highest = &off
		c.start = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.end = n.prev
	}
	c.pending--
	c.cond.Broadcast()
}

// Pending is the number of outstanding records.
func (c *Checkpointer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Highest is the current committable high-water mark.
func (c *Checkpointer) Highest() (Offset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.highest == nil {
		return Offset{}, false
	}
	return *c.highest, true
}
