package kafka

import (
	"context"
	"errors"
	"sync/atomic"
)

// State of the run-loop.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// PartitionInfo is a point-in-time view of one assigned partition.
type PartitionInfo struct {
	Partition     TopicPartition `json:"partition"`
	Epoch         uint64         `json:"epoch"`
	Paused        bool           `json:"paused"`
	Buffered      int            `json:"buffered"`
	LastDelivered int64          `json:"last_delivered"`
}

type Option func(*Consumer)

// WithSubscription overrides the subscription derived from Config.
func WithSubscription(s Subscription) Option { return func(c *Consumer) { c.sub = s } }

// WithOffsetRetrieval overrides the start_from setting.
func WithOffsetRetrieval(r OffsetRetrieval) Option { return func(c *Consumer) { c.retrieval = r } }

func WithDiagnostics(d Diagnostics) Option { return func(c *Consumer) { c.diag = d } }

// Consumer turns one Broker into independent per-partition streams and
// coordinates their offset commits. Run drives it; everything else is safe
// for concurrent use.
type Consumer struct {
	broker    Broker
	cfg       ConsumerCfg
	sub       Subscription
	retrieval OffsetRetrieval
	diag      Diagnostics

	cmds       *commandQueue
	partitions chan *PartitionStream
	errs       chan error
	done       chan struct{}

	started  atomic.Bool
	state    atomic.Int32
	snapshot atomic.Pointer[[]PartitionInfo]
}

func NewConsumer(b Broker, cfg Config, opts ...Option) (*Consumer, error) {
	if b == nil {
		return nil, errors.New("kafka: nil broker")
	}
	c := &Consumer{
		broker:     b,
		cfg:        cfg.Consumer,
		retrieval:  AutoOffsets(cfg.startFrom()),
		diag:       noDiagnostics{},
		cmds:       newCommandQueue(),
		partitions: make(chan *PartitionStream, 64),
		errs:       make(chan error, 64),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if !c.sub.valid() {
		sub, err := cfg.Subscription()
		if err != nil {
			return nil, err
		}
		c.sub = sub
	}
	if c.cfg.PartitionBuffer < 1 {
		return nil, errors.New("kafka: partition buffer must be positive")
	}
	return c, nil
}

// Run drives the run-loop on the calling goroutine until the consumer is
// stopped. Cancelling ctx starts a shutdown without waiting for consumers to
// drain. It returns the run-loop-fatal error, if any.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("kafka: consumer already started")
	}
	return newRunloop(c).run(ctx)
}

// Partitions yields a stream per newly assigned partition. Closed once stopped.
func (c *Consumer) Partitions() <-chan *PartitionStream { return c.partitions }

// Errors yields non-fatal failures such as assignment seed failures.
func (c *Consumer) Errors() <-chan error { return c.errs }

// Done is closed when the consumer reaches StateStopped.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) State() State { return State(c.state.Load()) }

// Assignment returns the partitions assigned as of the last run-loop cycle.
func (c *Consumer) Assignment() []PartitionInfo {
	p := c.snapshot.Load()
	if p == nil {
		return nil
	}
	return append([]PartitionInfo(nil), (*p)...)
}

// Assign adds partitions to a manual assignment.
func (c *Consumer) Assign(ctx context.Context, tps ...TopicPartition) error {
	return c.request(ctx, func(reply chan<- error) command {
		return requestAssignment{partitions: tps, reply: reply}
	})
}

// Revoke removes partitions from a manual assignment, after a final commit.
func (c *Consumer) Revoke(ctx context.Context, tps ...TopicPartition) error {
	return c.request(ctx, func(reply chan<- error) command {
		return requestRevocation{partitions: tps, reply: reply}
	})
}

// Shutdown asks the run-loop to stop and waits until it has, or ctx ends.
func (c *Consumer) Shutdown(ctx context.Context) error {
	if err := c.cmds.send(shutdown{}); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) commitAsync(offsets []Offset) <-chan error {
	reply := make(chan error, 1)
	if err := c.cmds.send(newOffsets{offsets: offsets, reply: reply}); err != nil {
		reply <- err
	}
	return reply
}

func (c *Consumer) request(ctx context.Context, mk func(chan<- error) command) error {
	reply := make(chan error, 1)
	if err := c.cmds.send(mk(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
