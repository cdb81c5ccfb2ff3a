package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"partstream/internal/logging"
	"partstream/sink"
	"partstream/source/kafka"
)

const drainTimeout = 5 * time.Second

type Options struct {
	Keys        kafka.Deserializer[any]
	Values      kafka.Deserializer[any]
	Policy      kafka.DecodePolicy
	CommitEvery time.Duration // how often acknowledged offsets are committed
	MaxInFlight int           // unacknowledged frames per partition, 0 = unbounded
}

// Runner moves records from the consumer's partition streams to the sinks,
// one goroutine per partition, and commits what the sinks acknowledged.
type Runner struct {
	consumer *kafka.Consumer
	opts     Options
	sinks    []sink.Adapter
	names    []string
	explicit []bool // sink acks through BindAck

	mu      sync.Mutex
	workers map[kafka.TopicPartition]*worker
}

func NewRunner(c *kafka.Consumer, opts Options) *Runner {
	if opts.Keys == nil {
		opts.Keys = erase(kafka.Bytes())
	}
	if opts.Values == nil {
		opts.Values = erase(kafka.Bytes())
	}
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = time.Second
	}
	return &Runner{consumer: c, opts: opts, workers: make(map[kafka.TopicPartition]*worker)}
}

// AddSink registers s under name. Ack-aware sinks get bound to the runner.
func (r *Runner) AddSink(name string, s sink.Adapter) {
	aw, ok := s.(sink.AckAware)
	if ok {
		aw.BindAck(r.Ack)
	}
	r.sinks = append(r.sinks, s)
	r.names = append(r.names, name)
	r.explicit = append(r.explicit, ok)
}

func (r *Runner) Consumer() *kafka.Consumer { return r.consumer }

// Ack marks the frame checkpointed at o as handled by one sink. Acks for
// partitions no longer owned are dropped; their records are redelivered.
func (r *Runner) Ack(o kafka.Offset) {
	r.mu.Lock()
	w, ok := r.workers[o.TopicPartition]
	r.mu.Unlock()
	if !ok || w.ps.Epoch() != o.Epoch {
		return
	}
	w.ack(o.Position)
}

// Run drives the consumer and the partition workers until the consumer
// stops. A failing sink or a strict decode failure stops everything; the
// first such error is returned.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.sinks) == 0 {
		return errors.New("runner: no sinks configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consumer.Run(gctx) })
	g.Go(func() error {
		for err := range r.consumer.Errors() {
			logging.L().Warn("pipeline: consumer error", "err", err)
		}
		return nil
	})
	for ps := range r.consumer.Partitions() {
		w := r.spawn(ps)
		g.Go(func() error { return w.run(gctx) })
	}
	err := g.Wait()
	for i, s := range r.sinks {
		if cerr := s.Close(); cerr != nil {
			logging.L().Warn("pipeline: closing sink", "sink", r.names[i], "err", cerr)
		}
	}
	return err
}

// Shutdown drains the consumer: workers finish what was delivered and
// commit, then Run returns.
func (r *Runner) Shutdown(ctx context.Context) error {
	return r.consumer.Shutdown(ctx)
}

func (r *Runner) spawn(ps *kafka.PartitionStream) *worker {
	w := &worker{
		r:        r,
		ps:       ps,
		cp:       kafka.NewCheckpointer(r.opts.MaxInFlight),
		inflight: make(map[int64]*frameAcks),
	}
	r.mu.Lock()
	r.workers[ps.TopicPartition()] = w
	r.mu.Unlock()
	return w
}

func (r *Runner) retire(w *worker) {
	r.mu.Lock()
	if r.workers[w.ps.TopicPartition()] == w {
		delete(r.workers, w.ps.TopicPartition())
	}
	r.mu.Unlock()
}

type frameAcks struct {
	remaining int
	resolve   func() (kafka.Offset, bool)
}

type worker struct {
	r  *Runner
	ps *kafka.PartitionStream
	cp *kafka.Checkpointer

	mu       sync.Mutex
	inflight map[int64]*frameAcks
	acked    kafka.Offset // highest contiguous acknowledged offset
	dirty    bool
	idle     chan struct{} // closed when inflight empties, if waited on
}

func (w *worker) run(ctx context.Context) error {
	tp := w.ps.TopicPartition()
	log := logging.L().With("topic", tp.Topic, "partition", tp.Partition, "epoch", w.ps.Epoch())
	defer w.r.retire(w)

	stop := make(chan struct{})
	var cwg sync.WaitGroup
	cwg.Add(1)
	go func() {
		defer cwg.Done()
		w.commitLoop(ctx, stop)
	}()
	defer func() {
		close(stop)
		cwg.Wait()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		w.flush(fctx)
	}()

	log.Debug("pipeline: partition worker started")
	// Cancelled on every return so the decoder never blocks on an abandoned stream.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ts := kafka.Decode(dctx, w.ps, w.r.opts.Keys, w.r.opts.Values, w.r.opts.Policy)
	for d := range ts.Records() {
		resolve, err := w.cp.Track(ctx, d.Offset)
		if err != nil {
			return nil // cancelled, the group is going down
		}
		if d.Err != nil {
			log.Warn("pipeline: skipping undecodable record", "offset", d.Offset.Position, "err", d.Err)
			w.add(d.Offset.Position, 0, resolve)
			continue
		}
		if err := w.push(d, resolve); err != nil {
			log.Error("pipeline: sink failed", "offset", d.Offset.Position, "err", err)
			return err
		}
	}
	if err := ts.Err(); kafka.IsKind(err, kafka.KindDeserialization) {
		log.Error("pipeline: strict decode failed", "err", err)
		return err
	}
	if w.r.consumer.State() == kafka.StateStopping {
		w.waitIdle(ctx)
	}
	log.Debug("pipeline: partition worker done", "err", w.ps.Err())
	return nil
}

func (w *worker) push(d kafka.Decoded[any, any], resolve func() (kafka.Offset, bool)) error {
	f := &sink.Frame{
		Key:        d.Key,
		Value:      d.Value,
		Headers:    d.Headers,
		Timestamp:  d.Timestamp,
		Checkpoint: d.Offset,
	}
	w.add(d.Offset.Position, len(w.r.sinks), resolve)
	for i, s := range w.r.sinks {
		if err := s.Push(f); err != nil {
			return fmt.Errorf("sink %s: %w", w.r.names[i], err)
		}
		if !w.r.explicit[i] {
			w.ack(d.Offset.Position)
		}
	}
	return nil
}

func (w *worker) add(pos int64, need int, resolve func() (kafka.Offset, bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if need == 0 {
		w.settleLocked(resolve)
		return
	}
	w.inflight[pos] = &frameAcks{remaining: need, resolve: resolve}
}

func (w *worker) ack(pos int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fa, ok := w.inflight[pos]
	if !ok {
		return
	}
	if fa.remaining--; fa.remaining > 0 {
		return
	}
	delete(w.inflight, pos)
	w.settleLocked(fa.resolve)
}

func (w *worker) settleLocked(resolve func() (kafka.Offset, bool)) {
	if hi, ok := resolve(); ok {
		w.acked, w.dirty = hi, true
	}
	if len(w.inflight) == 0 && w.idle != nil {
		close(w.idle)
		w.idle = nil
	}
}

// waitIdle gives asynchronous sinks time to acknowledge what was pushed.
func (w *worker) waitIdle(ctx context.Context) {
	w.mu.Lock()
	if len(w.inflight) == 0 {
		w.mu.Unlock()
		return
	}
	idle := make(chan struct{})
	w.idle = idle
	w.mu.Unlock()

	t := time.NewTimer(drainTimeout)
	defer t.Stop()
	select {
	case <-idle:
	case <-t.C:
	case <-ctx.Done():
	}
}

func (w *worker) commitLoop(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(w.r.opts.CommitEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.flush(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// flush commits the acknowledged high-water mark, if it moved.
func (w *worker) flush(ctx context.Context) {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	o := w.acked
	w.dirty = false
	w.mu.Unlock()

	err := o.Commit(ctx)
	switch {
	case err == nil:
	case errors.Is(err, kafka.ErrStaleOffset), errors.Is(err, kafka.ErrStopped):
		logging.L().Debug("pipeline: offset no longer committable",
			"topic", o.Topic, "partition", o.Partition, "offset", o.Position, "err", err)
	default:
		logging.L().Warn("pipeline: commit failed, retrying on next tick",
			"topic", o.Topic, "partition", o.Partition, "offset", o.Position, "err", err)
		w.mu.Lock()
		if !w.dirty {
			w.acked, w.dirty = o, true
		}
		w.mu.Unlock()
	}
}
