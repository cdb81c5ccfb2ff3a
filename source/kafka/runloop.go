package kafka

import (
	"context"
	"errors"
	"time"

	"partstream/internal/logging"
)

type retryState struct {
	attempt int
	at      time.Time
}

// loopState is everything the run-loop mutates between cycles. It is owned
// by the run-loop goroutine and passed explicitly to every step.
type loopState struct {
	phase State
	epoch uint64

	paused  map[TopicPartition]struct{} // paused for backpressure
	blocked map[TopicPartition]struct{} // paused after a failed seed
	manual  map[TopicPartition]struct{} // current manual assignment

	announce []*PartitionStream
	deferred []command

	commitSeq  uint64
	retry      *retryState
	lastCommit time.Time

	pollFailures int
	pollRetryAt  time.Time

	stoppingSince time.Time
	lastActivity  time.Time

	fatal error
}

type runloop struct {
	c       *Consumer
	broker  Broker
	cfg     ConsumerCfg
	cmds    *commandQueue
	streams *streamRegistry
	acc     *offsetAccumulator
	rebal   *rebalanceCoordinator
	diag    Diagnostics

	pollRetry   backoff
	commitRetry backoff
	now         func() time.Time
}

func newRunloop(c *Consumer) *runloop {
	l := &runloop{
		c:           c,
		broker:      c.broker,
		cfg:         c.cfg,
		cmds:        c.cmds,
		streams:     newStreamRegistry(c.cfg.PartitionBuffer, c),
		acc:         newOffsetAccumulator(),
		diag:        c.diag,
		pollRetry:   newBackoff(c.cfg.PollRetry),
		commitRetry: newBackoff(c.cfg.CommitRetry),
		now:         time.Now,
	}
	l.rebal = &rebalanceCoordinator{l: l, retrieval: c.retrieval}
	return l
}

func (l *runloop) run(ctx context.Context) error {
	st := &loopState{
		paused:  make(map[TopicPartition]struct{}),
		blocked: make(map[TopicPartition]struct{}),
		manual:  make(map[TopicPartition]struct{}),
	}
	st.lastCommit = l.now()
	l.setPhase(st, StateRunning)
	logging.L().Info("kafka: consumer running", "subscription", l.c.sub.String())

	l.rebal.bind(ctx, st)
	if err := l.subscribe(ctx, st); err != nil && st.fatal == nil {
		st.fatal = err
	}
	for st.phase != StateStopped {
		if st.fatal != nil {
			l.stop(st, st.fatal)
			break
		}
		l.cycle(ctx, st)
	}
	return st.fatal
}

func (l *runloop) subscribe(ctx context.Context, st *loopState) error {
	sub := l.c.sub
	if !sub.IsManual() {
		return l.broker.Subscribe(sub, l.rebal)
	}
	tps := sub.Partitions()
	if err := l.broker.AssignManually(tps); err != nil {
		return err
	}
	for _, tp := range tps {
		st.manual[tp] = struct{}{}
	}
	l.rebal.OnPartitionsAssigned(tps)
	return nil
}

func (l *runloop) cycle(ctx context.Context, st *loopState) {
	l.rebal.bind(ctx, st)
	if ctx.Err() != nil && st.phase == StateRunning {
		l.beginStop(st, "context done")
	}

	cmds := append(st.deferred, l.cmds.drain()...)
	st.deferred = nil
	l.apply(st, cmds)
	if st.fatal != nil {
		return
	}

	switch st.phase {
	case StateRunning:
		l.resume(st)
		now := l.now()
		switch {
		case now.Before(st.pollRetryAt):
			l.idle(ctx, st.pollRetryAt.Sub(now))
		case l.allPaused(st) && !l.rebalancePending():
			l.idle(ctx, l.cfg.PollTimeout)
		default:
			l.poll(ctx, st)
		}
	case StateStopping:
		if l.quiescent(ctx, st) {
			l.stop(st, nil)
			return
		}
		l.idle(ctx, l.cfg.PollTimeout)
	}
	if st.fatal != nil {
		return
	}

	l.maybeCommit(st)
	l.announce(st)
	l.publish(st)
}

func (l *runloop) apply(st *loopState, cmds []command) {
	for i, cmd := range cmds {
		if st.fatal != nil {
			st.deferred = append(st.deferred, cmds[i:]...)
			return
		}
		switch c := cmd.(type) {
		case newOffsets:
			l.mergeOffsets(st, c)
		case requestAssignment:
			c.reply <- l.rebal.assignManual(st, c.partitions)
		case requestRevocation:
			c.reply <- l.rebal.revokeManual(st, c.partitions)
		case shutdown:
			if st.phase == StateRunning {
				l.beginStop(st, "shutdown requested")
			}
		case commitCompleted:
			l.commitDone(st, c)
		}
	}
}

func (l *runloop) mergeOffsets(st *loopState, c newOffsets) {
	st.lastActivity = l.now()
	var pending, inflight, stale bool
	for _, o := range c.offsets {
		switch l.acc.merge(o) {
		case mergePending:
			pending = true
		case mergeInflight:
			inflight = true
		case mergeStale:
			stale = true
		}
	}
	switch {
	case pending:
		l.acc.await(c.reply, false)
	case inflight:
		l.acc.await(c.reply, true)
	case stale:
		c.reply <- ErrStaleOffset
	default:
		c.reply <- nil
	}
}

// takeOffsets applies queued offset submissions now and defers every other
// command, keeping their order.
func (l *runloop) takeOffsets(st *loopState) {
	for _, cmd := range l.cmds.drain() {
		if c, ok := cmd.(newOffsets); ok {
			l.mergeOffsets(st, c)
			continue
		}
		st.deferred = append(st.deferred, cmd)
	}
}

func (l *runloop) poll(ctx context.Context, st *loopState) {
	start := l.now()
	batches, err := l.broker.Poll(ctx, l.cfg.PollTimeout)
	took := l.now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		st.pollFailures++
		l.diag.Emit(PollEvent{Took: took, Err: err})
		d, ok := l.pollRetry.next(st.pollFailures)
		if !ok {
			logging.L().Error("kafka: poll failed, giving up",
				"attempts", st.pollFailures, "max_attempts", l.pollRetry.attempts(), "err", err)
			st.fatal = newError(KindPoll, nil, err)
			return
		}
		logging.L().Warn("kafka: poll failed", "attempt", st.pollFailures, "retry_in", d, "err", err)
		st.pollRetryAt = l.now().Add(d)
		return
	}
	st.pollFailures = 0

	n := 0
	for tp, recs := range batches {
		if len(recs) == 0 {
			continue
		}
		n += len(recs)
		if l.streams.deliver(tp, recs) {
			l.pause(st, tp)
		}
		l.diag.Emit(DeliverEvent{Partition: tp, Records: len(recs)})
	}
	l.diag.Emit(PollEvent{Records: n, Partitions: len(batches), Took: took})
}

func (l *runloop) pause(st *loopState, tp TopicPartition) {
	if _, ok := st.paused[tp]; ok {
		return
	}
	if _, ok := l.streams.get(tp); !ok {
		return
	}
	st.paused[tp] = struct{}{}
	l.broker.Pause([]TopicPartition{tp})
	logging.L().Debug("kafka: partition paused", "topic", tp.Topic, "partition", tp.Partition)
	l.diag.Emit(BackpressureEvent{Partition: tp, Paused: true})
}

// resume pushes paused backlogs into freed buffers and resumes fetching for
// partitions that have room again.
func (l *runloop) resume(st *loopState) {
	var ready []TopicPartition
	for tp := range st.paused {
		if _, ok := l.streams.get(tp); !ok {
			delete(st.paused, tp)
			continue
		}
		if !l.streams.flush(tp) {
			ready = append(ready, tp)
		}
	}
	if len(ready) == 0 {
		return
	}
	sortPartitions(ready)
	for _, tp := range ready {
		delete(st.paused, tp)
		l.diag.Emit(BackpressureEvent{Partition: tp, Paused: false})
	}
	l.broker.Resume(ready)
}

func (l *runloop) allPaused(st *loopState) bool {
	n := l.streams.size()
	return n > 0 && len(st.paused) >= n
}

// rebalancePending reports whether the driver holds rebalance callbacks that
// only a Poll can dispatch.
func (l *runloop) rebalancePending() bool {
	if p, ok := l.broker.(interface{ RebalancePending() bool }); ok {
		return p.RebalancePending()
	}
	return false
}

func (l *runloop) idle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.cmds.wait():
	case <-t.C:
	case <-ctx.Done():
	}
}

func (l *runloop) maybeCommit(st *loopState) {
	now := l.now()
	if inf := l.acc.inflight; inf != nil {
		if st.retry == nil || now.Before(st.retry.at) {
			return
		}
		attempt := st.retry.attempt
		st.retry = nil
		b := l.acc.retain(*inf)
		if b.IsEmpty() {
			l.acc.release()
			b.resolve(nil)
			return
		}
		l.send(st, b, attempt)
		return
	}
	if now.Sub(st.lastCommit) < l.cfg.CommitInterval {
		return
	}
	st.lastCommit = now
	if l.acc.isEmpty() {
		return
	}
	l.send(st, l.acc.drainAndReset(), 1)
}

// send hands b to the broker. The result comes back as a commitCompleted
// command so it is handled on the run-loop goroutine.
func (l *runloop) send(st *loopState, b OffsetBatch, attempt int) {
	st.commitSeq++
	seq := st.commitSeq
	l.acc.hold(&b)
	positions := b.Positions()
	l.diag.Emit(CommitStarted{Positions: positions, Attempt: attempt})
	start := l.now()
	done := l.broker.CommitAsync(positions)
	go func() {
		err := <-done
		_ = l.cmds.send(commitCompleted{seq: seq, attempt: attempt, err: err, took: time.Since(start)})
	}()
}

func (l *runloop) commitDone(st *loopState, c commitCompleted) {
	inf := l.acc.inflight
	if inf == nil || c.seq != st.commitSeq {
		return
	}
	positions := inf.Positions()
	if c.err == nil {
		l.acc.release()
		l.acc.markCommitted(*inf)
		inf.resolve(nil)
		l.diag.Emit(CommitSucceeded{Positions: positions, Took: c.took})
		return
	}
	d, ok := l.commitRetry.next(c.attempt)
	l.diag.Emit(CommitFailed{Positions: positions, Attempt: c.attempt, Err: c.err, Final: !ok})
	if ok {
		logging.L().Warn("kafka: commit failed", "attempt", c.attempt, "retry_in", d, "err", c.err)
		st.retry = &retryState{attempt: c.attempt + 1, at: l.now().Add(d)}
		return
	}
	logging.L().Error("kafka: commit failed, giving up",
		"attempts", c.attempt, "max_attempts", l.commitRetry.attempts(), "err", c.err)
	l.acc.release()
	inf.resolve(newError(KindCommit, nil, c.err))
	// Keep the positions; a later commit covers them.
	l.acc.absorb(OffsetBatch{offsets: inf.offsets})
}

// flushSync commits everything accumulated so far, plus whatever is in
// flight, and waits for the broker. Used before a revocation and at stop.
func (l *runloop) flushSync(st *loopState) error {
	b := l.acc.drainAndReset()
	if inf := l.acc.release(); inf != nil {
		for _, o := range inf.offsets {
			b.put(o)
		}
		b.waiters = append(b.waiters, inf.waiters...)
		st.retry = nil
		st.commitSeq++ // the pending result, if any, is superseded
	}
	b = l.acc.retain(b)
	if b.IsEmpty() {
		b.resolve(nil)
		return nil
	}
	positions := b.Positions()
	start := l.now()
	if err := l.commitSync(positions); err != nil {
		err = newError(KindCommit, nil, err)
		b.resolve(err)
		// Partitions still owned keep their positions for a later commit.
		l.acc.absorb(OffsetBatch{offsets: b.offsets})
		return err
	}
	l.acc.markCommitted(b)
	l.diag.Emit(CommitSucceeded{Positions: positions, Took: l.now().Sub(start)})
	b.resolve(nil)
	return nil
}

// commitSync commits positions and waits, retrying on the commit schedule
// while the commit timeout leaves room for the next attempt.
func (l *runloop) commitSync(positions map[TopicPartition]int64) error {
	deadline := l.now().Add(l.cfg.CommitTimeout)
	for attempt := 1; ; attempt++ {
		l.diag.Emit(CommitStarted{Positions: positions, Attempt: attempt})
		err := l.commitWithin(positions, deadline.Sub(l.now()))
		if err == nil {
			return nil
		}
		d, ok := l.commitRetry.next(attempt)
		if errors.Is(err, errCommitTimeout) || deadline.Sub(l.now()) <= d {
			ok = false
		}
		l.diag.Emit(CommitFailed{Positions: positions, Attempt: attempt, Err: err, Final: !ok})
		if !ok {
			logging.L().Error("kafka: synchronous commit failed, giving up",
				"partitions", len(positions), "attempts", attempt, "max_attempts", l.commitRetry.attempts(), "err", err)
			return err
		}
		logging.L().Warn("kafka: synchronous commit failed", "attempt", attempt, "retry_in", d, "err", err)
		time.Sleep(d)
	}
}

func (l *runloop) commitWithin(positions map[TopicPartition]int64, d time.Duration) error {
	if d <= 0 {
		return errCommitTimeout
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case err := <-l.broker.CommitAsync(positions):
		return err
	case <-t.C:
		return errCommitTimeout
	}
}

var errCommitTimeout = errors.New("kafka: commit timed out")

func (l *runloop) report(err error) {
	select {
	case l.c.errs <- err:
	default:
		logging.L().Warn("kafka: error channel full, dropping", "err", err)
	}
}

func (l *runloop) announce(st *loopState) {
	for len(st.announce) > 0 {
		select {
		case l.c.partitions <- st.announce[0]:
			st.announce = st.announce[1:]
		default:
			return
		}
	}
	st.announce = nil
}

func (l *runloop) beginStop(st *loopState, reason string) {
	now := l.now()
	st.stoppingSince, st.lastActivity = now, now
	l.streams.finish(nil)
	clear(st.paused)
	l.announce(st)
	l.setPhase(st, StateStopping)
	logging.L().Info("kafka: consumer stopping", "reason", reason)
}

// quiescent reports whether the stopping loop may finish: consumers drained
// their buffers and went quiet for a poll timeout, or time is up.
func (l *runloop) quiescent(ctx context.Context, st *loopState) bool {
	if ctx.Err() != nil {
		return true
	}
	now := l.now()
	if now.Sub(st.stoppingSince) >= l.cfg.ShutdownTimeout {
		return true
	}
	return l.streams.buffered() == 0 && l.acc.inflight == nil && now.Sub(st.lastActivity) >= l.cfg.PollTimeout
}

// stop ends the loop. With a fatal err the remaining streams end with it.
func (l *runloop) stop(st *loopState, err error) {
	l.streams.finish(err)
	// Offsets queued behind the stop request still count.
	l.takeOffsets(st)
	if !IsKind(err, KindPoll) {
		_ = l.flushSync(st)
	} else if inf := l.acc.release(); inf != nil {
		inf.resolve(err)
	}
	pending := l.acc.drainAndReset()
	pending.resolve(ErrStopped)

	if cerr := l.broker.Close(); cerr != nil {
		logging.L().Warn("kafka: broker close", "err", cerr)
	}
	rest := append(st.deferred, l.cmds.close()...)
	st.deferred = nil
	for _, cmd := range rest {
		switch c := cmd.(type) {
		case newOffsets:
			c.reply <- ErrStopped
		case requestAssignment:
			c.reply <- ErrStopped
		case requestRevocation:
			c.reply <- ErrStopped
		}
	}
	st.announce = nil
	l.setPhase(st, StateStopped)
	l.publish(st)
	close(l.c.partitions)
	close(l.c.errs)
	close(l.c.done)
	if err != nil {
		logging.L().Error("kafka: consumer stopped", "err", err)
		return
	}
	logging.L().Info("kafka: consumer stopped")
}

func (l *runloop) setPhase(st *loopState, s State) {
	st.phase = s
	l.c.state.Store(int32(s))
	l.diag.Emit(StateChanged{State: s})
}

func (l *runloop) publish(st *loopState) {
	tps := l.streams.partitions()
	out := make([]PartitionInfo, 0, len(tps))
	for _, tp := range tps {
		ps, _ := l.streams.get(tp)
		_, paused := st.paused[tp]
		out = append(out, PartitionInfo{
			Partition:     tp,
			Epoch:         ps.stream.epoch,
			Paused:        paused,
			Buffered:      len(ps.stream.records) + len(ps.backlog),
			LastDelivered: ps.lastDelivered,
		})
	}
	l.c.snapshot.Store(&out)
}
