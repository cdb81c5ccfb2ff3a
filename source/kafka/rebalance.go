package kafka

import (
	"context"
	"errors"
	"fmt"

	"partstream/internal/logging"
)

// rebalanceCoordinator applies assignment changes to the run-loop state. The
// broker invokes it from within Poll, so it always runs on the run-loop
// goroutine against the state bound for the current cycle.
type rebalanceCoordinator struct {
	l         *runloop
	retrieval OffsetRetrieval

	ctx context.Context
	st  *loopState
}

func (r *rebalanceCoordinator) bind(ctx context.Context, st *loopState) {
	r.ctx, r.st = ctx, st
}

// OnPartitionsAssigned registers a fresh stream per partition under a new
// epoch and seeds its position when offsets are looked up manually.
func (r *rebalanceCoordinator) OnPartitionsAssigned(tps []TopicPartition) {
	_ = r.assign(tps)
}

// assign returns the seed failures, already reported on Consumer.Errors.
func (r *rebalanceCoordinator) assign(tps []TopicPartition) error {
	l, st := r.l, r.st
	if len(tps) == 0 || st.fatal != nil {
		return nil
	}
	tps = append([]TopicPartition(nil), tps...)
	sortPartitions(tps)
	st.epoch++

	var added, unblock, dropped []TopicPartition
	var errs []error
	for _, tp := range tps {
		ps, err := l.streams.register(tp, st.epoch)
		if err != nil {
			logging.L().Error("kafka: partition assigned twice", "topic", tp.Topic, "partition", tp.Partition)
			st.fatal = err
			return err
		}
		l.acc.track(tp, st.epoch)
		if _, ok := st.blocked[tp]; ok {
			delete(st.blocked, tp)
			unblock = append(unblock, tp)
		}
		if r.retrieval.IsManual() {
			if err := r.seed(tp); err != nil {
				l.streams.unregister(tp)
				l.acc.untrack(tp)
				if _, ok := st.manual[tp]; ok {
					// Leave it out of the manual assignment so Assign can retry it.
					delete(st.manual, tp)
					dropped = append(dropped, tp)
				} else {
					// The group still owns it; hold it until the next rebalance.
					st.blocked[tp] = struct{}{}
					l.broker.Pause([]TopicPartition{tp})
				}
				logging.L().Warn("kafka: seeding assigned partition failed",
					"topic", tp.Topic, "partition", tp.Partition, "err", err)
				errs = append(errs, newError(KindAssignmentSeed, &tp, err))
				continue
			}
		}
		st.announce = append(st.announce, ps)
		added = append(added, tp)
	}
	if len(unblock) > 0 {
		l.broker.Resume(unblock)
	}
	if len(dropped) > 0 {
		if err := l.broker.AssignManually(manualSet(st)); err != nil {
			logging.L().Warn("kafka: dropping unseeded partitions from the assignment", "count", len(dropped), "err", err)
		}
	}
	for _, err := range errs {
		l.report(err)
	}
	logging.L().Info("kafka: partitions assigned", "count", len(added), "epoch", st.epoch)
	l.diag.Emit(RebalanceEvent{Assigned: added})
	return errors.Join(errs...)
}

func (r *rebalanceCoordinator) seed(tp TopicPartition) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.l.cfg.RebalanceTimeout)
	defer cancel()
	positions, err := r.retrieval.lookup(ctx, []TopicPartition{tp})
	if err != nil {
		return err
	}
	pos, ok := positions[tp]
	if !ok {
		return fmt.Errorf("no position returned for %s", tp)
	}
	return r.l.broker.Seek(map[TopicPartition]int64{tp: pos})
}

// OnPartitionsRevoked commits what was processed so far, then ends the
// streams. Offsets of the old epoch arriving later are stale.
func (r *rebalanceCoordinator) OnPartitionsRevoked(tps []TopicPartition) {
	l, st := r.l, r.st
	if len(tps) == 0 {
		return
	}
	l.takeOffsets(st)
	if err := l.flushSync(st); err != nil {
		l.report(err)
	}

	var resume []TopicPartition
	for _, tp := range tps {
		l.streams.end(tp, nil)
		l.acc.untrack(tp)
		if _, ok := st.paused[tp]; ok {
			delete(st.paused, tp)
			resume = append(resume, tp)
		}
		if _, ok := st.blocked[tp]; ok {
			delete(st.blocked, tp)
			resume = append(resume, tp)
		}
	}
	// Fetch pause state outlives the assignment in some clients.
	if len(resume) > 0 {
		l.broker.Resume(resume)
	}
	st.epoch++
	revoked := append([]TopicPartition(nil), tps...)
	sortPartitions(revoked)
	logging.L().Info("kafka: partitions revoked", "count", len(revoked), "epoch", st.epoch)
	l.diag.Emit(RebalanceEvent{Revoked: revoked})
}

func (r *rebalanceCoordinator) assignManual(st *loopState, tps []TopicPartition) error {
	if !r.l.c.sub.IsManual() {
		return ErrNotManual
	}
	var added []TopicPartition
	for _, tp := range tps {
		if _, ok := st.manual[tp]; !ok {
			added = append(added, tp)
		}
	}
	if len(added) == 0 {
		return nil
	}
	all := append(manualSet(st), added...)
	if err := r.l.broker.AssignManually(all); err != nil {
		return err
	}
	for _, tp := range added {
		st.manual[tp] = struct{}{}
	}
	return r.assign(added)
}

func (r *rebalanceCoordinator) revokeManual(st *loopState, tps []TopicPartition) error {
	if !r.l.c.sub.IsManual() {
		return ErrNotManual
	}
	var gone []TopicPartition
	for _, tp := range tps {
		if _, ok := st.manual[tp]; ok {
			gone = append(gone, tp)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	r.OnPartitionsRevoked(gone)
	for _, tp := range gone {
		delete(st.manual, tp)
	}
	return r.l.broker.AssignManually(manualSet(st))
}

func manualSet(st *loopState) []TopicPartition {
	out := make([]TopicPartition, 0, len(st.manual))
	for tp := range st.manual {
		out = append(out, tp)
	}
	sortPartitions(out)
	return out
}
