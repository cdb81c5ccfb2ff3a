package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"partstream/internal/logging"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

func init() { Register("kgo", func() Driver { return &KgoDriver{} }) }

var errClientClosed = errors.New("kgo-driver: client closed")

// KgoDriver is a Broker on twmb/franz-go. Group callbacks arrive on the
// client's own goroutines and are handed to Poll.
type KgoDriver struct {
	cfg  Config
	base []kgo.Opt
	cl   *kgo.Client
	adm  *kadm.Client

	hand     *handoff
	listener RebalanceListener
	manual   map[TopicPartition]struct{}
}

func (d *KgoDriver) Configure(config Config) error {
	d.cfg = config
	opts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.ClientID(config.ClientID),
		kgo.WithLogger(kgoLogger{}),
	}
	switch config.startFrom() {
	case StartEarliest:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	if config.TLSEn {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if config.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: config.SASLUser, Pass: config.SASLPass}.AsMechanism()))
	}
	d.base = opts
	d.hand = newHandoff(config.Consumer.RebalanceTimeout)
	d.manual = make(map[TopicPartition]struct{})
	return nil
}

func (d *KgoDriver) Subscribe(sub Subscription, l RebalanceListener) error {
	if sub.IsManual() {
		return errors.New("kgo-driver: manual subscriptions go through AssignManually")
	}
	opts := append([]kgo.Opt{}, d.base...)
	opts = append(opts,
		kgo.ConsumerGroup(d.cfg.GroupID),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(d.onAssigned),
		kgo.OnPartitionsRevoked(d.onRevoked),
		kgo.OnPartitionsLost(d.onRevoked),
	)
	if d.cfg.Consumer.RebalanceTimeout > 0 {
		opts = append(opts, kgo.RebalanceTimeout(d.cfg.Consumer.RebalanceTimeout))
	}
	if re := sub.Regexp(); re != nil {
		opts = append(opts, kgo.ConsumeRegex(), kgo.ConsumeTopics(re.String()))
	} else {
		opts = append(opts, kgo.ConsumeTopics(sub.TopicNames()...))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return err
	}
	d.cl, d.listener = cl, l
	d.adm = kadm.NewClient(cl)
	return nil
}

func (d *KgoDriver) onAssigned(_ context.Context, _ *kgo.Client, m map[string][]int32) {
	d.hand.deliver(rebalanceAssigned, flattenTopics(m))
}

func (d *KgoDriver) onRevoked(_ context.Context, _ *kgo.Client, m map[string][]int32) {
	d.hand.deliver(rebalanceRevoked, flattenTopics(m))
}

func (d *KgoDriver) AssignManually(tps []TopicPartition) error {
	if d.cl == nil {
		cl, err := kgo.NewClient(d.base...)
		if err != nil {
			return err
		}
		d.cl = cl
		d.adm = kadm.NewClient(cl)
	}
	want := make(map[TopicPartition]struct{}, len(tps))
	var added []TopicPartition
	for _, tp := range tps {
		want[tp] = struct{}{}
		if _, ok := d.manual[tp]; !ok {
			added = append(added, tp)
		}
	}
	var removed []TopicPartition
	for tp := range d.manual {
		if _, ok := want[tp]; !ok {
			removed = append(removed, tp)
		}
	}
	if len(removed) > 0 {
		d.cl.RemoveConsumePartitions(groupByTopic(removed))
		for _, tp := range removed {
			delete(d.manual, tp)
		}
	}
	if len(added) == 0 {
		return nil
	}
	starts, err := d.committed(added)
	if err != nil {
		return err
	}
	d.cl.AddConsumePartitions(starts)
	for _, tp := range added {
		d.manual[tp] = struct{}{}
	}
	return nil
}

// committed resolves the start of manual partitions: the group's committed
// offset, else the reset policy.
func (d *KgoDriver) committed(tps []TopicPartition) (map[string]map[int32]kgo.Offset, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Consumer.CommitTimeout)
	defer cancel()
	resps, err := d.adm.FetchOffsets(ctx, d.cfg.GroupID)
	if err != nil {
		return nil, err
	}
	reset := kgo.NewOffset().AtEnd()
	if d.cfg.startFrom() == StartEarliest {
		reset = kgo.NewOffset().AtStart()
	}
	out := make(map[string]map[int32]kgo.Offset)
	for _, tp := range tps {
		at := reset
		if r, ok := resps.Lookup(tp.Topic, tp.Partition); ok && r.Err == nil && r.At >= 0 {
			at = kgo.NewOffset().At(r.At)
		}
		if out[tp.Topic] == nil {
			out[tp.Topic] = make(map[int32]kgo.Offset)
		}
		out[tp.Topic][tp.Partition] = at
	}
	return out, nil
}

func (d *KgoDriver) Poll(ctx context.Context, timeout time.Duration) (map[TopicPartition][]Record, error) {
	out := make(map[TopicPartition][]Record)
	revoked := make(map[TopicPartition]struct{})
	d.hand.dispatchReady(d.listener, revoked)

	pctx, cancel := d.hand.pollContext(ctx, timeout)
	fetches := d.cl.PollFetches(pctx)
	cancel()
	d.hand.dispatchReady(d.listener, revoked)

	if fetches.IsClientClosed() {
		return out, errClientClosed
	}
	var errs []error
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s-%d: %w", fe.Topic, fe.Partition, fe.Err))
	}
	fetches.EachRecord(func(r *kgo.Record) {
		tp := TopicPartition{Topic: r.Topic, Partition: r.Partition}
		if _, ok := revoked[tp]; ok {
			return
		}
		out[tp] = append(out[tp], fromKgo(r))
	})
	if len(errs) > 0 {
		if len(out) == 0 {
			return out, errors.Join(errs...)
		}
		logging.L().Warn("kgo-driver: partial fetch errors", "err", errors.Join(errs...))
	}
	if err := ctx.Err(); err != nil && len(out) == 0 {
		return out, err
	}
	return out, nil
}

func (d *KgoDriver) CommitAsync(positions map[TopicPartition]int64) <-chan error {
	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Consumer.CommitTimeout)
	if d.listener == nil {
		go func() {
			defer cancel()
			done <- d.commitManual(ctx, positions)
		}()
		return done
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for tp, pos := range positions {
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: pos + 1}
	}
	go d.cl.CommitOffsets(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		defer cancel()
		if err == nil {
			err = commitResponseErr(resp)
		}
		done <- err
	})
	return done
}

func commitResponseErr(resp *kmsg.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	var errs []error
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				errs = append(errs, fmt.Errorf("%s-%d: %w", t.Topic, p.Partition, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *KgoDriver) commitManual(ctx context.Context, positions map[TopicPartition]int64) error {
	commits := make(kadm.Offsets)
	for tp, pos := range positions {
		if commits[tp.Topic] == nil {
			commits[tp.Topic] = make(map[int32]kadm.Offset)
		}
		commits[tp.Topic][tp.Partition] = kadm.Offset{Topic: tp.Topic, Partition: tp.Partition, At: pos + 1, LeaderEpoch: -1}
	}
	resps, err := d.adm.CommitOffsets(ctx, d.cfg.GroupID, commits)
	if err != nil {
		return err
	}
	return resps.Error()
}

func (d *KgoDriver) Seek(positions map[TopicPartition]int64) error {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for tp, pos := range positions {
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: pos}
	}
	d.cl.SetOffsets(offsets)
	return nil
}

func (d *KgoDriver) Pause(tps []TopicPartition) { d.cl.PauseFetchPartitions(groupByTopic(tps)) }

func (d *KgoDriver) Resume(tps []TopicPartition) { d.cl.ResumeFetchPartitions(groupByTopic(tps)) }

// RebalancePending reports a group callback waiting for Poll.
func (d *KgoDriver) RebalancePending() bool { return d.hand != nil && d.hand.RebalancePending() }

func (d *KgoDriver) Close() error {
	if d.hand != nil {
		d.hand.close()
	}
	if d.cl != nil {
		d.cl.Close()
	}
	return nil
}

func fromKgo(r *kgo.Record) Record {
	var hs []Header
	if len(r.Headers) > 0 {
		hs = make([]Header, len(r.Headers))
		for i, h := range r.Headers {
			hs[i] = Header{Key: h.Key, Value: h.Value}
		}
	}
	return Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   hs,
		Timestamp: r.Timestamp,
	}
}

// kgoLogger forwards client logs to the process logger.
type kgoLogger struct{}

func (kgoLogger) Level() kgo.LogLevel {
	if logging.L().Enabled(context.Background(), slog.LevelDebug) {
		return kgo.LogLevelDebug
	}
	return kgo.LogLevelWarn
}

func (kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	l := logging.L()
	msg = "kgo: " + msg
	switch level {
	case kgo.LogLevelError:
		l.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.Warn(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.Info(msg, keyvals...)
	default:
		l.Debug(msg, keyvals...)
	}
}
