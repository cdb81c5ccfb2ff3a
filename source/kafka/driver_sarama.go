package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"partstream/internal/logging"

	"github.com/IBM/sarama"
)

func init() { Register("sarama", func() Driver { return &SaramaDriver{} }) }

// maxPollRecords bounds how many buffered messages one Poll hands over.
const maxPollRecords = 1024

type tagged struct {
	gen int32
	msg *sarama.ConsumerMessage
}

// manualPart is one manually assigned partition. pc is nil until the next
// Poll starts consuming at start.
type manualPart struct {
	pc     sarama.PartitionConsumer
	pom    sarama.PartitionOffsetManager
	gen    int32
	stop   chan struct{}
	start  int64
	paused bool
}

// SaramaDriver is a Broker on IBM/sarama. Group subscriptions run the
// sarama consumer group in the background and hand claims over through
// Poll; manual assignments use a plain consumer per partition.
type SaramaDriver struct {
	cfg Config
	sc  *sarama.Config
	cl  sarama.Client

	hand     *handoff
	listener RebalanceListener
	msgs     chan tagged
	errs     chan error
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	group sarama.ConsumerGroup
	mu    sync.Mutex
	sess  sarama.ConsumerGroupSession

	consumer sarama.Consumer
	om       sarama.OffsetManager
	parts    map[TopicPartition]*manualPart
	nextGen  int32
}

func (d *SaramaDriver) Configure(config Config) error {
	d.cfg = config
	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = config.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if config.Consumer.RebalanceTimeout > 0 {
		sc.Consumer.Group.Rebalance.Timeout = config.Consumer.RebalanceTimeout
	}
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.startFrom() {
	case StartEarliest:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	d.sc = sc

	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.hand = newHandoff(config.Consumer.RebalanceTimeout)
	d.msgs = make(chan tagged, sc.ChannelBufferSize)
	d.errs = make(chan error, 16)
	d.parts = make(map[TopicPartition]*manualPart)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return nil
}

func (d *SaramaDriver) Subscribe(sub Subscription, l RebalanceListener) error {
	if sub.IsManual() {
		return errors.New("sarama-driver: manual subscriptions go through AssignManually")
	}
	group, err := sarama.NewConsumerGroupFromClient(d.cfg.GroupID, d.cl)
	if err != nil {
		return err
	}
	d.group, d.listener = group, l
	d.wg.Add(2)
	go d.consume(sub)
	go func() {
		defer d.wg.Done()
		for err := range group.Errors() {
			d.pushErr(err)
		}
	}()
	return nil
}

func (d *SaramaDriver) consume(sub Subscription) {
	defer d.wg.Done()
	h := &groupHandler{driver: d}
	for {
		topics, err := d.resolve(sub)
		if err == nil && len(topics) == 0 {
			err = fmt.Errorf("sarama-driver: no topic matches %s", sub)
		}
		if err == nil {
			err = d.group.Consume(d.ctx, topics, h)
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || d.ctx.Err() != nil {
			return
		}
		if err != nil {
			d.pushErr(err)
			select {
			case <-time.After(d.sc.Consumer.Retry.Backoff):
			case <-d.ctx.Done():
				return
			}
		}
	}
}

// resolve expands a pattern subscription against the current metadata.
func (d *SaramaDriver) resolve(sub Subscription) ([]string, error) {
	re := sub.Regexp()
	if re == nil {
		return sub.TopicNames(), nil
	}
	if err := d.cl.RefreshMetadata(); err != nil {
		return nil, err
	}
	all, err := d.cl.Topics()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range all {
		if re.MatchString(t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *SaramaDriver) pushErr(err error) {
	select {
	case d.errs <- err:
	default:
		logging.L().Warn("sarama-driver: error dropped", "err", err)
	}
}

func (d *SaramaDriver) AssignManually(tps []TopicPartition) error {
	if d.consumer == nil {
		c, err := sarama.NewConsumerFromClient(d.cl)
		if err != nil {
			return err
		}
		om, err := sarama.NewOffsetManagerFromClient(d.cfg.GroupID, d.cl)
		if err != nil {
			_ = c.Close()
			return err
		}
		d.consumer, d.om = c, om
	}
	want := make(map[TopicPartition]struct{}, len(tps))
	for _, tp := range tps {
		want[tp] = struct{}{}
	}
	for tp, p := range d.parts {
		if _, ok := want[tp]; !ok {
			d.closePart(p)
			p.pom.AsyncClose()
			delete(d.parts, tp)
		}
	}
	for _, tp := range tps {
		if _, ok := d.parts[tp]; ok {
			continue
		}
		pom, err := d.om.ManagePartition(tp.Topic, tp.Partition)
		if err != nil {
			return err
		}
		next, _ := pom.NextOffset()
		d.parts[tp] = &manualPart{pom: pom, start: next}
	}
	return nil
}

// startPending starts consuming every manual partition not yet running.
func (d *SaramaDriver) startPending() error {
	for tp, p := range d.parts {
		if p.pc != nil {
			continue
		}
		pc, err := d.consumer.ConsumePartition(tp.Topic, tp.Partition, p.start)
		if err != nil {
			return fmt.Errorf("sarama-driver: consume %s: %w", tp, err)
		}
		d.nextGen++
		p.pc, p.gen, p.stop = pc, d.nextGen, make(chan struct{})
		if p.paused {
			pc.Pause()
		}
		d.wg.Add(2)
		go func(gen int32, stop <-chan struct{}) {
			defer d.wg.Done()
			for msg := range pc.Messages() {
				select {
				case d.msgs <- tagged{gen: gen, msg: msg}:
				case <-stop:
				}
			}
		}(p.gen, p.stop)
		go func() {
			defer d.wg.Done()
			for err := range pc.Errors() {
				d.pushErr(err)
			}
		}()
	}
	return nil
}

func (d *SaramaDriver) closePart(p *manualPart) {
	if p.pc == nil {
		return
	}
	close(p.stop)
	_ = p.pc.Close()
	p.pc = nil
}

func (d *SaramaDriver) Poll(ctx context.Context, timeout time.Duration) (map[TopicPartition][]Record, error) {
	out := make(map[TopicPartition][]Record)
	revoked := make(map[TopicPartition]struct{})
	d.hand.dispatchReady(d.listener, revoked)
	if err := d.startPending(); err != nil {
		return out, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case ev := <-d.hand.events:
			d.hand.dispatch(ev, d.listener, revoked)
		case m := <-d.msgs:
			n := d.add(out, m, revoked)
			for n < maxPollRecords {
				select {
				case m := <-d.msgs:
					n += d.add(out, m, revoked)
					continue
				default:
				}
				break
			}
			return out, nil
		case err := <-d.errs:
			return out, err
		case <-t.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// add keeps messages of the current claim or partition consumer only.
func (d *SaramaDriver) add(out map[TopicPartition][]Record, m tagged, revoked map[TopicPartition]struct{}) int {
	tp := TopicPartition{Topic: m.msg.Topic, Partition: m.msg.Partition}
	if _, ok := revoked[tp]; ok {
		return 0
	}
	if p, ok := d.parts[tp]; ok {
		if p.gen != m.gen {
			return 0
		}
	} else if gen, _ := d.identity(); gen != m.gen {
		return 0
	}
	out[tp] = append(out[tp], toRecord(m.msg))
	return 1
}

// identity returns the generation and member id commits are made under.
func (d *SaramaDriver) identity() (int32, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return -1, ""
	}
	return d.sess.GenerationID(), d.sess.MemberID()
}

func (d *SaramaDriver) CommitAsync(positions map[TopicPartition]int64) <-chan error {
	done := make(chan error, 1)
	gen, member := d.identity()
	go func() { done <- d.commit(gen, member, positions) }()
	return done
}

func (d *SaramaDriver) commit(gen int32, member string, positions map[TopicPartition]int64) error {
	req := &sarama.OffsetCommitRequest{
		Version:                 commitVersion(d.sc.Version),
		ConsumerGroup:           d.cfg.GroupID,
		ConsumerGroupGeneration: gen,
		ConsumerID:              member,
		RetentionTime:           -1,
	}
	for tp, pos := range positions {
		req.AddBlock(tp.Topic, tp.Partition, pos+1, 0, "")
	}
	coord, err := d.cl.Coordinator(d.cfg.GroupID)
	if err != nil {
		return err
	}
	resp, err := coord.CommitOffset(req)
	if err != nil {
		_ = d.cl.RefreshCoordinator(d.cfg.GroupID)
		return err
	}
	return commitErrors(resp)
}

func commitVersion(v sarama.KafkaVersion) int16 {
	switch {
	case v.IsAtLeast(sarama.V2_0_0_0):
		return 4
	case v.IsAtLeast(sarama.V0_11_0_0):
		return 3
	case v.IsAtLeast(sarama.V0_9_0_0):
		return 2
	}
	return 1
}

func commitErrors(resp *sarama.OffsetCommitResponse) error {
	var errs []error
	for topic, parts := range resp.Errors {
		for p, kerr := range parts {
			if !errors.Is(kerr, sarama.ErrNoError) {
				errs = append(errs, fmt.Errorf("%s-%d: %w", topic, p, kerr))
			}
		}
	}
	return errors.Join(errs...)
}

// Seek moves manual partitions to the given positions before the next Poll.
// In group mode it only takes effect during the assignment callback.
func (d *SaramaDriver) Seek(positions map[TopicPartition]int64) error {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	for tp, pos := range positions {
		if p, ok := d.parts[tp]; ok {
			d.closePart(p)
			p.start = pos
			continue
		}
		if sess == nil {
			return fmt.Errorf("sarama-driver: seek %s: %w", tp, ErrUnknownPartition)
		}
		sess.ResetOffset(tp.Topic, tp.Partition, pos, "")
	}
	return nil
}

func (d *SaramaDriver) Pause(tps []TopicPartition) {
	var group []TopicPartition
	for _, tp := range tps {
		if p, ok := d.parts[tp]; ok {
			p.paused = true
			if p.pc != nil {
				p.pc.Pause()
			}
			continue
		}
		group = append(group, tp)
	}
	if d.group != nil && len(group) > 0 {
		d.group.Pause(groupByTopic(group))
	}
}

func (d *SaramaDriver) Resume(tps []TopicPartition) {
	var group []TopicPartition
	for _, tp := range tps {
		if p, ok := d.parts[tp]; ok {
			p.paused = false
			if p.pc != nil {
				p.pc.Resume()
			}
			continue
		}
		group = append(group, tp)
	}
	if d.group != nil && len(group) > 0 {
		d.group.Resume(groupByTopic(group))
	}
}

// RebalancePending reports a claim change waiting for Poll.
func (d *SaramaDriver) RebalancePending() bool { return d.hand != nil && d.hand.RebalancePending() }

func (d *SaramaDriver) Close() error {
	if d.cl == nil {
		return nil
	}
	d.hand.close()
	d.cancel()
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	for tp, p := range d.parts {
		d.closePart(p)
		p.pom.AsyncClose()
		delete(d.parts, tp)
	}
	if d.om != nil {
		errs = append(errs, d.om.Close())
	}
	if d.consumer != nil {
		errs = append(errs, d.consumer.Close())
	}
	d.wg.Wait()
	errs = append(errs, d.cl.Close())
	return errors.Join(errs...)
}

type groupHandler struct {
	driver *SaramaDriver
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.driver.mu.Lock()
	h.driver.sess = sess
	h.driver.mu.Unlock()
	tps := flattenTopics(sess.Claims())
	logging.L().Info("sarama-driver: session setup", "generation", sess.GenerationID(), "partitions", len(tps))
	h.driver.hand.deliver(rebalanceAssigned, tps)
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	tps := flattenTopics(sess.Claims())
	h.driver.hand.deliver(rebalanceRevoked, tps)
	h.driver.mu.Lock()
	h.driver.sess = nil
	h.driver.mu.Unlock()
	logging.L().Info("sarama-driver: session cleanup", "generation", sess.GenerationID(), "partitions", len(tps))
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	gen := sess.GenerationID()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.driver.msgs <- tagged{gen: gen, msg: msg}:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

func toRecord(m *sarama.ConsumerMessage) Record {
	return Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   toHeaders(m.Headers),
		Timestamp: m.Timestamp,
	}
}

func toHeaders(src []*sarama.RecordHeader) []Header {
	if len(src) == 0 {
		return nil
	}
	out := make([]Header, 0, len(src))
	for _, h := range src {
		out = append(out, Header{Key: string(h.Key), Value: h.Value})
	}
	return out
}
