package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"partstream/internal/spec"
	"partstream/sink"
	"partstream/source/kafka"
	"partstream/source/kafka/kafkatest"
)

var t0 = kafkatest.TP("T", 0)

type captureSink struct {
	mu      sync.Mutex
	pushed  []*sink.Frame
	ackFn   sink.EmitFn
	autoAck bool
	fail    error
}

func (c *captureSink) Configure(any) error { return nil }
func (c *captureSink) Push(f *sink.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.pushed = append(c.pushed, f)
	if c.autoAck && c.ackFn != nil {
		c.ackFn(f.Checkpoint)
	}
	return nil
}
func (c *captureSink) Close() error           { return nil }
func (c *captureSink) BindAck(fn sink.EmitFn) { c.ackFn = fn }

func (c *captureSink) frames() []*sink.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sink.Frame(nil), c.pushed...)
}

// plainSink does not implement sink.AckAware.
type plainSink struct{ n int }

func (p *plainSink) Configure(any) error { return nil }
func (p *plainSink) Push(*sink.Frame) error {
	p.n++
	return nil
}
func (p *plainSink) Close() error { return nil }

func consumerConfig() kafka.Config {
	cfg := kafka.DefaultConfig()
	cfg.GroupID = "g"
	cfg.Topics = []string{"T"}
	cfg.Consumer.PollTimeout = 2 * time.Millisecond
	cfg.Consumer.CommitInterval = 2 * time.Millisecond
	cfg.Consumer.ShutdownTimeout = time.Second
	return cfg
}

func newRunner(t *testing.T, b *kafkatest.Broker, f spec.File, sinks ...sink.Adapter) *Runner {
	t.Helper()
	c, err := kafka.NewConsumer(b, consumerConfig())
	require.NoError(t, err)
	f.CommitEveryMS = 2
	r, err := Build(c, f)
	require.NoError(t, err)
	for i, s := range sinks {
		r.AddSink([]string{"a", "b", "c"}[i], s)
	}
	return r
}

func run(t *testing.T, r *Runner) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return done
}

func TestRunner_AcknowledgedFramesAreCommitted(t *testing.T) {
	b := kafkatest.New(kafkatest.Step{Assign: []kafka.TopicPartition{t0}, Records: kafkatest.Records("T", 0, 0, 5)})
	cs := &captureSink{autoAck: true}
	r := newRunner(t, b, spec.File{}, cs)
	done := run(t, r)

	require.Eventually(t, func() bool { return b.Committed()[t0] == 4 }, 2*time.Second, time.Millisecond)
	frames := cs.frames()
	require.Len(t, frames, 5)
	require.Equal(t, []byte{3}, frames[3].Value)
	require.EqualValues(t, 3, frames[3].Checkpoint.Position)

	require.NoError(t, r.Shutdown(t.Context()))
	require.NoError(t, <-done)
}

func TestRunner_OutOfOrderAcksCommitContiguousPrefix(t *testing.T) {
	b := kafkatest.New(kafkatest.Step{Assign: []kafka.TopicPartition{t0}, Records: kafkatest.Records("T", 0, 0, 3)})
	cs := &captureSink{}
	r := newRunner(t, b, spec.File{}, cs)
	run(t, r)

	require.Eventually(t, func() bool { return len(cs.frames()) == 3 }, 2*time.Second, time.Millisecond)
	frames := cs.frames()
	r.Ack(frames[2].Checkpoint)
	r.Ack(frames[1].Checkpoint)
	time.Sleep(20 * time.Millisecond)
	_, committed := b.Committed()[t0]
	require.False(t, committed, "offset 0 is still unacknowledged")

	r.Ack(frames[0].Checkpoint)
	require.Eventually(t, func() bool { return b.Committed()[t0] == 2 }, 2*time.Second, time.Millisecond)
}

func TestRunner_WaitsForEverySink(t *testing.T) {
	b := kafkatest.New(kafkatest.Step{Assign: []kafka.TopicPartition{t0}, Records: kafkatest.Records("T", 0, 0, 1)})
	slow := &captureSink{}
	plain := &plainSink{}
	r := newRunner(t, b, spec.File{}, slow, plain)
	run(t, r)

	require.Eventually(t, func() bool { return len(slow.frames()) == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, b.Committed(), "plain sink alone must not release the frame")
	r.Ack(slow.frames()[0].Checkpoint)
	require.Eventually(t, func() bool {
		pos, ok := b.Committed()[t0]
		return ok && pos == 0
	}, 2*time.Second, time.Millisecond)
}

func TestRunner_SinkFailureStopsPipeline(t *testing.T) {
	b := kafkatest.New(kafkatest.Step{Assign: []kafka.TopicPartition{t0}, Records: kafkatest.Records("T", 0, 0, 1)})
	boom := errors.New("disk full")
	r := newRunner(t, b, spec.File{}, &captureSink{fail: boom})
	done := run(t, r)

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("runner kept going after a sink failure")
	}
	require.Equal(t, kafka.StateStopped, r.Consumer().State())
}

func TestRunner_StrictDecodeFailure(t *testing.T) {
	recs := []kafka.Record{
		{Topic: "T", Partition: 0, Offset: 0, Value: []byte(`{"a":1}`)},
		{Topic: "T", Partition: 0, Offset: 1, Value: []byte(`x`)},
	}
	b := kafkatest.New(kafkatest.Step{Assign: []kafka.TopicPartition{t0}, Records: recs})
	cs := &captureSink{autoAck: true}
	f := spec.File{Decode: spec.DecodeSpec{Key: "bytes", Value: "json", Strict: true}}
	r := newRunner(t, b, f, cs)
	done := run(t, r)

	select {
	case err := <-done:
		require.True(t, kafka.IsKind(err, kafka.KindDeserialization), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("strict decode failure did not stop the runner")
	}
	frames := cs.frames()
	require.Len(t, frames, 1)
	require.Equal(t, map[string]any{"a": float64(1)}, frames[0].Value)
}

func TestRunner_TolerantDecodeSkipsButCommits(t *testing.T) {
	recs := []kafka.Record{
		{Topic: "T", Partition: 0, Offset: 0, Value: []byte(`x`)},
		{Topic: "T", Partition: 0, Offset: 1, Value: []byte(`"ok"`)},
	}
	b := kafkatest.New(kafkatest.Step{Assign: []kafka.TopicPartition{t0}, Records: recs})
	cs := &captureSink{autoAck: true}
	r := newRunner(t, b, spec.File{Decode: spec.DecodeSpec{Value: "json"}}, cs)
	run(t, r)

	require.Eventually(t, func() bool { return b.Committed()[t0] == 1 }, 2*time.Second, time.Millisecond)
	require.Len(t, cs.frames(), 1)
	require.Equal(t, "ok", cs.frames()[0].Value)
}

func TestRunner_RequiresSinks(t *testing.T) {
	c, err := kafka.NewConsumer(kafkatest.New(), consumerConfig())
	require.NoError(t, err)
	require.Error(t, NewRunner(c, Options{}).Run(t.Context()))
}

func TestBuild_RejectsUnknownPieces(t *testing.T) {
	c, err := kafka.NewConsumer(kafkatest.New(), consumerConfig())
	require.NoError(t, err)
	_, err = Build(c, spec.File{Sinks: []string{"nowhere"}})
	require.Error(t, err)
	_, err = Build(c, spec.File{Decode: spec.DecodeSpec{Value: "xml"}})
	require.Error(t, err)
	_, err = Build(c, spec.File{Decode: spec.DecodeSpec{Value: "avro", AvroSchema: `{"type":"nope"}`}})
	require.Error(t, err)

	r, err := Build(c, spec.File{Sinks: []string{"stdout"}})
	require.NoError(t, err)
	require.Len(t, r.sinks, 1)
}
