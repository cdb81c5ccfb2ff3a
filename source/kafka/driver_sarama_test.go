package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestSaramaDriver_ToRecord(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	msg := &sarama.ConsumerMessage{
		Topic: "t", Partition: 2, Offset: 99, Key: []byte("k"), Value: []byte("v"), Timestamp: ts,
		Headers: []*sarama.RecordHeader{{Key: []byte("trace"), Value: []byte("abc")}},
	}
	r := toRecord(msg)
	if r.Topic != "t" || r.Partition != 2 || r.Offset != 99 || string(r.Key) != "k" || string(r.Value) != "v" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if !r.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v", r.Timestamp)
	}
	if len(r.Headers) != 1 || r.Headers[0].Key != "trace" || string(r.Headers[0].Value) != "abc" {
		t.Fatalf("unexpected headers: %+v", r.Headers)
	}
	if toHeaders(nil) != nil {
		t.Fatal("no headers should map to nil")
	}
}

func TestSaramaDriver_AddDropsStaleGenerations(t *testing.T) {
	d := &SaramaDriver{parts: map[TopicPartition]*manualPart{
		{Topic: "m", Partition: 0}: {gen: 3},
	}}
	out := make(map[TopicPartition][]Record)
	revoked := map[TopicPartition]struct{}{{Topic: "r", Partition: 0}: {}}

	msg := func(topic string, off int64) *sarama.ConsumerMessage {
		return &sarama.ConsumerMessage{Topic: topic, Partition: 0, Offset: off}
	}
	n := d.add(out, tagged{gen: 3, msg: msg("m", 1)}, revoked)
	n += d.add(out, tagged{gen: 2, msg: msg("m", 2)}, revoked)  // restarted consumer
	n += d.add(out, tagged{gen: -1, msg: msg("r", 1)}, revoked) // revoked in this poll
	n += d.add(out, tagged{gen: 7, msg: msg("g", 1)}, revoked)  // no session

	if n != 1 || len(out) != 1 || len(out[TopicPartition{Topic: "m"}]) != 1 {
		t.Fatalf("kept %d records: %+v", n, out)
	}
}

func TestSaramaDriver_CommitErrors(t *testing.T) {
	resp := &sarama.OffsetCommitResponse{}
	resp.AddError("t", 0, sarama.ErrNoError)
	if err := commitErrors(resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.AddError("t", 1, sarama.ErrIllegalGeneration)
	err := commitErrors(resp)
	if !errors.Is(err, sarama.ErrIllegalGeneration) {
		t.Fatalf("want illegal generation, got %v", err)
	}
}

func TestSaramaDriver_CommitVersion(t *testing.T) {
	cases := map[sarama.KafkaVersion]int16{
		sarama.V0_8_2_0:  1,
		sarama.V0_10_2_0: 2,
		sarama.V1_0_0_0:  3,
		sarama.V2_8_0_0:  4,
	}
	for v, want := range cases {
		if got := commitVersion(v); got != want {
			t.Fatalf("commitVersion(%s) = %d, want %d", v, got, want)
		}
	}
}

func TestKgoDriver_FromKgo(t *testing.T) {
	r := fromKgo(&kgo.Record{
		Topic: "t", Partition: 1, Offset: 5, Value: []byte("x"),
		Headers: []kgo.RecordHeader{{Key: "h", Value: []byte("1")}},
	})
	if r.TopicPartition() != (TopicPartition{Topic: "t", Partition: 1}) || r.Offset != 5 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if len(r.Headers) != 1 || r.Headers[0].Key != "h" {
		t.Fatalf("unexpected headers: %+v", r.Headers)
	}
}

func TestKgoDriver_CommitResponseErr(t *testing.T) {
	resp := kmsg.NewPtrOffsetCommitResponse()
	topic := kmsg.NewOffsetCommitResponseTopic()
	topic.Topic = "t"
	ok := kmsg.NewOffsetCommitResponseTopicPartition()
	ok.Partition = 0
	bad := kmsg.NewOffsetCommitResponseTopicPartition()
	bad.Partition = 1
	bad.ErrorCode = kerr.RebalanceInProgress.Code
	topic.Partitions = append(topic.Partitions, ok, bad)
	resp.Topics = append(resp.Topics, topic)

	if err := commitResponseErr(resp); !errors.Is(err, kerr.RebalanceInProgress) {
		t.Fatalf("want rebalance in progress, got %v", err)
	}
	if err := commitResponseErr(nil); err != nil {
		t.Fatalf("nil response: %v", err)
	}
}

func TestRegistry_BuiltinDrivers(t *testing.T) {
	for _, name := range []string{"kgo", "sarama"} {
		d, err := NewDriver(name)
		if err != nil || d == nil {
			t.Fatalf("NewDriver(%q): %v", name, err)
		}
	}
	if _, err := NewDriver("confluent"); err == nil {
		t.Fatal("unknown driver should fail")
	}
	got := Drivers()
	if len(got) < 2 || got[0] != "kgo" || got[1] != "sarama" {
		t.Fatalf("Drivers() = %v", got)
	}
}
