package kafka

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.Itoa(int(tp.Partition))
}

// ParseTopicPartition parses the "topic:partition" form used in config files
// and on the admin API.
func ParseTopicPartition(s string) (TopicPartition, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return TopicPartition{}, fmt.Errorf("kafka: partition %q: want topic:partition", s)
	}
	p, err := strconv.ParseInt(s[i+1:], 10, 32)
	if err != nil || p < 0 {
		return TopicPartition{}, fmt.Errorf("kafka: partition %q: bad partition number", s)
	}
	return TopicPartition{Topic: s[:i], Partition: int32(p)}, nil
}

func sortPartitions(tps []TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}

// groupByTopic converts to the topic -> partitions shape both client libraries use.
func groupByTopic(tps []TopicPartition) map[string][]int32 {
	out := make(map[string][]int32, len(tps))
	for _, tp := range tps {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

func flattenTopics(m map[string][]int32) []TopicPartition {
	var out []TopicPartition
	for t, ps := range m {
		for _, p := range ps {
			out = append(out, TopicPartition{Topic: t, Partition: p})
		}
	}
	sortPartitions(out)
	return out
}

type Header struct {
	Key   string
	Value []byte
}

// Record is a raw record as returned by a Broker poll.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// CommittableRecord is what a PartitionStream yields: the raw record plus the
// Offset that acknowledges it.
type CommittableRecord struct {
	Record
	offset Offset
}

// CommitOffset returns the acknowledgement for this record.
func (r CommittableRecord) CommitOffset() Offset { return r.offset }
