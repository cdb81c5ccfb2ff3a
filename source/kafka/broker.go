package kafka

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Broker is the client capability the run-loop drives. Implementations are
// not required to be safe for concurrent use: every method is called from the
// run-loop goroutine only.
type Broker interface {
	// Subscribe joins the group for the subscription's topics or pattern.
	// l is invoked synchronously from within Poll.
	Subscribe(sub Subscription, l RebalanceListener) error
	// AssignManually replaces the manual assignment.
	AssignManually(tps []TopicPartition) error
	// Poll returns the records fetched within timeout, grouped per partition
	// in increasing offset order.
	Poll(ctx context.Context, timeout time.Duration) (map[TopicPartition][]Record, error)
	// CommitAsync commits processed positions; the broker stores position+1.
	// The returned channel yields exactly one result.
	CommitAsync(positions map[TopicPartition]int64) <-chan error
	// Seek moves the next fetch position of assigned partitions.
	Seek(positions map[TopicPartition]int64) error
	Pause(tps []TopicPartition)
	Resume(tps []TopicPartition)
	Close() error
}

// RebalanceListener is invoked by the broker during Poll and must return
// before Poll does.
type RebalanceListener interface {
	OnPartitionsAssigned(tps []TopicPartition)
	OnPartitionsRevoked(tps []TopicPartition)
}

type subscriptionKind int

const (
	subscribeTopics subscriptionKind = iota + 1
	subscribePattern
	subscribeManual
)

// Subscription describes which partitions the consumer reads.
type Subscription struct {
	kind       subscriptionKind
	topics     []string
	pattern    *regexp.Regexp
	partitions []TopicPartition
}

// Topics subscribes through the consumer group to whole topics.
func Topics(topics ...string) Subscription {
	return Subscription{kind: subscribeTopics, topics: topics}
}

// Pattern subscribes through the consumer group to every topic matching re.
func Pattern(re *regexp.Regexp) Subscription {
	return Subscription{kind: subscribePattern, pattern: re}
}

// Manual assigns partitions directly, without group membership.
func Manual(tps ...TopicPartition) Subscription {
	return Subscription{kind: subscribeManual, partitions: tps}
}

func (s Subscription) IsManual() bool               { return s.kind == subscribeManual }
func (s Subscription) TopicNames() []string         { return s.topics }
func (s Subscription) Regexp() *regexp.Regexp       { return s.pattern }
func (s Subscription) Partitions() []TopicPartition { return s.partitions }
func (s Subscription) valid() bool                  { return s.kind != 0 }

func (s Subscription) String() string {
	switch s.kind {
	case subscribeTopics:
		return "topics(" + strings.Join(s.topics, ",") + ")"
	case subscribePattern:
		return "pattern(" + s.pattern.String() + ")"
	case subscribeManual:
		parts := make([]string, len(s.partitions))
		for i, tp := range s.partitions {
			parts[i] = tp.String()
		}
		return "manual(" + strings.Join(parts, ",") + ")"
	}
	return fmt.Sprintf("subscription(%d)", s.kind)
}

// StartFrom is where a partition without a committed offset begins.
type StartFrom int

const (
	StartLatest StartFrom = iota
	StartEarliest
)

// OffsetLookup returns starting positions for the given partitions. A
// partition missing from the result counts as a lookup failure.
type OffsetLookup func(ctx context.Context, tps []TopicPartition) (map[TopicPartition]int64, error)

// OffsetRetrieval decides the starting position of newly assigned partitions.
type OffsetRetrieval struct {
	start  StartFrom
	lookup OffsetLookup
}

// AutoOffsets resumes from the committed offset, falling back to start.
func AutoOffsets(start StartFrom) OffsetRetrieval { return OffsetRetrieval{start: start} }

// ManualOffsets evaluates lookup once per newly assigned partition.
func ManualOffsets(lookup OffsetLookup) OffsetRetrieval { return OffsetRetrieval{lookup: lookup} }

func (r OffsetRetrieval) Start() StartFrom { return r.start }
func (r OffsetRetrieval) IsManual() bool   { return r.lookup != nil }
