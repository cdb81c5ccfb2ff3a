package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkedin/goavro/v2"
	"google.golang.org/protobuf/proto"
)

// Deserializer turns raw key or value bytes of a topic into T.
type Deserializer[T any] interface {
	Deserialize(topic string, data []byte) (T, error)
}

type DeserializerFunc[T any] func(topic string, data []byte) (T, error)

func (f DeserializerFunc[T]) Deserialize(topic string, data []byte) (T, error) {
	return f(topic, data)
}

// Bytes passes data through unchanged.
func Bytes() Deserializer[[]byte] {
	return DeserializerFunc[[]byte](func(_ string, data []byte) ([]byte, error) { return data, nil })
}

func String() Deserializer[string] {
	return DeserializerFunc[string](func(_ string, data []byte) (string, error) { return string(data), nil })
}

// JSON decodes data into a fresh T. Empty data yields the zero value.
func JSON[T any]() Deserializer[T] {
	return DeserializerFunc[T](func(_ string, data []byte) (T, error) {
		var v T
		if len(data) == 0 {
			return v, nil
		}
		err := json.Unmarshal(data, &v)
		return v, err
	})
}

// Proto decodes data with proto.Unmarshal into the message returned by newT.
func Proto[T proto.Message](newT func() T) Deserializer[T] {
	return DeserializerFunc[T](func(_ string, data []byte) (T, error) {
		m := newT()
		if err := proto.Unmarshal(data, m); err != nil {
			var zero T
			return zero, err
		}
		return m, nil
	})
}

// Avro decodes binary Avro (no container, no schema-registry prefix) to the
// goavro native form: map[string]any for records.
func Avro(schema string) (Deserializer[any], error) {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, fmt.Errorf("avro schema: %w", err)
	}
	return DeserializerFunc[any](func(_ string, data []byte) (any, error) {
		native, rest, err := codec.NativeFromBinary(data)
		if err != nil {
			return nil, err
		}
		if len(rest) > 0 {
			return nil, fmt.Errorf("avro: %d trailing bytes", len(rest))
		}
		return native, nil
	}), nil
}

// DecodePolicy decides what a deserialization failure does to a TypedStream.
type DecodePolicy int

const (
	// DecodeTolerant reports the failure on the element and continues.
	DecodeTolerant DecodePolicy = iota
	// DecodeStrict ends the stream with a KindDeserialization error.
	DecodeStrict
)

// Decoded is one element of a TypedStream. Offset is set even when Err is,
// so a skipped record can still be committed.
type Decoded[K, V any] struct {
	Key       K
	Value     V
	Headers   []Header
	Timestamp time.Time
	Offset    Offset
	Err       error
}

// TypedStream is a partition stream with keys and values decoded.
type TypedStream[K, V any] struct {
	src *PartitionStream
	out chan Decoded[K, V]
	err error
}

// Decode starts a goroutine that decodes ps until it ends, ctx is done or,
// under DecodeStrict, until the first failure. Records left over are
// discarded uncommitted.
func Decode[K, V any](ctx context.Context, ps *PartitionStream, keys Deserializer[K], values Deserializer[V], policy DecodePolicy) *TypedStream[K, V] {
	ts := &TypedStream[K, V]{src: ps, out: make(chan Decoded[K, V], cap(ps.records))}
	go ts.run(ctx, keys, values, policy)
	return ts
}

func (ts *TypedStream[K, V]) run(ctx context.Context, keys Deserializer[K], values Deserializer[V], policy DecodePolicy) {
	tp := ts.src.tp
	for rec := range ts.src.Records() {
		if ctx.Err() != nil {
			ts.abort(ctx.Err())
			return
		}
		d := Decoded[K, V]{Headers: rec.Headers, Timestamp: rec.Timestamp, Offset: rec.CommitOffset()}
		var err error
		if d.Key, err = keys.Deserialize(rec.Topic, rec.Key); err != nil {
			err = fmt.Errorf("key at offset %d: %w", rec.Offset, err)
		} else if d.Value, err = values.Deserialize(rec.Topic, rec.Value); err != nil {
			err = fmt.Errorf("value at offset %d: %w", rec.Offset, err)
		}
		if err != nil {
			e := newError(KindDeserialization, &tp, err)
			if policy == DecodeStrict {
				ts.abort(e)
				return
			}
			d.Err = e
		}
		select {
		case ts.out <- d:
		case <-ctx.Done():
			ts.abort(ctx.Err())
			return
		}
	}
	ts.err = ts.src.Err()
	close(ts.out)
}

// abort ends the typed stream with err and discards the rest of the source;
// the next owner of the partition re-reads it.
func (ts *TypedStream[K, V]) abort(err error) {
	ts.err = err
	close(ts.out)
	for range ts.src.Records() {
	}
}

func (ts *TypedStream[K, V]) TopicPartition() TopicPartition { return ts.src.tp }

func (ts *TypedStream[K, V]) Records() <-chan Decoded[K, V] { return ts.out }

// Err is valid once Records is closed.
func (ts *TypedStream[K, V]) Err() error { return ts.err }
