package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestDeserializers(t *testing.T) {
	b, err := Bytes().Deserialize("t", []byte{1, 2})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, b)

	s, err := String().Deserialize("t", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, "hi", s)

	type order struct {
		ID  string `json:"id"`
		Qty int    `json:"qty"`
	}
	o, err := JSON[order]().Deserialize("t", []byte(`{"id":"a","qty":2}`))
	require.NoError(t, err)
	require.Equal(t, order{ID: "a", Qty: 2}, o)
	_, err = JSON[order]().Deserialize("t", []byte(`{`))
	require.Error(t, err)

	raw, err := proto.Marshal(wrapperspb.String("payload"))
	require.NoError(t, err)
	pm, err := Proto(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }).Deserialize("t", raw)
	require.NoError(t, err)
	require.Equal(t, "payload", pm.GetValue())
}

func TestAvroDeserializer(t *testing.T) {
	const schema = `{"type":"record","name":"Order","fields":[{"name":"id","type":"string"},{"name":"qty","type":"long"}]}`
	codec, err := goavro.NewCodec(schema)
	require.NoError(t, err)
	bin, err := codec.BinaryFromNative(nil, map[string]any{"id": "a", "qty": int64(3)})
	require.NoError(t, err)

	d, err := Avro(schema)
	require.NoError(t, err)
	v, err := d.Deserialize("orders", bin)
	require.NoError(t, err)
	rec := v.(map[string]any)
	require.Equal(t, "a", rec["id"])
	require.Equal(t, int64(3), rec["qty"])

	_, err = d.Deserialize("orders", append(bin, 0))
	require.Error(t, err)
	_, err = Avro(`{"type":"nope"}`)
	require.Error(t, err)
}

func typedSource(t *testing.T, values ...string) *PartitionStream {
	t.Helper()
	r := newStreamRegistry(len(values), nil)
	s, err := r.register(tp0, 1)
	require.NoError(t, err)
	var in []Record
	for i, v := range values {
		in = append(in, Record{Topic: tp0.Topic, Partition: tp0.Partition, Offset: int64(i), Value: []byte(v)})
	}
	r.deliver(tp0, in)
	r.finish(nil)
	return s
}

func TestDecode_Tolerant(t *testing.T) {
	ts := Decode(t.Context(), typedSource(t, `1`, `x`, `3`), Bytes(), JSON[int](), DecodeTolerant)
	var vals []int
	var failed []int64
	for d := range ts.Records() {
		if d.Err != nil {
			require.True(t, IsKind(d.Err, KindDeserialization))
			failed = append(failed, d.Offset.Position)
			continue
		}
		vals = append(vals, d.Value)
	}
	require.Equal(t, []int{1, 3}, vals)
	require.Equal(t, []int64{1}, failed)
	require.NoError(t, ts.Err())
}

func TestDecode_Strict(t *testing.T) {
	ts := Decode(t.Context(), typedSource(t, `1`, `x`, `3`), Bytes(), JSON[int](), DecodeStrict)
	var vals []int
	for d := range ts.Records() {
		vals = append(vals, d.Value)
	}
	require.Equal(t, []int{1}, vals)
	require.True(t, IsKind(ts.Err(), KindDeserialization))
	require.Equal(t, tp0, ts.TopicPartition())
}

func TestDecode_CancelReleasesSource(t *testing.T) {
	r := newStreamRegistry(1, nil)
	s, err := r.register(tp0, 1)
	require.NoError(t, err)
	var in []Record
	for i := range 3 {
		in = append(in, Record{Topic: tp0.Topic, Partition: tp0.Partition, Offset: int64(i), Value: []byte("v")})
	}
	r.deliver(tp0, in)

	ctx, cancel := context.WithCancel(t.Context())
	ts := Decode(ctx, s, Bytes(), Bytes(), DecodeTolerant)
	// Nobody reads ts: the decoder ends up blocked on its full output.
	require.Eventually(t, func() bool {
		r.flush(tp0)
		st, _ := r.get(tp0)
		return len(st.backlog) == 0 && len(s.records) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return len(s.records) == 0 }, time.Second, time.Millisecond)
	r.finish(nil)

	var got []int64
	for d := range ts.Records() {
		got = append(got, d.Offset.Position)
	}
	require.Equal(t, []int64{0}, got)
	require.ErrorIs(t, ts.Err(), context.Canceled)
}
