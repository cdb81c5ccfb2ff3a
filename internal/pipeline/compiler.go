package pipeline

import (
	"fmt"
	"time"

	"partstream/internal/config"
	"partstream/internal/spec"
	"partstream/sink"
	"partstream/sink/stdout"
	"partstream/source/kafka"
)

// Compile builds a runner for the pipeline file at path: the configured
// broker driver, a consumer over it and every sink.
func Compile(path string, opts ...kafka.Option) (*Runner, error) {
	pl, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	drv, err := kafka.NewDriver(pl.Spec.Source.Driver)
	if err != nil {
		return nil, err
	}
	if err := drv.Configure(pl.Kafka); err != nil {
		return nil, fmt.Errorf("driver %s: %w", pl.Spec.Source.Driver, err)
	}
	c, err := kafka.NewConsumer(drv, pl.Kafka, opts...)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	r, err := Build(c, pl.Spec)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	return r, nil
}

// Build wires decoders and sinks described by f around an existing consumer.
func Build(c *kafka.Consumer, f spec.File) (*Runner, error) {
	keys, values, err := decoders(f.Decode)
	if err != nil {
		return nil, err
	}
	policy := kafka.DecodeTolerant
	if f.Decode.Strict {
		policy = kafka.DecodeStrict
	}
	r := NewRunner(c, Options{
		Keys:        keys,
		Values:      values,
		Policy:      policy,
		CommitEvery: time.Duration(f.CommitEveryMS) * time.Millisecond,
		MaxInFlight: f.MaxInFlight,
	})

	for _, name := range f.Sinks {
		sDrv, err := sink.NewAdapter(name)
		if err != nil {
			return nil, err
		}

		switch name {
		case "stdout":
			err = sDrv.Configure(stdout.Config{
				DelayMS:       f.Debug.PerFrameDelayMS,
				PrintCounter:  f.Debug.PrintCounter,
				BatchSize:     f.Debug.AckBatchSize,
				FlushMS:       f.Debug.AckFlushMS,
				PrintValue:    f.SinkConfigs.Stdout.PrintValue,
				ValueMaxBytes: f.SinkConfigs.Stdout.ValueMaxBytes,
			})
		default:
			err = fmt.Errorf("no config block for sink %q", name)
		}
		if err != nil {
			return nil, err
		}
		r.AddSink(name, sDrv)
	}
	return r, nil
}

func decoders(d spec.DecodeSpec) (keys, values kafka.Deserializer[any], err error) {
	if keys, err = named(d.Key, ""); err != nil {
		return nil, nil, fmt.Errorf("decode.key: %w", err)
	}
	if values, err = named(d.Value, d.AvroSchema); err != nil {
		return nil, nil, fmt.Errorf("decode.value: %w", err)
	}
	return keys, values, nil
}

func named(name, avroSchema string) (kafka.Deserializer[any], error) {
	switch name {
	case "", "bytes":
		return erase(kafka.Bytes()), nil
	case "string":
		return erase(kafka.String()), nil
	case "json":
		return erase(kafka.JSON[any]()), nil
	case "avro":
		return kafka.Avro(avroSchema)
	}
	return nil, fmt.Errorf("unknown deserializer %q", name)
}

// erase adapts a typed deserializer to the runner's untyped frames.
func erase[T any](d kafka.Deserializer[T]) kafka.Deserializer[any] {
	return kafka.DeserializerFunc[any](func(topic string, data []byte) (any, error) {
		v, err := d.Deserialize(topic, data)
		return v, err
	})
}
