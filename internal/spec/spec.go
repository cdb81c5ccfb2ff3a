package spec

type sinkConfigs struct {
	Stdout stdoutSection `yaml:"stdout"`
}

type stdoutSection struct {
	PrintValue    bool `yaml:"print_value"`
	ValueMaxBytes int  `yaml:"value_max_bytes"`
}

type debugSection struct {
	PerFrameDelayMS int  `yaml:"per_frame_delay_ms"`
	PrintCounter    bool `yaml:"print_counter"`
	AckBatchSize    int  `yaml:"ack_batch_size"`
	AckFlushMS      int  `yaml:"ack_flush_ms"`
}

// DecodeSpec selects the deserializers applied to every partition stream.
type DecodeSpec struct {
	Key        string `yaml:"key"`   // bytes|string|json
	Value      string `yaml:"value"` // bytes|string|json|avro
	AvroSchema string `yaml:"avro_schema"`
	Strict     bool   `yaml:"strict"` // end the partition on the first bad record
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Kind   string `yaml:"kind"`
		Driver string `yaml:"driver"` // sarama|kgo
		Config string `yaml:"config"`
	} `yaml:"source"`

	Decode DecodeSpec `yaml:"decode"`

	// Commit cadence of acknowledged offsets, per partition worker.
	CommitEveryMS int `yaml:"commit_every_ms"`
	MaxInFlight   int `yaml:"max_in_flight"` // unacknowledged records per partition

	Sinks       []string     `yaml:"sinks"`
	SinkConfigs sinkConfigs  `yaml:"sink_configs"`
	Debug       debugSection `yaml:"debug"`
}
