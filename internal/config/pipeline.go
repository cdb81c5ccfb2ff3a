package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"partstream/internal/spec"
	"partstream/source/kafka"
)

const SupportedSchema = "v1"

// Pipeline is a parsed pipeline file together with the Kafka source
// config it points at.
type Pipeline struct {
	Spec  spec.File
	Kafka kafka.Config
}

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the parsed spec and an absolute path to the source config (if set).
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	applyDefaults(&cfg)
	confPath := cfg.Source.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	return cfg, confPath, nil
}

// Load reads the pipeline file and the Kafka config it references.
func Load(path string) (Pipeline, error) {
	sp, confPath, err := LoadPipelineSpec(path)
	if err != nil {
		return Pipeline{}, err
	}
	if err := Validate(sp); err != nil {
		return Pipeline{}, err
	}
	kc, err := kafka.LoadConfig(confPath)
	if err != nil {
		return Pipeline{}, fmt.Errorf("source config %s: %w", confPath, err)
	}
	return Pipeline{Spec: sp, Kafka: kc}, nil
}

func applyDefaults(f *spec.File) {
	if f.Source.Driver == "" {
		f.Source.Driver = "sarama"
	}
	if f.Decode.Key == "" {
		f.Decode.Key = "bytes"
	}
	if f.Decode.Value == "" {
		f.Decode.Value = "bytes"
	}
	if f.CommitEveryMS == 0 {
		f.CommitEveryMS = 1000
	}
	if f.MaxInFlight == 0 {
		f.MaxInFlight = 1024
	}
	if len(f.Sinks) == 0 {
		f.Sinks = []string{"stdout"}
	}
}

// Validate reports every problem in f at once.
func Validate(f spec.File) error {
	var errs []error
	if f.Source.Kind != "kafka" {
		errs = append(errs, fmt.Errorf("unsupported source %q", f.Source.Kind))
	}
	if !slices.Contains(kafka.Drivers(), f.Source.Driver) {
		errs = append(errs, fmt.Errorf("unknown kafka driver %q (have %v)", f.Source.Driver, kafka.Drivers()))
	}
	switch f.Decode.Key {
	case "bytes", "string", "json":
	default:
		errs = append(errs, fmt.Errorf("decode.key %q: want bytes, string or json", f.Decode.Key))
	}
	switch f.Decode.Value {
	case "bytes", "string", "json":
	case "avro":
		if f.Decode.AvroSchema == "" {
			errs = append(errs, errors.New("decode.avro_schema is required for avro values"))
		}
	default:
		errs = append(errs, fmt.Errorf("decode.value %q: want bytes, string, json or avro", f.Decode.Value))
	}
	if f.CommitEveryMS < 0 || f.MaxInFlight < 0 {
		errs = append(errs, errors.New("commit_every_ms and max_in_flight must not be negative"))
	}
	return errors.Join(errs...)
}
