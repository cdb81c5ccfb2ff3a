package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadPipelineSpec_ResolvesRelativeSourceConfigAndSchema(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "pipeline.yml", `schema_version: v1
source:
  kind: kafka
  driver: sarama
  config: kafka_source.yml
sinks: [stdout]
`)
	write(t, dir, "kafka_source.yml", "schema_version: v1\n")

	cfg, abs, err := LoadPipelineSpec(p)
	if err != nil {
		t.Fatalf("LoadPipelineSpec: %v", err)
	}
	if cfg.SchemaVersion != SupportedSchema {
		t.Fatalf("want schema %s, got %s", SupportedSchema, cfg.SchemaVersion)
	}
	if abs == "" || !filepath.IsAbs(abs) {
		t.Fatalf("want absolute kafka config path, got %q", abs)
	}
	if cfg.Decode.Value != "bytes" || cfg.CommitEveryMS != 1000 || cfg.MaxInFlight != 1024 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadPipelineSpec_InvalidSchema(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "pipeline.yml", `schema_version: v999
source: { kind: kafka, driver: sarama, config: cf.yml }
sinks: [stdout]
`)
	if _, _, err := LoadPipelineSpec(p); err == nil {
		t.Fatal("expected error for invalid schema_version")
	}
}

func TestLoad_ReadsSourceConfig(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "pipeline.yml", `source: { kind: kafka, driver: kgo, config: kafka.yml }
decode: { key: string, value: json }
`)
	write(t, dir, "kafka.yml", "brokers: [b:9092]\ntopics: [orders]\ngroup_id: g\n")

	pl, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pl.Spec.Source.Driver != "kgo" || pl.Kafka.GroupID != "g" || pl.Kafka.Topics[0] != "orders" {
		t.Fatalf("unexpected pipeline %+v", pl)
	}
}

func TestLoad_ValidationJoinsErrors(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "pipeline.yml", `source: { kind: files, driver: nope }
decode: { value: avro }
`)
	_, err := Load(p)
	if err == nil {
		t.Fatal("invalid pipeline accepted")
	}
	for _, want := range []string{"unsupported source", "unknown kafka driver", "avro_schema"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
