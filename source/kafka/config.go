package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PARTSTREAM_KAFKA__"

type RetryCfg struct {
	Attempts int           `koanf:"attempts"` // total tries, first included
	Backoff  time.Duration `koanf:"backoff"`  // first delay, doubled per retry
}

// ConsumerCfg tunes the run-loop.
type ConsumerCfg struct {
	PollTimeout      time.Duration `koanf:"poll_timeout"`
	CommitInterval   time.Duration `koanf:"commit_interval"`
	PartitionBuffer  int           `koanf:"partition_buffer"` // records buffered per partition
	RebalanceTimeout time.Duration `koanf:"rebalance_timeout"`
	CommitTimeout    time.Duration `koanf:"commit_timeout"`   // synchronous flushes
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"` // Stopping -> Stopped at the latest
	PollRetry        RetryCfg      `koanf:"poll_retry"`
	CommitRetry      RetryCfg      `koanf:"commit_retry"`
}

type Config struct {
	Brokers    []string `koanf:"brokers"`
	Topics     []string `koanf:"topics"`
	Pattern    string   `koanf:"pattern"`
	Partitions []string `koanf:"partitions"` // topic:partition, manual assignment
	GroupID    string   `koanf:"group_id"`
	ClientID   string   `koanf:"client_id"`
	StartFrom  string   `koanf:"start_from"` // earliest|latest (default latest)
	Version    string   `koanf:"version"`
	TLSEn      bool     `koanf:"tls_enabled"`
	SASLUser   string   `koanf:"sasl_user"`
	SASLPass   string   `koanf:"sasl_pass"`

	Consumer ConsumerCfg `koanf:"consumer"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `PARTSTREAM_KAFKA__`, nesting delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}

	err := k.Load(env.Provider(envPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(c *Config) {
	cc := &c.Consumer
	if cc.PollTimeout == 0 {
		cc.PollTimeout = 100 * time.Millisecond
	}
	if cc.CommitInterval == 0 {
		cc.CommitInterval = time.Second
	}
	if cc.PartitionBuffer == 0 {
		cc.PartitionBuffer = 512
	}
	if cc.RebalanceTimeout == 0 {
		cc.RebalanceTimeout = 30 * time.Second
	}
	if cc.CommitTimeout == 0 {
		cc.CommitTimeout = 10 * time.Second
	}
	if cc.ShutdownTimeout == 0 {
		cc.ShutdownTimeout = 30 * time.Second
	}
	if cc.PollRetry.Attempts == 0 {
		cc.PollRetry.Attempts = 5
	}
	if cc.PollRetry.Backoff == 0 {
		cc.PollRetry.Backoff = 100 * time.Millisecond
	}
	if cc.CommitRetry.Attempts == 0 {
		cc.CommitRetry.Attempts = 3
	}
	if cc.CommitRetry.Backoff == 0 {
		cc.CommitRetry.Backoff = 100 * time.Millisecond
	}
	if c.StartFrom == "" {
		c.StartFrom = "latest"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "partstream-" + uuid.NewString()[:8]
	}
}

// DefaultConfig returns a Config with every default applied and no
// connection or subscription settings.
func DefaultConfig() Config {
	var c Config
	applyDefaults(&c)
	return c
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	set := 0
	for _, on := range []bool{len(c.Topics) > 0, c.Pattern != "", len(c.Partitions) > 0} {
		if on {
			set++
		}
	}
	if set != 1 {
		errs = append(errs, errors.New("kafka: exactly one of topics, pattern or partitions must be set"))
	}
	// Manual assignments commit under the group too.
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka: group_id is required"))
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("kafka: pattern: %w", err))
		}
	}
	for _, p := range c.Partitions {
		if _, err := ParseTopicPartition(p); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.StartFrom {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("kafka: start_from %q: want earliest or latest", c.StartFrom))
	}
	if c.Consumer.PartitionBuffer < 1 {
		errs = append(errs, errors.New("kafka: consumer.partition_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// Subscription derives the subscription from topics, pattern or partitions.
func (c Config) Subscription() (Subscription, error) {
	switch {
	case len(c.Topics) > 0:
		return Topics(c.Topics...), nil
	case c.Pattern != "":
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return Subscription{}, err
		}
		return Pattern(re), nil
	case len(c.Partitions) > 0:
		tps := make([]TopicPartition, 0, len(c.Partitions))
		for _, s := range c.Partitions {
			tp, err := ParseTopicPartition(s)
			if err != nil {
				return Subscription{}, err
			}
			tps = append(tps, tp)
		}
		return Manual(tps...), nil
	}
	return Subscription{}, errors.New("kafka: no subscription configured")
}

func (c Config) startFrom() StartFrom {
	if c.StartFrom == "earliest" {
		return StartEarliest
	}
	return StartLatest
}
