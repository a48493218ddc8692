package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "KPIPE_KAFKA__"

// Settings are the coordinator and source stage knobs.
type Settings struct {
	PollInterval            time.Duration `koanf:"poll_interval"`
	PollTimeout             time.Duration `koanf:"poll_timeout"`
	CommitTimeout           time.Duration `koanf:"commit_timeout"`
	CommitTimeWarning       time.Duration `koanf:"commit_time_warning"`
	PartitionHandlerWarning time.Duration `koanf:"partition_handler_warning"`
	// CommitRefreshInterval <= 0 disables refreshing committed offsets.
	CommitRefreshInterval time.Duration `koanf:"commit_refresh_interval"`
	StopTimeout           time.Duration `koanf:"stop_timeout"`
	PositionTimeout       time.Duration `koanf:"position_timeout"`
	BufferSize            int           `koanf:"buffer_size"`
}

type CommitCfg struct {
	MaxBatch    int           `koanf:"max_batch"`
	MaxInterval time.Duration `koanf:"max_interval"`
}

type Config struct {
	Brokers []string `koanf:"brokers"`
	Topics  []string `koanf:"topics"`
	// Partitions selects manual assignment: "topic:partition" or
	// "topic:partition@offset".
	Partitions  []string `koanf:"partitions"`
	GroupID     string   `koanf:"group_id"`
	ClientID    string   `koanf:"client_id"`
	StartFrom   string   `koanf:"start_from"` // oldest|newest (default newest)
	Driver      string   `koanf:"driver"`
	Decider     string   `koanf:"decider"`
	ValueFormat string   `koanf:"value_format"`
	TLSEn       bool     `koanf:"tls_enabled"`
	SASLUser    string   `koanf:"sasl_user"`
	SASLPass    string   `koanf:"sasl_pass"`

	Consumer Settings  `koanf:"consumer"`
	Commit   CommitCfg `koanf:"commit"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `KPIPE_KAFKA__`, nesting with `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey(EnvPrefix)), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

// envKey maps KPIPE_KAFKA__CONSUMER__POLL_INTERVAL to consumer.poll_interval.
func envKey(prefix string) func(string) string {
	return func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	}
}

func DefaultSettings() Settings {
	s := Settings{}
	applySettingsDefaults(&s)
	return s
}

func applySettingsDefaults(s *Settings) {
	if s.PollInterval <= 0 {
		s.PollInterval = 50 * time.Millisecond
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = 50 * time.Millisecond
	}
	if s.CommitTimeout <= 0 {
		s.CommitTimeout = 15 * time.Second
	}
	if s.CommitTimeWarning <= 0 {
		s.CommitTimeWarning = time.Second
	}
	if s.PartitionHandlerWarning <= 0 {
		s.PartitionHandlerWarning = 5 * time.Second
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = 30 * time.Second
	}
	if s.PositionTimeout <= 0 {
		s.PositionTimeout = 5 * time.Second
	}
	if s.BufferSize <= 0 {
		s.BufferSize = 500
	}
}

func applyDefaults(c *Config) {
	applySettingsDefaults(&c.Consumer)
	if c.Commit.MaxBatch <= 0 {
		c.Commit.MaxBatch = 1000
	}
	if c.Commit.MaxInterval <= 0 {
		c.Commit.MaxInterval = 5 * time.Second
	}
	if c.StartFrom != "oldest" && c.StartFrom != "newest" {
		c.StartFrom = "newest"
	}
	if c.Driver == "" {
		c.Driver = "franz"
	}
	if c.ClientID == "" {
		c.ClientID = "kpipe"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: brokers must not be empty")
	}
	if len(c.Topics) == 0 && len(c.Partitions) == 0 {
		return errors.New("kafka: one of topics or partitions is required")
	}
	if len(c.Topics) > 0 && len(c.Partitions) > 0 {
		return errors.New("kafka: topics and partitions are mutually exclusive")
	}
	if len(c.Topics) > 0 && c.GroupID == "" {
		return errors.New("kafka: group_id is required to subscribe")
	}
	_, err := c.ManualAssignment()
	return err
}

// ManualAssignment parses Partitions. Partitions without an explicit offset
// map to -1, meaning "committed or start_from".
func (c Config) ManualAssignment() (Offsets, error) {
	if len(c.Partitions) == 0 {
		return nil, nil
	}
	out := make(Offsets, len(c.Partitions))
	for _, raw := range c.Partitions {
		tp, off, err := parsePartition(raw)
		if err != nil {
			return nil, err
		}
		out[tp] = off
	}
	return out, nil
}

func parsePartition(raw string) (TopicPartition, int64, error) {
	spec, offStr, hasOff := strings.Cut(strings.TrimSpace(raw), "@")
	i := strings.LastIndexByte(spec, ':')
	if i <= 0 || i == len(spec)-1 {
		return TopicPartition{}, 0, fmt.Errorf("kafka: bad partition %q (want topic:partition[@offset])", raw)
	}
	p, err := strconv.ParseInt(spec[i+1:], 10, 32)
	if err != nil || p < 0 {
		return TopicPartition{}, 0, fmt.Errorf("kafka: bad partition number in %q", raw)
	}
	off := int64(-1)
	if hasOff {
		if off, err = strconv.ParseInt(offStr, 10, 64); err != nil || off < 0 {
			return TopicPartition{}, 0, fmt.Errorf("kafka: bad offset in %q", raw)
		}
	}
	return TopicPartition{Topic: spec[:i], Partition: int32(p)}, off, nil
}
