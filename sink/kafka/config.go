package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "KPIPE_SINK__"

type Config struct {
	Driver  string   `koanf:"driver"` // sarama|franz|kafka-go|stdout
	Brokers []string `koanf:"brokers"`
	// Topics with one entry produce Single envelopes; more fan each record
	// out as a Multi.
	Topics       []string `koanf:"topics"`
	ClientID     string   `koanf:"client_id"`
	Version      string   `koanf:"version"`       // sarama only
	RequiredAcks *int16   `koanf:"required_acks"` // 0,1,-1 (default -1)
	Compression  string   `koanf:"compression"`   // none|gzip|snappy|lz4|zstd
	TLSEn        bool     `koanf:"tls_enabled"`
	SASLUser     string   `koanf:"sasl_user"`
	SASLPass     string   `koanf:"sasl_pass"`

	FlushTimeout time.Duration `koanf:"flush_timeout"`
	// CloseProducer is nil until loaded; unset means true.
	CloseProducer *bool  `koanf:"close_producer"`
	Parallelism   int    `koanf:"parallelism"`
	DropEmpty     bool   `koanf:"drop_empty"`
	Decider       string `koanf:"decider"`
	ValueFormat   string `koanf:"value_format"`

	// Name labels the driver's client logs and metrics; set by the pipeline
	// compiler.
	Name string `koanf:"-"`
}

func (c Config) OwnsProducer() bool { return c.CloseProducer == nil || *c.CloseProducer }

func (c Config) Acks() int16 {
	if c.RequiredAcks == nil {
		return -1
	}
	return *c.RequiredAcks
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `KPIPE_SINK__`, nesting with `__`).
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
		return Config{}, fmt.Errorf("sink schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(c *Config) {
	if c.Driver == "" {
		c.Driver = "sarama"
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 100
	}
	if a := c.RequiredAcks; a != nil && *a != 0 && *a != 1 && *a != -1 {
		c.RequiredAcks = nil
	}
	if c.ClientID == "" {
		c.ClientID = "kpipe"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	switch c.Compression {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		c.Compression = "none"
	}
}

func (c Config) validate() error {
	if c.Driver == "stdout" {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("sink: brokers must not be empty")
	}
	if len(c.Topics) == 0 {
		return errors.New("sink: at least one topic is required")
	}
	return nil
}
