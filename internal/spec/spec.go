package spec

const SchemaV1 = "v1"

type Debug struct {
	PerRecordDelayMS int  `yaml:"per_record_delay_ms"`
	PrintCounter     bool `yaml:"print_counter"`
	AckBatchSize     int  `yaml:"ack_batch_size"`
	AckFlushMS       int  `yaml:"ack_flush_ms"`
	PrintValue       bool `yaml:"print_value"`
	ValueMaxBytes    int  `yaml:"value_max_bytes"`
}

type Source struct {
	Kind   string `yaml:"kind"`   // only "kafka"
	Config string `yaml:"config"` // koanf file, see source/kafka
	// Shared runs one source per manually assigned partition over a single
	// coordinator instead of one source over a private coordinator.
	Shared bool `yaml:"shared"`
}

type Sink struct {
	Config string `yaml:"config"` // koanf file, see sink/kafka
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`
	// Name prefixes every worker name of this runtime; empty picks a random
	// one.
	Name string `yaml:"name"`

	Source Source `yaml:"source"`
	Sink   Sink   `yaml:"sink"`
	Debug  Debug  `yaml:"debug"`
}
