package config

import (
	sinkcfg "kpipe/sink/kafka"
	kcfg "kpipe/source/kafka"
)

// LoadKafkaConfig delegates to the Kafka source loader while centralizing
// loader entrypoints under internal/config.
func LoadKafkaConfig(path string) (kcfg.Config, error) {
	return kcfg.LoadConfig(path)
}

func LoadSinkConfig(path string) (sinkcfg.Config, error) {
	return sinkcfg.LoadConfig(path)
}
