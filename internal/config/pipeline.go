package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"kpipe/internal/spec"
)

const SupportedSchema = spec.SchemaV1

// Paths are the connector config files a pipeline names, made absolute
// relative to the pipeline file.
type Paths struct {
	Source string
	Sink   string
}

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// resolves the connector config paths.
func LoadPipelineSpec(path string) (spec.File, Paths, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, Paths{}, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, Paths{}, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, Paths{}, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "kafka"
	}
	dir := filepath.Dir(path)
	return cfg, Paths{Source: resolve(dir, cfg.Source.Config), Sink: resolve(dir, cfg.Sink.Config)}, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
