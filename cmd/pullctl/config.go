package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the optional YAML file with the pull filtering options that
// are awkward to pass as flags.
type Config struct {
	Channels            []string          `yaml:"channels"`
	Filter              string            `yaml:"filter"`
	FilterParams        map[string]string `yaml:"filter_params"`
	DocIDs              []string          `yaml:"doc_ids"`
	SkipDeleted         bool              `yaml:"skip_deleted"`
	NoIncomingConflicts bool              `yaml:"no_incoming_conflicts"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	config := &Config{}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if config.Filter != "" && 0 < len(config.Channels) {
		return nil, fmt.Errorf("config: channels and filter are mutually exclusive")
	}
	return config, nil
}
