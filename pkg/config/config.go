// Copyright 2024-2026 Aiku AI

// Package config loads the service configuration from a YAML file with
// environment variable overrides for deployment secrets.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiku/mininew/pkg/store"
	"github.com/aiku/mininew/pkg/supervisor"
)

//go:embed example-config.yaml
var ExampleConfig string

// SupervisorConfig holds the tunables of the connection supervisor.
type SupervisorConfig struct {
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
	RecordingSeconds      int `yaml:"recording_seconds"`
}

// ReconnectDelay returns the configured delay as a duration.
func (c SupervisorConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// RecordingDuration returns the configured recording hold as a duration.
func (c SupervisorConfig) RecordingDuration() time.Duration {
	return time.Duration(c.RecordingSeconds) * time.Second
}

// LoggingConfig holds the logging tunables.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the full service configuration.
type Config struct {
	MongoDB    store.Config      `yaml:"mongodb"`
	Supervisor SupervisorConfig  `yaml:"supervisor"`
	Logging    LoggingConfig     `yaml:"logging"`
	Defaults   supervisor.Config `yaml:"defaults"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads the config file at path, falling back to the embedded
// example when path is empty or the file does not exist, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	raw := []byte(ExampleConfig)
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			raw = data
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		cfg.MongoDB.URI = uri
	}
	if db := os.Getenv("MONGODB_DATABASE"); db != "" {
		cfg.MongoDB.Database = db
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if cfg.MongoDB.URI == "" {
		return nil, fmt.Errorf("mongodb.uri is required")
	}
	if cfg.MongoDB.Database == "" {
		cfg.MongoDB.Database = "mininew"
	}
	if cfg.Supervisor.ReconnectDelaySeconds <= 0 {
		cfg.Supervisor.ReconnectDelaySeconds = 2
	}
	if cfg.Supervisor.RecordingSeconds <= 0 {
		cfg.Supervisor.RecordingSeconds = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return &cfg, nil
}
