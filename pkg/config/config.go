package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tesseradb/tessera/pkg/engine"
)

// Config is the YAML file surface for a Tessera instance.
type Config struct {
	// DataDir is where arenas, indexes, and the WAL live.
	DataDir string `yaml:"data_dir"`
	// Engine holds the storage sizing and durability options.
	Engine engine.Options `yaml:"engine"`
	// MetricsAddr, when set, serves Prometheus metrics (e.g. ":9420").
	MetricsAddr string `yaml:"metrics_addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogJSON switches console output to newline-delimited JSON.
	LogJSON bool `yaml:"log_json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		return cfg, fmt.Errorf("config %s: data_dir is required", path)
	}
	return cfg, nil
}
