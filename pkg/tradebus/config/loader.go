package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bus keys checked at load time. Values must be non-negative; zero and
// absent both fall back to the bus defaults.
var (
	countKeys = []string{
		"max_queue_size",
		"worker_count",
		"batch_size",
		"retry_queue_size",
		"dead_letter_size",
	}
	durationKeys = []string{
		"batch_timeout_seconds",
		"shutdown_timeout_seconds",
	}
)

// FromFile loads a bus configuration file, detecting the format by
// extension (.yaml, .yml, .json). The recognized bus keys are validated;
// unrecognized keys are kept as-is for application use.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data and validates the bus keys.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return validated(New(m))
}

// FromJSON parses JSON data and validates the bus keys.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return validated(New(m))
}

// validated rejects bus keys that could never configure a working bus:
// negative sizes/counts and negative timeouts. A key holding a value of the
// wrong type falls back to the default at wiring time and is not an error
// here.
func validated(cfg Config) (Config, error) {
	for _, key := range countKeys {
		if !cfg.Has(key) {
			continue
		}
		if v := cfg.Int(key, 0); v < 0 {
			return Config{}, fmt.Errorf("config key %s: negative value %d", key, v)
		}
	}
	for _, key := range durationKeys {
		if !cfg.Has(key) {
			continue
		}
		if d := cfg.Duration(key, 0); d < 0 {
			return Config{}, fmt.Errorf("config key %s: negative duration %s", key, d)
		}
	}
	return cfg, nil
}
