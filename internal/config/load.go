package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads the config file (JSON or YAML by extension), applies
// defaults, and validates. Unknown keys are rejected so typos surface at
// startup instead of silently disabling features.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	jsonBytes, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return Config{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Tracker.SnapshotPath == "" {
		cfg.Tracker.SnapshotPath = "./items.json"
	}
	if cfg.Engine.PassInterval == "" {
		cfg.Engine.PassInterval = "15m"
	}
	if cfg.Engine.RulesPath == "" {
		cfg.Engine.RulesPath = "./notifications.yaml"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./taskping.db"
	}
	if cfg.Dispatch.Channel == "" {
		cfg.Dispatch.Channel = "telegram"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8090"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "taskping"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.User.Name) == "" {
		return errors.New("user.name is required")
	}
	if _, err := ParseDurationField("engine.pass_interval", cfg.Engine.PassInterval); err != nil {
		return err
	}
	if cfg.Dispatch.Channel == "telegram" && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required when dispatch.channel is telegram")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka intake is enabled")
	}
	return nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict
// JSON decoder (DisallowUnknownFields) covers both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
