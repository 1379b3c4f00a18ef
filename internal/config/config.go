// internal/config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bridge BridgeConfig `yaml:"bridge"`
}

type BridgeConfig struct {
	Device DeviceConfig `yaml:"device"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Address              string `yaml:"address"` // BLE MAC
	Model                string `yaml:"model"`   // e.g. "AC300"
	PersistentConnection bool   `yaml:"persistent_connection"`

	PollIntervalMs int `yaml:"poll_interval_ms"`

	// Timeout envelopes.
	PollTimeoutMs    int `yaml:"poll_timeout_ms"`
	CommandTimeoutMs int `yaml:"command_timeout_ms"`
	WriteTimeoutMs   int `yaml:"write_timeout_ms"`

	// Connect retry policy.
	MaxRetries     int `yaml:"max_retries"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`

	// Empirical device timing constants.
	PackSettleMs  int `yaml:"pack_settle_ms"`
	WriteSettleMs int `yaml:"write_settle_ms"`
}

// ---- MQTT ----

type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. "tcp://127.0.0.1:1883"
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads and parses the YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
