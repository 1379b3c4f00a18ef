// internal/config/validate.go
package config

import (
	"fmt"
	"regexp"
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	dev := cfg.Bridge.Device

	if dev.Address == "" {
		return fmt.Errorf("device: address is required")
	}
	if !macPattern.MatchString(dev.Address) {
		return fmt.Errorf("device: address %q is not a MAC address", dev.Address)
	}
	if dev.Model == "" {
		return fmt.Errorf("device: model is required")
	}

	for name, v := range map[string]int{
		"poll_interval_ms":   dev.PollIntervalMs,
		"poll_timeout_ms":    dev.PollTimeoutMs,
		"command_timeout_ms": dev.CommandTimeoutMs,
		"write_timeout_ms":   dev.WriteTimeoutMs,
		"max_retries":        dev.MaxRetries,
		"retry_backoff_ms":   dev.RetryBackoffMs,
		"pack_settle_ms":     dev.PackSettleMs,
		"write_settle_ms":    dev.WriteSettleMs,
	} {
		if v < 0 {
			return fmt.Errorf("device: %s must not be negative", name)
		}
	}

	if dev.PollTimeoutMs > 0 && dev.CommandTimeoutMs > dev.PollTimeoutMs {
		return fmt.Errorf(
			"device: command_timeout_ms (%d) exceeds poll_timeout_ms (%d)",
			dev.CommandTimeoutMs,
			dev.PollTimeoutMs,
		)
	}

	if cfg.Bridge.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}

	return nil
}
