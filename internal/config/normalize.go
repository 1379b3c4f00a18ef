// internal/config/normalize.go
package config

// Defaults applied by Normalize. The settle delays and the 45s poll
// envelope match the device's documented timing.
const (
	defaultPollIntervalMs   = 20000
	defaultPollTimeoutMs    = 45000
	defaultCommandTimeoutMs = 5000
	defaultWriteTimeoutMs   = 15000
	defaultMaxRetries       = 5
	defaultRetryBackoffMs   = 2000
	defaultSettleMs         = 5000

	defaultClientID    = "bluetti-bridge"
	defaultTopicPrefix = "bluetti"
)

// Normalize applies post-validation defaulting.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	dev := &cfg.Bridge.Device
	if dev.PollIntervalMs == 0 {
		dev.PollIntervalMs = defaultPollIntervalMs
	}
	if dev.PollTimeoutMs == 0 {
		dev.PollTimeoutMs = defaultPollTimeoutMs
	}
	if dev.CommandTimeoutMs == 0 {
		dev.CommandTimeoutMs = defaultCommandTimeoutMs
	}
	if dev.WriteTimeoutMs == 0 {
		dev.WriteTimeoutMs = defaultWriteTimeoutMs
	}
	if dev.MaxRetries == 0 {
		dev.MaxRetries = defaultMaxRetries
	}
	if dev.RetryBackoffMs == 0 {
		dev.RetryBackoffMs = defaultRetryBackoffMs
	}
	if dev.PackSettleMs == 0 {
		dev.PackSettleMs = defaultSettleMs
	}
	if dev.WriteSettleMs == 0 {
		dev.WriteSettleMs = defaultSettleMs
	}

	mq := &cfg.Bridge.MQTT
	if mq.ClientID == "" {
		mq.ClientID = defaultClientID
	}
	if mq.TopicPrefix == "" {
		mq.TopicPrefix = defaultTopicPrefix
	}
}
