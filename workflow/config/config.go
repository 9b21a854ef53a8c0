// Package config loads the tunables the engine's Design Notes (§9) call out
// as configuration rather than hard-coded constants: retry defaults, the
// broker's maximum message age, the re-enqueue safety buffer, the stream
// done-poll cadence, and health-check timeouts.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the core consults. Zero-valued fields are
// filled in by Default() or by Load when the YAML document omits them.
type Config struct {
	Retry       RetryDefaults `yaml:"retry"`
	Queue       QueueTunables `yaml:"queue"`
	Stream      StreamTunables `yaml:"stream"`
	HealthCheck HealthTunables `yaml:"health_check"`
	Run         RunTunables   `yaml:"run"`
}

// RetryDefaults configures the step retry scheduler's exponential backoff
// when a step does not supply its own policy.
type RetryDefaults struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialInterval    time.Duration `yaml:"initial_interval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient"`
	MaxInterval        time.Duration `yaml:"max_interval"`
}

// QueueTunables configures the message-TTL re-enqueue path (§4.6) and
// dispatch pacing.
type QueueTunables struct {
	// MaxMessageAge is the broker-level maximum age a message may reach
	// before redelivery guarantees lapse (the source assumes 24h).
	MaxMessageAge time.Duration `yaml:"max_message_age"`
	// SafetyBuffer is subtracted from MaxMessageAge when deciding whether a
	// handler must clamp its visibility extension or re-enqueue instead.
	SafetyBuffer time.Duration `yaml:"safety_buffer"`
	// DispatchRate caps sustained workflow-tick/step-execute dispatch, in
	// messages per second. Zero disables rate limiting.
	DispatchRate float64 `yaml:"dispatch_rate"`
	// DispatchBurst is the token-bucket burst size backing DispatchRate.
	DispatchBurst int `yaml:"dispatch_burst"`
}

// RunTunables configures default run-level behavior not overridden at Start
// time.
type RunTunables struct {
	// DefaultTTL is the expiry horizon applied to a run started without an
	// explicit ExpiresAfter. Zero means runs never expire by default.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// StreamTunables configures the flushable stream's lock-release polling.
type StreamTunables struct {
	LockPollInterval time.Duration `yaml:"lock_poll_interval"`
}

// HealthTunables configures the health-check protocol's default timeout
// when a caller does not override it.
type HealthTunables struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// Default returns the engine's built-in tunables, used when no config file
// is supplied.
func Default() Config {
	return Config{
		Retry: RetryDefaults{
			MaxAttempts:        5,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaxInterval:        5 * time.Minute,
		},
		Queue: QueueTunables{
			MaxMessageAge: 24 * time.Hour,
			SafetyBuffer:  5 * time.Minute,
			DispatchRate:  0,
			DispatchBurst: 1,
		},
		Stream: StreamTunables{
			LockPollInterval: 100 * time.Millisecond,
		},
		HealthCheck: HealthTunables{
			DefaultTimeout: 10 * time.Second,
		},
		Run: RunTunables{
			DefaultTTL: 0,
		},
	}
}

// Load reads a YAML config document from path, overlaying it onto Default().
// Missing fields in the document keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
