// Package config provides configuration types and loading for schedagent.
package config

import (
	"time"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/audit"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/booking"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/lock"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/notify"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/resilience"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/sweep"
)

// Config is the root configuration struct.
type Config struct {
	Paths      PathsConfig        `json:"paths"`
	Model      ModelConfig        `json:"model"`
	Providers  ProvidersConfig    `json:"providers"`
	Booking    BookingConfig      `json:"booking"`
	Redis      lock.Config        `json:"redis"`
	Resilience ResilienceConfig   `json:"resilience"`
	Sweep      sweep.Config       `json:"sweep"`
	Kafka      audit.KafkaConfig  `json:"kafka"`
	Slack      notify.SlackConfig `json:"slack"`
}

// PathsConfig groups filesystem path settings. DataDir holds the SQLite
// database and the conversation transcripts.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ModelConfig groups LLM model and agent-loop settings.
type ModelConfig struct {
	Name              string `json:"name" envconfig:"MODEL"`
	MaxToolIterations int    `json:"maxToolIterations" envconfig:"MAX_TOOL_ITERATIONS"`
	HistoryWindow     int    `json:"historyWindow" envconfig:"HISTORY_WINDOW"`
}

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"OPENAI_API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"OPENAI_API_BASE"`
}

// BookingConfig extends the controller limits with the sweep thresholds:
// how long a therapist must be inactive before a freeze is lifted, and how
// long before the admin is alerted about it.
type BookingConfig struct {
	booking.Config
	InactivityThreshold time.Duration `json:"inactivityThreshold" envconfig:"BOOKING_INACTIVITY_THRESHOLD"`
	AlertAfter          time.Duration `json:"alertAfter" envconfig:"BOOKING_ALERT_AFTER"`
}

// ResilienceConfig groups the outbound-call protections around the LLM API.
type ResilienceConfig struct {
	Breaker resilience.BreakerConfig `json:"breaker"`
	Retry   resilience.Policy        `json:"retry"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.schedagent",
		},
		Model: ModelConfig{
			Name:              "gpt-4o",
			MaxToolIterations: 5,
			HistoryWindow:     40,
		},
		Booking: BookingConfig{
			Config:              booking.DefaultConfig(),
			InactivityThreshold: 14 * 24 * time.Hour,
			AlertAfter:          21 * 24 * time.Hour,
		},
		Redis:      lock.DefaultConfig(),
		Resilience: ResilienceConfig{Breaker: resilience.DefaultBreakerConfig(), Retry: resilience.DefaultPolicy()},
		Sweep:      sweep.DefaultConfig(),
		Kafka:      audit.DefaultKafkaConfig(),
	}
}
