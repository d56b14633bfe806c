// Package config defines mnemo's configuration and its JSON loader.
package config

import (
	"time"

	"github.com/mnemo-ai/mnemo/internal/logger"
	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/retry"
	"github.com/mnemo-ai/mnemo/pkg/store"
)

// Config represents the main mnemo configuration
type Config struct {
	// Provider selects and credentials the completion backend
	Provider provider.Config `json:"provider" mapstructure:"provider"`

	// Store holds persistence settings
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Retention governs background memory cleanup
	Retention store.RetentionPolicy `json:"retention" mapstructure:"retention"`

	// SweepSchedule is the cron expression for retention sweeps
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`

	// Retry shapes provider-call retries
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// SystemPrompt seeds every session
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// StoreConfig holds persistence settings
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// RetryConfig is the serializable form of a retry policy
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMs    int     `json:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMs        int     `json:"max_delay_ms" mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	Jitter            bool    `json:"jitter" mapstructure:"jitter"`
}

// ToPolicy converts the serializable form into a retry policy
func (r RetryConfig) ToPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       r.MaxAttempts,
		InitialDelay:      time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(r.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier: r.BackoffMultiplier,
		Jitter:            r.Jitter,
	}
}

// DefaultConfig returns a config with sensible defaults. The provider
// API key is the only field with no usable default.
func DefaultConfig() *Config {
	defaults := retry.DefaultPolicy()
	return &Config{
		Provider: provider.Config{
			Kind:      "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Retention:     store.DefaultRetentionPolicy(),
		SweepSchedule: "@hourly",
		Retry: RetryConfig{
			MaxAttempts:       defaults.MaxAttempts,
			InitialDelayMs:    int(defaults.InitialDelay / time.Millisecond),
			MaxDelayMs:        int(defaults.MaxDelay / time.Millisecond),
			BackoffMultiplier: defaults.BackoffMultiplier,
			Jitter:            defaults.Jitter,
		},
		Logging:      logger.DefaultConfig(),
		SystemPrompt: "You are a helpful assistant.",
	}
}
