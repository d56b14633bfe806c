package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for values that would fail at
// runtime. It returns the first problem found.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider kind: %q", c.Provider.Kind)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api key is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider model is required")
	}
	if c.Provider.MaxTokens < 0 {
		return fmt.Errorf("provider max_tokens cannot be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff_multiplier must be at least 1")
	}

	if c.Retention.MaxMemoriesPerUser < 0 {
		return fmt.Errorf("retention max_memories_per_user cannot be negative")
	}
	if c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention max_age_days cannot be negative")
	}

	if c.SweepSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep_schedule %q: %w", c.SweepSchedule, err)
		}
	}

	return nil
}
