package config

import (
	"fmt"
)

const (
	minPausePollMS = 500
	maxPausePollMS = 5000
)

// Validate checks configuration invariants and normalizes bounded values.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", cfg.Server.Port)
	}

	if cfg.Scheduler.TickIntervalSeconds <= 0 {
		cfg.Scheduler.TickIntervalSeconds = 1
	}
	if cfg.Workers.ReconcileIntervalSeconds <= 0 {
		cfg.Workers.ReconcileIntervalSeconds = 30
	}

	// The pause poll interval trades responsiveness for store load; clamp
	// rather than reject so an overeager config still behaves sanely.
	if cfg.Workers.PausePollMS < minPausePollMS {
		cfg.Workers.PausePollMS = minPausePollMS
	}
	if cfg.Workers.PausePollMS > maxPausePollMS {
		cfg.Workers.PausePollMS = maxPausePollMS
	}

	if cfg.Quota.DailyLimit < 0 {
		return fmt.Errorf("quota.daily_limit cannot be negative: %d", cfg.Quota.DailyLimit)
	}
	sharesTotal := 0
	for category, share := range cfg.Quota.Shares {
		if share < 0 {
			return fmt.Errorf("quota.shares.%s cannot be negative: %d", category, share)
		}
		sharesTotal += share
	}
	if sharesTotal > cfg.Quota.DailyLimit {
		return fmt.Errorf("quota shares total %d exceeds daily limit %d", sharesTotal, cfg.Quota.DailyLimit)
	}

	return nil
}
