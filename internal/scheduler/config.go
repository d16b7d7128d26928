package scheduler

import (
	"time"

	"github.com/smallbiznis/paysync/internal/config"
)

const (
	JobIdempotencyCleanup = "idempotency_cleanup"
	JobOutboxRelay        = "outbox_relay"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval    time.Duration
	SweepInterval  time.Duration
	BatchSize      int
	RetentionHours int
	JobTimeout     time.Duration
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    30 * time.Second,
		SweepInterval:  time.Hour,
		BatchSize:      100,
		RetentionHours: 24,
		JobTimeout:     30 * time.Second,
	}
}

// ProvideConfig derives scheduler settings from the application config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		SweepInterval:  cfg.Idempotency.SweepInterval,
		RetentionHours: cfg.Idempotency.RetentionHours,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RetentionHours <= 0 {
		c.RetentionHours = defaults.RetentionHours
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
