package scheduler

import (
	"time"

	"github.com/smallbiznis/allotment/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval          time.Duration
	JobTimeout           time.Duration
	RefreshBatchSize     int
	CertificateBatchSize int
	EventBatchSize       int
	// EnabledJobs limits the run to the named jobs. Empty enables every job.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:          time.Minute,
		JobTimeout:           5 * time.Minute,
		RefreshBatchSize:     10,
		CertificateBatchSize: 500,
		EventBatchSize:       200,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.SchedulerInterval,
		EnabledJobs: cfg.SchedulerJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RefreshBatchSize <= 0 {
		c.RefreshBatchSize = defaults.RefreshBatchSize
	}
	if c.CertificateBatchSize <= 0 {
		c.CertificateBatchSize = defaults.CertificateBatchSize
	}
	if c.EventBatchSize <= 0 {
		c.EventBatchSize = defaults.EventBatchSize
	}
	return c
}
