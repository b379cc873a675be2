package scheduler

import (
	"time"

	"github.com/formlane/creditledger/internal/config"
)

// Config controls sweeper cadence and batch sizing.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	RunTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		RunTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}

// ProvideConfig derives sweeper settings from the hot-reloadable credit
// policy at startup. Interval and batch size changes take effect on restart;
// the in-flight ticker keeps its cadence.
func ProvideConfig(holder *config.CreditPolicyHolder) Config {
	policy := holder.Current()
	return Config{
		RunInterval: policy.SweepInterval(),
		BatchSize:   policy.SweepBatchSize,
	}.withDefaults()
}
