package reconcile

import (
	"time"

	"github.com/smallbiznis/chatledger/internal/config"
)

// Config controls the active-session reconcile loop.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	RunTimeout   time.Duration
	LockTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		PollInterval: 10 * time.Minute,
		RunTimeout:   2 * time.Minute,
		LockTTL:      5 * time.Minute,
	}
}

func NewConfig(cfg config.Config) Config {
	out := DefaultConfig()
	out.Enabled = cfg.Quota.ReconcileEnabled
	if cfg.Quota.ReconcileInterval > 0 {
		out.PollInterval = cfg.Quota.ReconcileInterval
	}
	return out
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
