package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TierLimits describes the allowance attached to one subscription tier.
type TierLimits struct {
	DailyLimit         int64    `mapstructure:"daily_limit" json:"daily_limit"`
	MonthlyLimit       int64    `mapstructure:"monthly_limit" json:"monthly_limit"`
	ConcurrentSessions int64    `mapstructure:"concurrent_sessions" json:"concurrent_sessions"`
	RequestBudgetUSD   string   `mapstructure:"request_budget_usd" json:"request_budget_usd"`
	AllowedTools       []string `mapstructure:"allowed_tools" json:"allowed_tools"`
}

type TierConfig struct {
	DefaultTier string                `mapstructure:"default_tier"`
	Tiers       map[string]TierLimits `mapstructure:"tiers"`
}

func DefaultTierConfig() TierConfig {
	return TierConfig{
		DefaultTier: "basic",
		Tiers: map[string]TierLimits{
			"basic": {
				DailyLimit:         20,
				MonthlyLimit:       500,
				ConcurrentSessions: 2,
				RequestBudgetUSD:   "0.10",
				AllowedTools:       []string{},
			},
			"advanced": {
				DailyLimit:         100,
				MonthlyLimit:       2500,
				ConcurrentSessions: 5,
				RequestBudgetUSD:   "0.25",
				AllowedTools:       []string{"Read", "Glob", "Grep"},
			},
			"premium": {
				DailyLimit:         1000,
				MonthlyLimit:       25000,
				ConcurrentSessions: 20,
				RequestBudgetUSD:   "0.75",
				AllowedTools:       []string{"Read", "Glob", "Grep", "Bash"},
			},
		},
	}
}

type TierConfigHolder struct {
	current atomic.Value // holds TierConfig
}

// NewStaticTierConfigHolder returns a holder that never reloads.
func NewStaticTierConfigHolder(cfg TierConfig) *TierConfigHolder {
	holder := &TierConfigHolder{}
	holder.current.Store(normalizeTierConfig(cfg))
	return holder
}

func NewTierConfigHolder(cfg Config, log *zap.Logger) (*TierConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.tiers")

	v := viper.New()
	if path := strings.TrimSpace(cfg.Quota.TiersFile); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quota_tiers")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/chatledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHATLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("quota tier file not found, using built-in tiers")
		return NewStaticTierConfigHolder(DefaultTierConfig()), nil
	}

	loaded, err := decodeTierConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticTierConfigHolder(loaded)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeTierConfig(v)
		if err != nil {
			log.Warn("quota tier reload ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalizeTierConfig(updated))
		log.Info("quota tiers reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *TierConfigHolder) Get() TierConfig {
	return h.current.Load().(TierConfig)
}

// Lookup returns the limits for a tier; tier names are case-insensitive.
func (h *TierConfigHolder) Lookup(tier string) (TierLimits, bool) {
	limits, ok := h.Get().Tiers[strings.ToLower(strings.TrimSpace(tier))]
	return limits, ok
}

func decodeTierConfig(v *viper.Viper) (TierConfig, error) {
	var cfg TierConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return TierConfig{}, err
	}
	if err := validateTierConfig(cfg); err != nil {
		return TierConfig{}, err
	}
	return cfg, nil
}

func normalizeTierConfig(cfg TierConfig) TierConfig {
	out := TierConfig{
		DefaultTier: strings.ToLower(strings.TrimSpace(cfg.DefaultTier)),
		Tiers:       make(map[string]TierLimits, len(cfg.Tiers)),
	}
	for name, limits := range cfg.Tiers {
		out.Tiers[strings.ToLower(strings.TrimSpace(name))] = limits
	}
	return out
}

func validateTierConfig(cfg TierConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("tiers cannot be empty")
	}
	for name, limits := range cfg.Tiers {
		if strings.TrimSpace(name) == "" {
			return errors.New("tier name cannot be empty")
		}
		if limits.DailyLimit <= 0 || limits.MonthlyLimit <= 0 {
			return fmt.Errorf("tier %q: limits must be positive", name)
		}
		if limits.DailyLimit > limits.MonthlyLimit {
			return fmt.Errorf("tier %q: daily limit exceeds monthly limit", name)
		}
		if limits.ConcurrentSessions < 0 {
			return fmt.Errorf("tier %q: concurrent sessions cannot be negative", name)
		}
	}
	if def := strings.ToLower(strings.TrimSpace(cfg.DefaultTier)); def != "" {
		found := false
		for name := range cfg.Tiers {
			if strings.EqualFold(strings.TrimSpace(name), def) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("default tier %q is not defined", cfg.DefaultTier)
		}
	}
	return nil
}
