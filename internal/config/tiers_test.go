package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTierConfigHolder_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quota_tiers.yml")
	content := `
default_tier: starter
tiers:
  starter:
    daily_limit: 5
    monthly_limit: 50
    concurrent_sessions: 1
    request_budget_usd: "0.05"
  Enterprise:
    daily_limit: 5000
    monthly_limit: 100000
    concurrent_sessions: 50
    request_budget_usd: "2.00"
    allowed_tools: [Read, Bash]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewTierConfigHolder(Config{Quota: QuotaConfig{TiersFile: path}}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "starter", cfg.DefaultTier)

	starter, ok := holder.Lookup("STARTER")
	require.True(t, ok)
	assert.Equal(t, int64(5), starter.DailyLimit)
	assert.Equal(t, int64(50), starter.MonthlyLimit)
	assert.Equal(t, "0.05", starter.RequestBudgetUSD)

	enterprise, ok := holder.Lookup("enterprise")
	require.True(t, ok)
	assert.Equal(t, []string{"Read", "Bash"}, enterprise.AllowedTools)
}

func TestNewTierConfigHolder_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewTierConfigHolder(Config{}, zap.NewNop())
	require.NoError(t, err)

	basic, ok := holder.Lookup("basic")
	require.True(t, ok)
	assert.Equal(t, int64(20), basic.DailyLimit)
	assert.Empty(t, basic.AllowedTools)

	premium, ok := holder.Lookup("premium")
	require.True(t, ok)
	assert.Contains(t, premium.AllowedTools, "Bash")
}

func TestValidateTierConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  TierConfig
	}{
		{name: "empty", cfg: TierConfig{}},
		{name: "zero_limit", cfg: TierConfig{Tiers: map[string]TierLimits{"basic": {DailyLimit: 0, MonthlyLimit: 10}}}},
		{name: "daily_over_monthly", cfg: TierConfig{Tiers: map[string]TierLimits{"basic": {DailyLimit: 20, MonthlyLimit: 10}}}},
		{name: "unknown_default", cfg: TierConfig{DefaultTier: "gold", Tiers: map[string]TierLimits{"basic": {DailyLimit: 1, MonthlyLimit: 10}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, validateTierConfig(tc.cfg))
		})
	}

	assert.NoError(t, validateTierConfig(DefaultTierConfig()))
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SESSION_TTL_DAYS", "")
	t.Setenv("LEDGER_STORE_BACKEND", "REDIS")
	t.Setenv("SESSION_CACHE_TTL", "90")

	cfg := Load()
	assert.Equal(t, StoreBackendRedis, cfg.Ledger.StoreBackend)
	assert.Equal(t, 30*24*60*60, int(cfg.SessionTTL().Seconds()))
	assert.Equal(t, 90, int(cfg.Ledger.SessionCacheTTL.Seconds()))
}
