package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
dry_run: true
pairs:
  - entry_market_id: "0xabc"
    hedge_market_id: "KXETH-26DEC31"
    tick_size: 0.001
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.QuoteCache.TTLMs)
	assert.Equal(t, 4, cfg.QuoteCache.PollConcurrency)
	assert.Equal(t, 1000, cfg.QuoteCache.PollCooldownMs)
	assert.Equal(t, 30000, cfg.Executor.OrderTimeoutMs)
	assert.Equal(t, 3, cfg.Executor.MaxHedgeRetries)
	assert.Equal(t, PausePolicyResume, cfg.Executor.PausePolicy)
	assert.Equal(t, 2000, cfg.Reconnect.InitialDelayMs)
	assert.Equal(t, 2000, cfg.Executor.ScanIntervalMs)
	assert.InDelta(t, 100, cfg.Pairs[0].Quantity, 1e-9)
	assert.Equal(t, "maker", cfg.Pairs[0].Strategy)
	assert.Equal(t, "data/tasks.db", cfg.Store.Path)
}

func TestLoadRejectsBadStrategy(t *testing.T) {
	path := writeConfig(t, `
dry_run: true
pairs:
  - entry_market_id: "0xabc"
    hedge_market_id: "KXETH-26DEC31"
    tick_size: 0.001
    strategy: "scalper"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy")
}

func TestLoadRejectsBadPausePolicy(t *testing.T) {
	path := writeConfig(t, `
dry_run: true
executor:
  pause_policy: "retry"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pause_policy")
}

func TestLoadRejectsPairWithoutTickSize(t *testing.T) {
	path := writeConfig(t, `
dry_run: true
pairs:
  - entry_market_id: "0xabc"
    hedge_market_id: "KXETH-26DEC31"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRequiresVenueURLsWhenLive(t *testing.T) {
	path := writeConfig(t, `
dry_run: false
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rest_url")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CROSSARB_LOG_LEVEL", "debug")
	t.Setenv("CROSSARB_ENTRY_API_KEY", "k1")
	t.Setenv("CROSSARB_ENTRY_API_SECRET", "s1")

	path := writeConfig(t, `
dry_run: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.EntryVenue.Credentials, 1)
	assert.Equal(t, "k1", cfg.EntryVenue.Credentials[0].APIKey)
	assert.Equal(t, "s1", cfg.EntryVenue.Credentials[0].APISecret)
}
