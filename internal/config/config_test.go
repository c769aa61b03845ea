package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_DefaultsAndIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
market:
  symbols: [btc, eth, btc]
margin:
  risk_fractions:
    degen: 0.9
`)
	t.Setenv("ARENA_TEST_TG_TOKEN", "tok-123")
	path := writeFile(t, dir, "config.yaml", `
include: [base.yaml]
scheduler:
  interval_seconds: 60
  run_immediately: true
dispatch:
  min_notional_usd: 0
notify:
  telegram:
    enabled: true
    bot_token: ${ARENA_TEST_TG_TOKEN}
    chat_id: "42"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Market.Symbols)
	assert.Equal(t, "binance", cfg.Market.Source)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval())
	assert.Equal(t, time.Minute, cfg.Scheduler.DecisionTimeout())
	assert.True(t, cfg.Scheduler.RunImmediately)
	assert.Equal(t, 0.9, cfg.Margin.RiskFractions["degen"])
	assert.Equal(t, 0.5, cfg.Margin.BaseFraction)
	assert.Equal(t, "paper", cfg.Dispatch.Mode)
	assert.Zero(t, cfg.Dispatch.MinNotionalUSD, "explicit zero is kept")
	assert.Equal(t, "drop_oldest", cfg.Events.OverflowPolicy)
	assert.Equal(t, "tok-123", cfg.Notify.Telegram.BotToken)
	assert.Equal(t, "configs/profiles.yaml", cfg.ProfilesPath)
	assert.Equal(t, 100, cfg.Reasoning.MaxEntries)
	assert.Equal(t, 7*24*time.Hour, cfg.Reasoning.MaxAge())
}

func TestLoad_DecisionTimeoutCappedToInterval(t *testing.T) {
	cfg := SchedulerConfig{IntervalSeconds: 30, DecisionTimeoutSeconds: 90}
	assert.Equal(t, 30*time.Second, cfg.DecisionTimeout())
	cfg.DecisionTimeoutSeconds = 10
	assert.Equal(t, 10*time.Second, cfg.DecisionTimeout())
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad overflow":  "events:\n  overflow_policy: block\n",
		"live no url":   "dispatch:\n  mode: live\n",
		"bad source":    "market:\n  source: coinbase\n",
		"ttl < poll":    "margin:\n  poll_interval_seconds: 60\n  ttl_seconds: 30\n",
		"bad fraction":  "margin:\n  risk_fractions:\n    moderate: 1.5\n",
		"tg no token":   "notify:\n  telegram:\n    enabled: true\n",
		"kafka brokers": "events:\n  kafka:\n    enabled: true\n",
		"offset":        "scheduler:\n  interval_seconds: 60\n  offset_seconds: 60\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_IncludeSingleStringAndOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "shared.yaml", "app:\n  log_level: debug\n  env: staging\n")
	path := writeFile(t, dir, "config.yaml", "include: shared.yaml\napp:\n  env: prod\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "prod", cfg.App.Env)
}

func TestExplicitKeys(t *testing.T) {
	keys := explicitKeys(map[string]any{
		"market": map[string]any{"symbols": []any{"BTC"}, "source": "static"},
		"notify": map[any]any{"telegram": map[string]any{"enabled": true}},
	})
	assert.True(t, keys.isSet("market.symbols"))
	assert.True(t, keys.isSet("market.source"))
	assert.True(t, keys.isSet("notify.telegram.enabled"))
	assert.False(t, keys.isSet("market.refresh_interval_seconds"))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, "configs/config.yaml", DefaultPath())
	t.Setenv(EnvConfigPath, "/etc/arena.yaml")
	assert.Equal(t, "/etc/arena.yaml", DefaultPath())
}
