package quotagate_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotagate"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := qg.ParseConfig([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, qg.DefaultConfig(), cfg)
	assert.Equal(t, qg.StoreMemory, cfg.Store.Driver)
	assert.Equal(t, qg.DefaultDailyAllotment, cfg.Quota.DefaultDaily)
}

func TestParseConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("QG_TEST_DSN", "postgres://db/quota")
	t.Setenv("QG_TEST_KEY", "secret-key")

	cfg, err := qg.ParseConfig([]byte(`
quota:
  default_daily: 3
  tiers:
    basic: 40
gate:
  retry_attempts: 5
  retry_backoff: 10ms
  store_timeout: 1s
admin:
  handle_change_cooldown: 720h
store:
  driver: postgres
  dsn: ${QG_TEST_DSN}
generator:
  provider: gemini
  api_key: ${QG_TEST_KEY}
  timeout: 30s
  system_instruction: Answer briefly.
  temperature: 0.4
  max_output_tokens: 256
burst:
  window: 5m
  threshold: 12
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, int64(3), cfg.Quota.DefaultDaily)
	assert.Equal(t, int64(40), cfg.Quota.Tiers["basic"])
	assert.Equal(t, 5, cfg.Gate.RetryAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Gate.RetryBackoff)
	assert.Equal(t, 720*time.Hour, cfg.Admin.HandleChangeCooldown)
	assert.Equal(t, "postgres://db/quota", cfg.Store.DSN)
	assert.Equal(t, "secret-key", cfg.Generator.APIKey)
	assert.Equal(t, "Answer briefly.", cfg.Generator.SystemInstruction)
	require.NotNil(t, cfg.Generator.Temperature)
	assert.InDelta(t, 0.4, *cfg.Generator.Temperature, 1e-9)
	assert.Equal(t, 256, cfg.Generator.MaxOutputTokens)
	assert.Equal(t, 5*time.Minute, cfg.Burst.Window)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())

	a := cfg.Quota.Allotments()
	assert.Equal(t, int64(3), a.Default)
	n, ok := a.Tier("basic")
	assert.True(t, ok)
	assert.Equal(t, int64(40), n)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown driver":       "store: {driver: sqlite}",
		"postgres without dsn": "store: {driver: postgres}",
		"redis without addr":   "store: {driver: redis}",
		"gemini without key":   "generator: {provider: gemini}",
		"unknown generator":    "generator: {provider: gpt}",
		"temperature too high": "generator: {provider: gemini, api_key: k, temperature: 3}",
		"negative latency":     "generator: {provider: mock, mock_latency: -1s}",
		"negative default":     "quota: {default_daily: -1}",
		"zero attempts":        "gate: {retry_attempts: 0}",
		"zero burst window":    "burst: {window: 0s}",
		"malformed yaml":       "quota: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := qg.ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotagate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: {addr: ':9090'}\n"), 0o600))

	cfg, err := qg.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)

	_, err = qg.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLogConfig_UnknownLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, qg.LogConfig{Level: "loud"}.SlogLevel())
}
