package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, ModeMonitor, cfg.Mode)
	assert.Equal(t, []string{"/health", "/metrics"}, cfg.ExcludePaths)
	assert.Equal(t, StoreInMemory, cfg.Store.Type)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.False(t, cfg.ActiveMode())
	assert.True(t, cfg.MonitorMode())
}

func TestNewConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SENTINAI_MODE", "active")
	t.Setenv("SENTINAI_EXCLUDE_PATHS", "/ping, /ready")
	t.Setenv("SENTINAI_STORE_TYPE", StoreRedis)
	t.Setenv("SENTINAI_REDIS_URL", "redis://cache:6379")
	t.Setenv("SENTINAI_AI_API_KEY", "test-key")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, ModeActive, cfg.Mode)
	assert.Equal(t, []string{"/ping", "/ready"}, cfg.ExcludePaths)
	assert.True(t, cfg.DistributedStore())
	assert.Equal(t, "redis://cache:6379", cfg.Store.DistributedURL)
	assert.Equal(t, "test-key", cfg.AI.APIKey)
}

func TestNewConfig_OptionsBeatEnvironment(t *testing.T) {
	t.Setenv("SENTINAI_MODE", "active")

	cfg, err := NewConfig(WithMonitorMode())
	require.NoError(t, err)
	assert.Equal(t, ModeMonitor, cfg.Mode)
}

func TestNewConfig_OpenAIKeyFallback(t *testing.T) {
	t.Setenv("SENTINAI_AI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "fallback-key")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "fallback-key", cfg.AI.APIKey)
}

func TestNewConfig_InvalidMode(t *testing.T) {
	_, err := NewConfig(WithMode("AGGRESSIVE"))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestConfig_InvalidStoreType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "cassandra"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestConfig_ModuleEnablement(t *testing.T) {
	cfg, err := NewConfig(
		WithModuleEnabled("bola-detection", false),
		WithModuleOption("credential-guard", "per-username-failures", 3),
	)
	require.NoError(t, err)

	assert.True(t, cfg.ModuleEnabled("credential-guard"), "modules default to enabled")
	assert.True(t, cfg.ModuleEnabled("never-mentioned"))
	assert.False(t, cfg.ModuleEnabled("bola-detection"))

	assert.Equal(t, 3, cfg.ModuleConfig("credential-guard")["per-username-failures"])
	assert.NotNil(t, cfg.ModuleConfig("never-mentioned"), "unknown module config is an empty map")
}

func TestWithAI(t *testing.T) {
	cfg, err := NewConfig(WithAI("kimi", "key-123", "moonshot-v1", "https://api.moonshot.cn/v1"))
	require.NoError(t, err)

	assert.Equal(t, "kimi", cfg.AI.Provider)
	assert.Equal(t, "key-123", cfg.AI.APIKey)
	assert.Equal(t, "moonshot-v1", cfg.AI.Model)
	assert.Equal(t, "https://api.moonshot.cn/v1", cfg.AI.BaseURL)
}

func TestWithConfigFile(t *testing.T) {
	yaml := `
enabled: true
mode: ACTIVE
exclude-paths:
  - /healthz
store:
  type: redis
  distributed-url: redis://fleet:6379
modules:
  data-leak-prevention:
    config:
      mode: REDACT
  bola-detection:
    enabled: false
`
	path := filepath.Join(t.TempDir(), "sentinai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := NewConfig(WithConfigFile(path))
	require.NoError(t, err)

	assert.True(t, cfg.ActiveMode())
	assert.Equal(t, []string{"/healthz"}, cfg.ExcludePaths)
	assert.True(t, cfg.DistributedStore())
	assert.Equal(t, "redis://fleet:6379", cfg.Store.DistributedURL)
	assert.Equal(t, "REDACT", cfg.ModuleConfig("data-leak-prevention")["mode"])
	assert.False(t, cfg.ModuleEnabled("bola-detection"))
}

func TestWithConfigFile_Missing(t *testing.T) {
	_, err := NewConfig(WithConfigFile("/does/not/exist.yaml"))
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestModuleContext_TypedOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Modules["m"] = ModuleSettings{Config: map[string]interface{}{
		"int":       7,
		"float":     float64(12),
		"stringint": "42",
		"rate":      0.5,
		"name":      "redact",
	}}
	mc := NewModuleContext(NewInMemoryDecisionStore(), nil, cfg, nil)

	assert.Equal(t, 7, mc.IntOption("m", "int", 1))
	assert.Equal(t, 12, mc.IntOption("m", "float", 1), "yaml numbers arrive as float64")
	assert.Equal(t, 42, mc.IntOption("m", "stringint", 1))
	assert.Equal(t, 1, mc.IntOption("m", "missing", 1))
	assert.Equal(t, 0.5, mc.FloatOption("m", "rate", 1.0))
	assert.Equal(t, "redact", mc.StringOption("m", "name", "log"))
	assert.True(t, mc.HasOption("m", "name"))
	assert.False(t, mc.HasOption("m", "absent"))
}
