package core

import (
	"fmt"
	"os"
	"strings"
)

// Operating modes. In MONITOR mode threats are logged but never denied;
// in ACTIVE mode block/throttle verdicts are enforced.
const (
	ModeMonitor = "MONITOR"
	ModeActive  = "ACTIVE"
)

// Decision store backends
const (
	StoreInMemory    = "in-memory"
	StoreDistributed = "distributed"
	StoreRedis       = "redis" // alias for distributed
)

// Config holds all configuration options for the firewall.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Mode         string   `json:"mode" yaml:"mode"`
	ExcludePaths []string `json:"exclude_paths" yaml:"exclude-paths"`

	AI      AIConfig                  `json:"ai" yaml:"ai"`
	Store   StoreConfig               `json:"store" yaml:"store"`
	Modules map[string]ModuleSettings `json:"modules" yaml:"modules"`
	Logging LoggingConfig             `json:"logging" yaml:"logging"`
}

// AIConfig contains the chat-completion client configuration.
// The analyzer is only wired when APIKey is set.
type AIConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	APIKey   string `json:"api_key" yaml:"api-key"`
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base-url"`
}

// StoreConfig selects the decision store backend
type StoreConfig struct {
	Type           string `json:"type" yaml:"type"`
	DistributedURL string `json:"distributed_url" yaml:"distributed-url"`
}

// ModuleSettings controls a single detection module. A nil Enabled means
// the module falls back to its own default (enabled, unless the module
// requires explicit opt-in).
type ModuleSettings struct {
	Enabled *bool                  `json:"enabled" yaml:"enabled"`
	Config  map[string]interface{} `json:"config" yaml:"config"`
}

// LoggingConfig controls the built-in structured logger
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Option configures a Config
type Option func(*Config) error

// DefaultConfig returns the baseline configuration before environment
// variables and options are applied
func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		Mode:         ModeMonitor,
		ExcludePaths: []string{"/health", "/metrics"},
		AI: AIConfig{
			Provider: "openai",
		},
		Store: StoreConfig{
			Type:           StoreInMemory,
			DistributedURL: "redis://localhost:6379",
		},
		Modules: make(map[string]ModuleSettings),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// NewConfig creates a configuration from defaults, environment variables
// and the provided options, in that priority order
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("SENTINAI_ENABLED"); v != "" {
		c.Enabled = !strings.EqualFold(v, "false") && v != "0"
	}
	if v := os.Getenv("SENTINAI_MODE"); v != "" {
		c.Mode = strings.ToUpper(v)
	}
	if v := os.Getenv("SENTINAI_EXCLUDE_PATHS"); v != "" {
		parts := strings.Split(v, ",")
		paths := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		c.ExcludePaths = paths
	}
	if v := os.Getenv("SENTINAI_STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("SENTINAI_REDIS_URL"); v != "" {
		c.Store.DistributedURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.DistributedURL = v
	}
	if v := os.Getenv("SENTINAI_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("SENTINAI_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("SENTINAI_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("SENTINAI_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate normalizes and checks the configuration
func (c *Config) Validate() error {
	c.Mode = strings.ToUpper(c.Mode)
	if c.Mode != ModeMonitor && c.Mode != ModeActive {
		return fmt.Errorf("unknown mode %q: %w", c.Mode, ErrInvalidConfiguration)
	}
	switch c.Store.Type {
	case StoreInMemory, StoreDistributed, StoreRedis:
	default:
		return fmt.Errorf("unknown store type %q: %w", c.Store.Type, ErrInvalidConfiguration)
	}
	if c.Modules == nil {
		c.Modules = make(map[string]ModuleSettings)
	}
	return nil
}

// ActiveMode reports whether block/throttle verdicts are enforced
func (c *Config) ActiveMode() bool {
	return strings.EqualFold(c.Mode, ModeActive)
}

// MonitorMode reports whether the firewall only observes
func (c *Config) MonitorMode() bool {
	return !c.ActiveMode()
}

// DistributedStore reports whether the shared Redis store is selected
func (c *Config) DistributedStore() bool {
	return c.Store.Type == StoreDistributed || c.Store.Type == StoreRedis
}

// ModuleEnabled reports whether a detection module is switched on.
// Modules are enabled by default unless explicitly disabled.
func (c *Config) ModuleEnabled(moduleID string) bool {
	settings, ok := c.Modules[moduleID]
	if !ok || settings.Enabled == nil {
		return true
	}
	return *settings.Enabled
}

// ModuleConfig returns the custom option map for a module, never nil
func (c *Config) ModuleConfig(moduleID string) map[string]interface{} {
	settings, ok := c.Modules[moduleID]
	if !ok || settings.Config == nil {
		return map[string]interface{}{}
	}
	return settings.Config
}

func (c *Config) ensureModule(moduleID string) ModuleSettings {
	settings := c.Modules[moduleID]
	if settings.Config == nil {
		settings.Config = make(map[string]interface{})
	}
	return settings
}

// --- Functional options ---

// WithEnabled toggles the whole firewall
func WithEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.Enabled = enabled
		return nil
	}
}

// WithMode sets MONITOR or ACTIVE (case-insensitive)
func WithMode(mode string) Option {
	return func(c *Config) error {
		c.Mode = strings.ToUpper(mode)
		return nil
	}
}

// WithActiveMode enables enforcement
func WithActiveMode() Option {
	return WithMode(ModeActive)
}

// WithMonitorMode switches to observe-only
func WithMonitorMode() Option {
	return WithMode(ModeMonitor)
}

// WithExcludePaths replaces the set of paths skipped by analysis.
// Patterns ending in "/**" match any path with that prefix.
func WithExcludePaths(paths ...string) Option {
	return func(c *Config) error {
		c.ExcludePaths = append([]string(nil), paths...)
		return nil
	}
}

// WithAI configures the chat-completion endpoint used for batch analysis
func WithAI(provider, apiKey, model, baseURL string) Option {
	return func(c *Config) error {
		c.AI = AIConfig{Provider: provider, APIKey: apiKey, Model: model, BaseURL: baseURL}
		return nil
	}
}

// WithInMemoryStore selects the process-local decision store
func WithInMemoryStore() Option {
	return func(c *Config) error {
		c.Store.Type = StoreInMemory
		return nil
	}
}

// WithDistributedStore selects the Redis-backed store shared across the fleet
func WithDistributedStore(redisURL string) Option {
	return func(c *Config) error {
		c.Store.Type = StoreDistributed
		if redisURL != "" {
			c.Store.DistributedURL = redisURL
		}
		return nil
	}
}

// WithModuleEnabled switches a single detection module on or off
func WithModuleEnabled(moduleID string, enabled bool) Option {
	return func(c *Config) error {
		settings := c.ensureModule(moduleID)
		settings.Enabled = &enabled
		c.Modules[moduleID] = settings
		return nil
	}
}

// WithModuleOption sets one custom option for a module
func WithModuleOption(moduleID, key string, value interface{}) Option {
	return func(c *Config) error {
		settings := c.ensureModule(moduleID)
		settings.Config[key] = value
		c.Modules[moduleID] = settings
		return nil
	}
}

// WithLogLevel sets the built-in logger level
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the built-in logger format ("text" or "json")
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile overlays the configuration from a YAML file
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.loadFile(path)
	}
}
