package core

import (
	"fmt"
	"strconv"
)

// ModuleContext is the aggregate handle modules use to reach shared
// collaborators. It is constructed once at composition time, carries no
// per-request state, and is read-only afterwards.
type ModuleContext struct {
	Store  DecisionStore
	AI     AIAnalyzer
	Config *Config
	Logger Logger
}

// NewModuleContext wires the shared context. A nil logger falls back to
// the no-op logger so modules can log unconditionally.
func NewModuleContext(store DecisionStore, analyzer AIAnalyzer, cfg *Config, logger Logger) *ModuleContext {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &ModuleContext{
		Store:  store,
		AI:     analyzer,
		Config: cfg,
		Logger: logger,
	}
}

// ModuleEnabled reports whether a module is switched on in configuration
func (mc *ModuleContext) ModuleEnabled(moduleID string) bool {
	return mc.Config.ModuleEnabled(moduleID)
}

// ModuleConfig returns the custom option map for a module, never nil
func (mc *ModuleContext) ModuleConfig(moduleID string) map[string]interface{} {
	return mc.Config.ModuleConfig(moduleID)
}

// IntOption reads an integer module option, falling back to def when the
// option is absent or unparseable. Options loaded from YAML or set through
// WithModuleOption may arrive as int, float64 or string.
func (mc *ModuleContext) IntOption(moduleID, key string, def int) int {
	raw, ok := mc.ModuleConfig(moduleID)[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// FloatOption reads a float module option with a fallback
func (mc *ModuleContext) FloatOption(moduleID, key string, def float64) float64 {
	raw, ok := mc.ModuleConfig(moduleID)[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

// StringOption reads a string module option with a fallback
func (mc *ModuleContext) StringOption(moduleID, key string, def string) string {
	raw, ok := mc.ModuleConfig(moduleID)[key]
	if !ok {
		return def
	}
	return fmt.Sprintf("%v", raw)
}

// HasOption reports whether a module option is present at all
func (mc *ModuleContext) HasOption(moduleID, key string) bool {
	_, ok := mc.ModuleConfig(moduleID)[key]
	return ok
}
