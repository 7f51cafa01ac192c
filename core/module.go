// Package core provides the building blocks of the SentinAI firewall:
// events, verdicts, the decision store, the module registry, the analysis
// engine and the HTTP filter adapter. Detection modules live in their own
// packages under modules/ and plug in through the Module interface.
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DefaultModuleOrder is used when a module does not declare a priority
const DefaultModuleOrder = 500

// Module is the plugin interface all detection modules implement.
//
// AnalyzeRequest runs synchronously before the downstream handler and must
// be fast: store lookups only, no network I/O and no AI calls.
// AnalyzeResponse runs synchronously on egress and may replace the body.
// AnalyzeBatch runs on the async worker with a batch of recent events and
// is the only place AI analysis is allowed.
//
// A returned error is logged by the engine and treated as Safe (or the
// unmodified response); a failing module never blocks a request.
type Module interface {
	// ID is the unique identifier, used in configuration keys
	// (modules.<id>.enabled, modules.<id>.config.<option>)
	ID() string

	// Name is the human-readable name for logging
	Name() string

	// Order is the priority; lower runs first
	Order() int

	AnalyzeRequest(ctx context.Context, event RequestEvent, mc *ModuleContext) (ThreatVerdict, error)
	AnalyzeResponse(ctx context.Context, response ResponseEvent, mc *ModuleContext) (ResponseEvent, error)
	AnalyzeBatch(ctx context.Context, events []RequestEvent, mc *ModuleContext) ([]ThreatVerdict, error)

	// Enabled is re-evaluated on every pipeline pass
	Enabled(mc *ModuleContext) bool
}

// BaseModule supplies the default Module behavior: order 500, no response
// or batch analysis, and configuration-driven enablement. Embed it and
// override what the module needs.
type BaseModule struct {
	ModuleID   string
	ModuleName string
	Priority   int
}

func (b BaseModule) ID() string   { return b.ModuleID }
func (b BaseModule) Name() string { return b.ModuleName }

func (b BaseModule) Order() int {
	if b.Priority == 0 {
		return DefaultModuleOrder
	}
	return b.Priority
}

func (b BaseModule) AnalyzeResponse(ctx context.Context, response ResponseEvent, mc *ModuleContext) (ResponseEvent, error) {
	return response, nil
}

func (b BaseModule) AnalyzeBatch(ctx context.Context, events []RequestEvent, mc *ModuleContext) ([]ThreatVerdict, error) {
	return nil, nil
}

func (b BaseModule) Enabled(mc *ModuleContext) bool {
	return mc.Config.ModuleEnabled(b.ModuleID)
}

// Registry holds the full set of modules sorted by priority.
// Iteration order is stable ascending order.
type Registry struct {
	modules []Module
	byID    map[string]Module
}

// NewRegistry sorts the modules stably by Order and indexes them by id
func NewRegistry(modules []Module, logger Logger) *Registry {
	sorted := append([]Module(nil), modules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})

	byID := make(map[string]Module, len(sorted))
	labels := make([]string, 0, len(sorted))
	for _, m := range sorted {
		byID[m.ID()] = m
		labels = append(labels, fmt.Sprintf("%s(order=%d)", m.ID(), m.Order()))
	}

	if logger != nil {
		logger.Info("Registered security modules", map[string]interface{}{
			"count":   len(sorted),
			"modules": strings.Join(labels, ", "),
		})
	}

	return &Registry{modules: sorted, byID: byID}
}

// Modules returns all modules in priority order
func (r *Registry) Modules() []Module {
	return r.modules
}

// Module looks up a module by id
func (r *Registry) Module(id string) (Module, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Has reports whether a module with the given id is registered
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Enabled returns the currently enabled modules in priority order.
// Enablement is re-evaluated on each call.
func (r *Registry) Enabled(mc *ModuleContext) []Module {
	enabled := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		if m.Enabled(mc) {
			enabled = append(enabled, m)
		}
	}
	return enabled
}
