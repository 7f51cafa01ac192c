package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	engineID = "engine"

	// engineBatchSize is the buffer threshold that triggers async batch
	// analysis. Implementation constant, not module configuration.
	engineBatchSize = 20

	asyncWorkers   = 2
	asyncQueueSize = 100
)

// Engine drives every request and response through the registered modules
// and schedules async batch analysis. ProcessRequest runs on the serving
// thread and must stay fast; batch analysis (and with it any AI call) runs
// on a small bounded worker pool.
type Engine struct {
	registry *Registry
	mc       *ModuleContext
	cfg      *Config
	logger   Logger
	pool     *workerPool

	mu     sync.Mutex
	buffer []RequestEvent
}

// NewEngine creates the engine and starts its async worker pool
func NewEngine(registry *Registry, mc *ModuleContext, logger Logger) *Engine {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	e := &Engine{
		registry: registry,
		mc:       mc,
		cfg:      mc.Config,
		logger:   logger,
		pool:     newWorkerPool(asyncWorkers, asyncQueueSize, logger),
	}
	logger.Info("Engine started", map[string]interface{}{
		"mode":    e.cfg.Mode,
		"modules": len(registry.Modules()),
	})
	return e
}

// ProcessRequest runs an incoming request through the enabled inbound
// modules. Called synchronously on every request.
//
// Returns the first blocking verdict found in ACTIVE mode, or a safe
// verdict once the request passes everything.
func (e *Engine) ProcessRequest(ctx context.Context, event RequestEvent) ThreatVerdict {
	if !e.cfg.Enabled {
		return Safe(engineID)
	}
	if e.isExcludedPath(event.Path) {
		return Safe(engineID)
	}

	// Blocklist pre-checks. A store fault degrades to "not blocked": the
	// firewall must never deny service because its own substrate is down.
	if blocked, err := e.mc.Store.IsBlocked(ctx, event.SourceIP); err != nil {
		e.logger.Error("Blocklist lookup failed", map[string]interface{}{
			"key":   event.SourceIP,
			"error": err,
		})
	} else if blocked {
		return Block(engineID, "IP is blacklisted", event.SourceIP, 0)
	}

	if event.UserID != "" {
		if blocked, err := e.mc.Store.IsBlocked(ctx, "user:"+event.UserID); err != nil {
			e.logger.Error("Blocklist lookup failed", map[string]interface{}{
				"key":   "user:" + event.UserID,
				"error": err,
			})
		} else if blocked {
			return Block(engineID, "User is blacklisted", event.UserID, 0)
		}
	}

	for _, module := range e.registry.Enabled(e.mc) {
		verdict, err := e.safeAnalyzeRequest(ctx, module, event)
		if err != nil {
			e.logger.Error("Module request analysis failed", map[string]interface{}{
				"module": module.ID(),
				"error":  err,
			})
			continue
		}
		if !verdict.IsThreat() {
			continue
		}

		if e.cfg.MonitorMode() {
			e.logger.Warn("Would have blocked request", map[string]interface{}{
				"module": module.ID(),
				"event":  event.String(),
				"reason": verdict.Reason,
			})
			continue
		}

		switch verdict.Action {
		case ActionBlock, ActionThrottle, ActionChallenge:
			e.logger.Warn("Request blocked", map[string]interface{}{
				"module": module.ID(),
				"event":  event.String(),
				"action": verdict.Action.String(),
				"reason": verdict.Reason,
			})
			if verdict.ShouldBlock() && verdict.Target != "" {
				e.writeBlock(ctx, verdict, event)
			}
			return verdict
		default:
			e.logger.Warn("Threat observed", map[string]interface{}{
				"module": module.ID(),
				"event":  event.String(),
				"reason": verdict.Reason,
			})
		}
	}

	e.bufferEvent(event)
	return Safe(engineID)
}

// ProcessResponse runs an outgoing response through the enabled modules in
// priority order. Each module sees the output of all earlier ones.
func (e *Engine) ProcessResponse(ctx context.Context, response ResponseEvent) ResponseEvent {
	if !e.cfg.Enabled {
		return response
	}

	current := response
	for _, module := range e.registry.Enabled(e.mc) {
		out, err := e.safeAnalyzeResponse(ctx, module, current)
		if err != nil {
			e.logger.Error("Module response analysis failed", map[string]interface{}{
				"module": module.ID(),
				"error":  err,
			})
			continue
		}
		current = out
	}
	return current
}

// SubmitForAsyncAnalysis buffers an event carrying response metadata for
// the next batch analysis run
func (e *Engine) SubmitForAsyncAnalysis(event RequestEvent) {
	e.bufferEvent(event)
}

// FlushEventBuffer runs batch analysis on whatever is buffered, on the
// calling goroutine. Useful for tests and shutdown.
func (e *Engine) FlushEventBuffer(ctx context.Context) {
	e.mu.Lock()
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	if len(batch) > 0 {
		e.runBatchAnalysis(ctx, batch)
	}
}

// Shutdown flushes pending events and stops the worker pool
func (e *Engine) Shutdown(ctx context.Context) {
	e.FlushEventBuffer(ctx)
	e.pool.Stop()
}

func (e *Engine) bufferEvent(event RequestEvent) {
	e.mu.Lock()
	e.buffer = append(e.buffer, event)
	var batch []RequestEvent
	if len(e.buffer) >= engineBatchSize {
		batch = e.buffer
		e.buffer = make([]RequestEvent, 0, engineBatchSize)
	}
	e.mu.Unlock()

	if batch == nil {
		return
	}
	submitted := e.pool.Submit(func() {
		e.runBatchAnalysis(context.Background(), batch)
	})
	if !submitted {
		e.logger.Warn("Batch analysis dropped, queue full", map[string]interface{}{
			"batch_size": len(batch),
		})
	}
}

// runBatchAnalysis executes each module's batch analyzer in a background
// worker. AI calls may take seconds, which is fine here.
func (e *Engine) runBatchAnalysis(ctx context.Context, batch []RequestEvent) {
	for _, module := range e.registry.Enabled(e.mc) {
		verdicts, err := e.safeAnalyzeBatch(ctx, module, batch)
		if err != nil {
			e.logger.Error("Module batch analysis failed", map[string]interface{}{
				"module": module.ID(),
				"error":  err,
			})
			continue
		}
		for _, verdict := range verdicts {
			if !verdict.ShouldBlock() {
				continue
			}
			e.logger.Warn("Async block verdict", map[string]interface{}{
				"module": module.ID(),
				"target": verdict.Target,
				"reason": verdict.Reason,
			})
			if e.cfg.ActiveMode() {
				e.writeBlock(ctx, verdict, batch...)
			}
		}
	}
}

// writeBlock persists a block verdict. User targets are stored under
// "user:<id>" so the pre-check at the top of ProcessRequest sees blocks
// written here; module-namespaced targets (cg:fp:..., cg:user:...) and IPs
// are stored verbatim.
func (e *Engine) writeBlock(ctx context.Context, verdict ThreatVerdict, events ...RequestEvent) {
	key := verdict.Target
	for _, ev := range events {
		if ev.UserID != "" && ev.UserID == key {
			key = "user:" + key
			break
		}
	}

	var duration time.Duration
	if verdict.BlockDurationSeconds > 0 {
		duration = time.Duration(verdict.BlockDurationSeconds) * time.Second
	}
	if err := e.mc.Store.Block(ctx, key, verdict.Reason, duration); err != nil {
		e.logger.Error("Failed to persist block", map[string]interface{}{
			"target": key,
			"error":  err,
		})
	}
}

func (e *Engine) isExcludedPath(path string) bool {
	for _, pattern := range e.cfg.ExcludePaths {
		if strings.HasSuffix(pattern, "/**") {
			if strings.HasPrefix(path, strings.TrimSuffix(pattern, "/**")) {
				return true
			}
		} else if pattern == path {
			return true
		}
	}
	return false
}

// --- Failure boundaries ---
//
// A panicking module must never take down the request. Errors and panics
// both surface to the caller as an error and the pipeline moves on.

func (e *Engine) safeAnalyzeRequest(ctx context.Context, m Module, event RequestEvent) (verdict ThreatVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			verdict = Safe(m.ID())
			err = fmt.Errorf("module %s panicked: %v", m.ID(), r)
		}
	}()
	return m.AnalyzeRequest(ctx, event, e.mc)
}

func (e *Engine) safeAnalyzeResponse(ctx context.Context, m Module, response ResponseEvent) (out ResponseEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = response
			err = fmt.Errorf("module %s panicked: %v", m.ID(), r)
		}
	}()
	return m.AnalyzeResponse(ctx, response, e.mc)
}

func (e *Engine) safeAnalyzeBatch(ctx context.Context, m Module, batch []RequestEvent) (verdicts []ThreatVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			verdicts = nil
			err = fmt.Errorf("module %s panicked: %v", m.ID(), r)
		}
	}()
	return m.AnalyzeBatch(ctx, batch, e.mc)
}
