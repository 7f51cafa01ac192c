package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(cfg *Config, modules ...Module) (*Engine, DecisionStore) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	store := NewInMemoryDecisionStore()
	mc := NewModuleContext(store, nil, cfg, nil)
	engine := NewEngine(NewRegistry(modules, nil), mc, nil)
	return engine, store
}

func TestEngine_DisabledReturnsSafe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	stub := newStub("any", 100)
	engine, _ := newTestEngine(cfg, stub)

	verdict := engine.ProcessRequest(context.Background(), RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1"})

	assert.Equal(t, LevelSafe, verdict.Level)
	assert.Zero(t, atomic.LoadInt32(&stub.requestCalls), "disabled engine must not invoke modules")
}

func TestEngine_ExcludedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludePaths = []string{"/health", "/internal/**"}
	stub := newStub("any", 100)
	engine, _ := newTestEngine(cfg, stub)
	ctx := context.Background()

	for _, path := range []string{"/health", "/internal/debug", "/internal/metrics/raw"} {
		verdict := engine.ProcessRequest(ctx, RequestEvent{Path: path, SourceIP: "1.1.1.1"})
		assert.Equal(t, LevelSafe, verdict.Level, "path %s should be excluded", path)
	}
	assert.Zero(t, atomic.LoadInt32(&stub.requestCalls), "excluded paths must not reach modules")

	engine.ProcessRequest(ctx, RequestEvent{Path: "/api/orders", SourceIP: "1.1.1.1"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.requestCalls))
}

func TestEngine_BlockedIPPreCheck(t *testing.T) {
	stub := newStub("any", 100)
	engine, store := newTestEngine(nil, stub)
	ctx := context.Background()

	require.NoError(t, store.Block(ctx, "9.9.9.9", "prior offense", 0))

	verdict := engine.ProcessRequest(ctx, RequestEvent{Path: "/api/x", SourceIP: "9.9.9.9"})

	assert.Equal(t, ActionBlock, verdict.Action)
	assert.Equal(t, "IP is blacklisted", verdict.Reason)
	assert.Equal(t, "9.9.9.9", verdict.Target)
	assert.Zero(t, atomic.LoadInt32(&stub.requestCalls), "blocked IPs short-circuit before modules")
}

func TestEngine_BlockedUserPreCheck(t *testing.T) {
	engine, store := newTestEngine(nil, newStub("any", 100))
	ctx := context.Background()

	require.NoError(t, store.Block(ctx, "user:mallory", "stuffing", 0))

	verdict := engine.ProcessRequest(ctx, RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1", UserID: "mallory"})
	assert.Equal(t, ActionBlock, verdict.Action)
	assert.Equal(t, "User is blacklisted", verdict.Reason)

	// Same IP, different user passes
	verdict = engine.ProcessRequest(ctx, RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1", UserID: "alice"})
	assert.Equal(t, LevelSafe, verdict.Level)
}

func TestEngine_MonitorModeNeverDenies(t *testing.T) {
	cfg := DefaultConfig() // monitor is the default
	threat := newStub("detector", 100)
	threat.onRequest = func(RequestEvent) (ThreatVerdict, error) {
		return Block("detector", "bad payload", "1.1.1.1", 600), nil
	}
	engine, store := newTestEngine(cfg, threat)
	ctx := context.Background()

	verdict := engine.ProcessRequest(ctx, RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1"})

	assert.Equal(t, LevelSafe, verdict.Level, "monitor mode logs instead of blocking")
	blocked, _ := store.IsBlocked(ctx, "1.1.1.1")
	assert.False(t, blocked, "monitor mode must not write blocks")
}

func TestEngine_ActiveModeBlocksAndPersists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeActive
	threat := newStub("detector", 100)
	threat.onRequest = func(RequestEvent) (ThreatVerdict, error) {
		return Block("detector", "bad payload", "1.1.1.1", 600), nil
	}
	later := newStub("later", 200)
	engine, store := newTestEngine(cfg, threat, later)
	ctx := context.Background()

	verdict := engine.ProcessRequest(ctx, RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1"})

	assert.Equal(t, ActionBlock, verdict.Action)
	assert.Equal(t, "detector", verdict.ModuleID)
	assert.Zero(t, atomic.LoadInt32(&later.requestCalls), "pipeline short-circuits on first block")

	blocked, err := store.IsBlocked(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.True(t, blocked, "active-mode block verdicts must be persisted")
}

func TestEngine_ActiveModeUserTargetPrefixed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeActive
	threat := newStub("detector", 100)
	threat.onRequest = func(e RequestEvent) (ThreatVerdict, error) {
		return Block("detector", "enumeration", e.UserID, 600), nil
	}
	engine, store := newTestEngine(cfg, threat)
	ctx := context.Background()

	engine.ProcessRequest(ctx, RequestEvent{Path: "/api/orders/7", SourceIP: "1.1.1.1", UserID: "alice"})

	// Stored under user:<id> so the pre-check catches the next request
	blocked, _ := store.IsBlocked(ctx, "user:alice")
	assert.True(t, blocked)

	verdict := engine.ProcessRequest(ctx, RequestEvent{Path: "/api/other", SourceIP: "2.2.2.2", UserID: "alice"})
	assert.Equal(t, ActionBlock, verdict.Action)
	assert.Equal(t, "User is blacklisted", verdict.Reason)
}

func TestEngine_ModuleFailureIsolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeActive

	failing := newStub("broken", 100)
	failing.onRequest = func(RequestEvent) (ThreatVerdict, error) {
		return ThreatVerdict{}, errors.New("store exploded")
	}
	panicking := newStub("panicky", 200)
	panicking.onRequest = func(RequestEvent) (ThreatVerdict, error) {
		panic("nil map write")
	}
	healthy := newStub("healthy", 300)
	healthy.onRequest = func(RequestEvent) (ThreatVerdict, error) {
		return Block("healthy", "still detected", "1.1.1.1", 60), nil
	}

	engine, _ := newTestEngine(cfg, failing, panicking, healthy)

	verdict := engine.ProcessRequest(context.Background(), RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1"})

	assert.Equal(t, "healthy", verdict.ModuleID, "failures must not stop later modules")
	assert.Equal(t, ActionBlock, verdict.Action)
}

func TestEngine_ProcessResponseChains(t *testing.T) {
	first := newStub("first", 100)
	first.onResponse = func(r ResponseEvent) (ResponseEvent, error) {
		return r.WithBody(r.Body + "+first"), nil
	}
	broken := newStub("broken", 200)
	broken.onResponse = func(r ResponseEvent) (ResponseEvent, error) {
		return ResponseEvent{}, errors.New("boom")
	}
	second := newStub("second", 300)
	second.onResponse = func(r ResponseEvent) (ResponseEvent, error) {
		return r.WithBody(r.Body + "+second"), nil
	}

	engine, _ := newTestEngine(nil, first, broken, second)

	out := engine.ProcessResponse(context.Background(), ResponseEvent{Body: "base"})

	assert.Equal(t, "base+first+second", out.Body, "a failing module passes the prior response through")
}

func TestEngine_FlushEventBuffer(t *testing.T) {
	batcher := newStub("batcher", 100)
	var got atomic.Int32
	batcher.onBatch = func(events []RequestEvent) ([]ThreatVerdict, error) {
		got.Store(int32(len(events)))
		return nil, nil
	}
	engine, _ := newTestEngine(nil, batcher)

	for i := 0; i < 3; i++ {
		engine.SubmitForAsyncAnalysis(RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1", ResponseStatus: 200})
	}
	engine.FlushEventBuffer(context.Background())

	assert.Equal(t, int32(3), got.Load())

	// Buffer was drained; a second flush sees nothing
	engine.FlushEventBuffer(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&batcher.batchCalls))
}

func TestEngine_BatchThresholdTriggersAsyncAnalysis(t *testing.T) {
	batched := make(chan int, 1)
	batcher := newStub("batcher", 100)
	batcher.onBatch = func(events []RequestEvent) ([]ThreatVerdict, error) {
		batched <- len(events)
		return nil, nil
	}
	engine, _ := newTestEngine(nil, batcher)

	for i := 0; i < engineBatchSize; i++ {
		engine.SubmitForAsyncAnalysis(RequestEvent{Path: "/api/x"})
	}

	select {
	case n := <-batched:
		assert.Equal(t, engineBatchSize, n)
	case <-time.After(2 * time.Second):
		t.Fatal("batch analysis was not triggered at the threshold")
	}
}

func TestEngine_AsyncBlockVerdictsPersistedInActiveMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeActive
	batcher := newStub("batcher", 100)
	batcher.onBatch = func(events []RequestEvent) ([]ThreatVerdict, error) {
		return []ThreatVerdict{Block("batcher", "brute force", "admin", 1800)}, nil
	}
	engine, store := newTestEngine(cfg, batcher)
	ctx := context.Background()

	engine.SubmitForAsyncAnalysis(RequestEvent{Path: "/login", UserID: "admin", ResponseStatus: 401})
	engine.FlushEventBuffer(ctx)

	// The verdict targeted a user id from the batch, so the block lands
	// under the user: prefix the pre-check consults
	blocked, _ := store.IsBlocked(ctx, "user:admin")
	assert.True(t, blocked)
}

func TestEngine_AsyncBlockVerdictsIgnoredInMonitorMode(t *testing.T) {
	batcher := newStub("batcher", 100)
	batcher.onBatch = func(events []RequestEvent) ([]ThreatVerdict, error) {
		return []ThreatVerdict{Block("batcher", "brute force", "admin", 1800)}, nil
	}
	engine, store := newTestEngine(nil, batcher)
	ctx := context.Background()

	engine.SubmitForAsyncAnalysis(RequestEvent{Path: "/login", UserID: "admin", ResponseStatus: 401})
	engine.FlushEventBuffer(ctx)

	blocked, _ := store.IsBlocked(ctx, "user:admin")
	assert.False(t, blocked)
}

func TestEngine_ShutdownFlushesBuffer(t *testing.T) {
	batcher := newStub("batcher", 100)
	engine, _ := newTestEngine(nil, batcher)

	engine.SubmitForAsyncAnalysis(RequestEvent{Path: "/api/x"})
	engine.Shutdown(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&batcher.batchCalls))
}
