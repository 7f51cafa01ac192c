// Package queryshield blocks application-layer DoS through expensive
// queries: known-malicious payloads (SQL injection, script injection,
// wildcard abuse), per-endpoint concurrency caps, and a per-endpoint
// circuit breaker fed by slow responses.
package queryshield

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sentinai/sentinai-go/core"
)

const ID = "query-shield"

const (
	defaultMaxConcurrency   = 50
	defaultBreakerThreshold = 5
	defaultSlowResponseMs   = 3000

	patternBlockDuration  = 10 * time.Minute
	wildcardBlockDuration = 5 * time.Minute
	circuitRecovery       = 30 * time.Second
)

// Payloads blocked on sight
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)['"]\s*(OR|AND)\s+['"]?\d`),
	regexp.MustCompile(`(?i)\bSLEEP\s*\(`),
	regexp.MustCompile(`(?i)\bUNION\s+SELECT\b`),
	regexp.MustCompile(`(?i)\$where\b`),
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`),
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
}

// Query parameter values that force expensive table scans
var wildcardPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^%+$`),
	regexp.MustCompile(`^_+$`),
	regexp.MustCompile(`(?i)\bLIKE\s+'%`),
}

// Module implements expensive-query protection at priority 200.
// Circuit and concurrency state is per-path and process-local: a slow
// instance should shed its own load, not trip the rest of the fleet.
type Module struct {
	core.BaseModule

	mu       sync.Mutex
	inFlight map[string]int
	circuits map[string]*circuitState
}

type circuitState struct {
	failures int
	open     bool
	openedAt time.Time
}

// New creates the query shield module
func New() *Module {
	return &Module{
		BaseModule: core.BaseModule{
			ModuleID:   ID,
			ModuleName: "Query Shield",
			Priority:   200,
		},
		inFlight: make(map[string]int),
		circuits: make(map[string]*circuitState),
	}
}

// AnalyzeRequest runs the three layers in order: payload patterns,
// wildcard abuse, then circuit and concurrency admission
func (m *Module) AnalyzeRequest(ctx context.Context, event core.RequestEvent, mc *core.ModuleContext) (core.ThreatVerdict, error) {
	haystack := fullQuery(event)
	for _, p := range dangerousPatterns {
		if p.MatchString(haystack) {
			mc.Logger.Warn("Dangerous query pattern detected", map[string]interface{}{
				"pattern": p.String(),
				"path":    event.Path,
			})
			return core.Block(ID,
				"Dangerous query pattern detected: "+p.String(),
				event.SourceIP,
				int64(patternBlockDuration.Seconds())), nil
		}
	}

	if verdict, matched := m.checkWildcardAbuse(event); matched {
		return verdict, nil
	}

	if m.circuitOpen(event.Path) {
		return core.Throttle(ID,
			fmt.Sprintf("Circuit breaker OPEN for %s, endpoint under stress", event.Path),
			event.SourceIP), nil
	}

	maxConcurrency := mc.IntOption(ID, "max-concurrency", defaultMaxConcurrency)
	if !m.admit(event.Path, maxConcurrency) {
		mc.Logger.Warn("Concurrency limit reached", map[string]interface{}{
			"path":  event.Path,
			"limit": maxConcurrency,
		})
		return core.Throttle(ID,
			"Concurrency limit reached for "+event.Path,
			event.SourceIP), nil
	}

	return core.Safe(ID), nil
}

// AnalyzeResponse releases the concurrency slot and feeds the circuit:
// slow responses accumulate failures, fast ones work them back down
func (m *Module) AnalyzeResponse(ctx context.Context, response core.ResponseEvent, mc *core.ModuleContext) (core.ResponseEvent, error) {
	slowMs := int64(mc.IntOption(ID, "slow-response-ms", defaultSlowResponseMs))
	threshold := mc.IntOption(ID, "circuit-breaker-threshold", defaultBreakerThreshold)

	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.inFlight[response.Path]; ok && n > 0 {
		m.inFlight[response.Path] = n - 1
	}

	if response.ResponseTimeMs > slowMs {
		circuit := m.circuits[response.Path]
		if circuit == nil {
			circuit = &circuitState{}
			m.circuits[response.Path] = circuit
		}
		circuit.failures++
		if circuit.failures >= threshold && !circuit.open {
			circuit.open = true
			circuit.openedAt = time.Now()
			mc.Logger.Warn("Circuit opened", map[string]interface{}{
				"path":           response.Path,
				"slow_responses": circuit.failures,
			})
		}
	} else if circuit := m.circuits[response.Path]; circuit != nil {
		if circuit.failures > 0 {
			circuit.failures--
		}
		if circuit.failures == 0 {
			circuit.open = false
		}
	}

	return response, nil
}

func (m *Module) checkWildcardAbuse(event core.RequestEvent) (core.ThreatVerdict, bool) {
	if event.QueryString == "" {
		return core.ThreatVerdict{}, false
	}
	decoded, err := url.QueryUnescape(event.QueryString)
	if err != nil {
		decoded = event.QueryString
	}
	for _, part := range strings.Split(decoded, "&") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		for _, p := range wildcardPatterns {
			if p.MatchString(value) {
				return core.Block(ID,
					fmt.Sprintf("Wildcard query abuse detected: %s=%s", key, value),
					event.SourceIP,
					int64(wildcardBlockDuration.Seconds())), true
			}
		}
	}
	return core.ThreatVerdict{}, false
}

// circuitOpen reports the circuit state for a path, auto-closing circuits
// past the recovery window so an idle endpoint heals without traffic
func (m *Module) circuitOpen(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	circuit := m.circuits[path]
	if circuit == nil || !circuit.open {
		return false
	}
	if time.Since(circuit.openedAt) > circuitRecovery {
		circuit.open = false
		circuit.failures = 0
		return false
	}
	return true
}

func (m *Module) admit(path string, limit int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight[path]+1 > limit {
		return false
	}
	m.inFlight[path]++
	return true
}

func fullQuery(event core.RequestEvent) string {
	var sb strings.Builder
	if event.QueryString != "" {
		decoded, err := url.QueryUnescape(event.QueryString)
		if err != nil {
			decoded = event.QueryString
		}
		sb.WriteString(decoded)
	}
	if event.Body != "" {
		sb.WriteString(" ")
		sb.WriteString(event.Body)
	}
	return sb.String()
}
