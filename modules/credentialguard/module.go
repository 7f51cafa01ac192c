// Package credentialguard detects brute force login attempts and credential
// stuffing. It watches login routes, counts failures per client fingerprint
// and per targeted account in rolling windows, and blocks offenders.
package credentialguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sentinai/sentinai-go/core"
)

const ID = "credential-guard"

const (
	defaultWindow                  = 5 * time.Minute
	defaultPerUsernameThreshold    = 10
	defaultPerFingerprintThreshold = 20
	defaultGlobalSpikeThreshold    = 500
	blockDuration                  = 30 * time.Minute
)

// Module implements credential attack detection at priority 100
type Module struct {
	core.BaseModule
}

// New creates the credential guard module
func New() *Module {
	return &Module{BaseModule: core.BaseModule{
		ModuleID:   ID,
		ModuleName: "Credential Guard",
		Priority:   100,
	}}
}

// AnalyzeRequest blocks login attempts from fingerprints with a stuffing
// history. Counting happens on the response path and in batch analysis;
// this path is a single store lookup.
func (m *Module) AnalyzeRequest(ctx context.Context, event core.RequestEvent, mc *core.ModuleContext) (core.ThreatVerdict, error) {
	if !isLoginAttempt(event) {
		return core.Safe(ID), nil
	}

	blocked, err := mc.Store.IsBlocked(ctx, "cg:fp:"+fingerprint(event))
	if err != nil {
		return core.Safe(ID), err
	}
	if blocked {
		return core.Block(ID,
			"Fingerprint blocked due to credential stuffing",
			event.SourceIP,
			int64(blockDuration.Seconds())), nil
	}
	return core.Safe(ID), nil
}

// AnalyzeResponse records login failures observed on the egress path
func (m *Module) AnalyzeResponse(ctx context.Context, response core.ResponseEvent, mc *core.ModuleContext) (core.ResponseEvent, error) {
	if !isLoginPath(response.Path) || !isLoginFailure(response.StatusCode) {
		return response, nil
	}

	count, err := mc.Store.IncrementCounter(ctx, "cg:path:"+response.Path, defaultWindow)
	if err != nil {
		return response, err
	}
	if _, err := mc.Store.IncrementCounter(ctx, "cg:global:failures", defaultWindow); err != nil {
		return response, err
	}

	if count%5 == 0 {
		mc.Logger.Debug("Login failures accumulating", map[string]interface{}{
			"path":  response.Path,
			"count": count,
		})
	}
	return response, nil
}

// AnalyzeBatch counts failed logins per fingerprint, per targeted username
// and per attacking identity, and emits block verdicts past the thresholds.
// A global failure spike downgrades everything to a single Log verdict
// because a site-wide failure wave usually means an outage, not an attack.
func (m *Module) AnalyzeBatch(ctx context.Context, events []core.RequestEvent, mc *core.ModuleContext) ([]core.ThreatVerdict, error) {
	var verdicts []core.ThreatVerdict

	mc.Logger.Info("Analyzing login failure batch", map[string]interface{}{
		"module": ID,
		"events": len(events),
	})

	perFingerprint := mc.IntOption(ID, "per-fingerprint-failures", defaultPerFingerprintThreshold)
	perUsername := mc.IntOption(ID, "per-username-failures", defaultPerUsernameThreshold)

	var failures []core.RequestEvent
	perTarget := make(map[string]int)

	for _, event := range events {
		if !isLoginAttempt(event) || !isLoginFailure(event.ResponseStatus) {
			continue
		}
		failures = append(failures, event)

		fp := fingerprint(event)
		fpKey := "cg:fp:" + fp
		count, err := mc.Store.IncrementCounter(ctx, fpKey, defaultWindow)
		if err != nil {
			return verdicts, err
		}
		if count >= int64(perFingerprint) {
			mc.Logger.Warn("Credential stuffing detected", map[string]interface{}{
				"fingerprint": fp,
				"attempts":    count,
			})
			verdicts = append(verdicts, core.Block(ID,
				fmt.Sprintf("Credential stuffing: %d failed attempts", count),
				fpKey,
				int64(blockDuration.Seconds())))
		}

		if username := extractUsername(event.Body); username != "" {
			if _, err := mc.Store.IncrementCounter(ctx, "cg:user:"+username, defaultWindow); err != nil {
				return verdicts, err
			}
		}

		target := event.UserID
		if target == "" {
			target = event.SourceIP
		}
		perTarget[target]++
	}

	spikeThreshold := mc.IntOption(ID, "global-failure-spike", defaultGlobalSpikeThreshold)
	globalFailures, err := mc.Store.GetCounter(ctx, "cg:global:failures")
	if err != nil {
		return verdicts, err
	}
	if globalFailures > int64(spikeThreshold) {
		mc.Logger.Warn("Global login failure spike", map[string]interface{}{
			"failures":  globalFailures,
			"threshold": spikeThreshold,
		})
		verdicts = append(verdicts, core.Suspicious(ID,
			fmt.Sprintf("Global login failure spike: %d failures in window", globalFailures),
			"global"))
	} else {
		for target, count := range perTarget {
			if count >= perUsername {
				mc.Logger.Warn("Brute force attack detected", map[string]interface{}{
					"target":   target,
					"attempts": count,
				})
				verdicts = append(verdicts, core.Block(ID,
					fmt.Sprintf("Brute force attack: %d failed attempts on user", count),
					target,
					int64(blockDuration.Seconds())))
			}
		}
	}

	if mc.AI != nil && mc.AI.Available() && len(failures) > 0 {
		verdicts = append(verdicts,
			mc.AI.Analyze(ctx, failures, "failed login attempts, look for credential stuffing or distributed brute force")...)
	}

	return verdicts, nil
}

func isLoginAttempt(event core.RequestEvent) bool {
	return strings.EqualFold(event.Method, "POST") && isLoginPath(event.Path)
}

func isLoginPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "/login") || strings.Contains(lower, "/auth") ||
		strings.Contains(lower, "/signin") || strings.Contains(lower, "/token") ||
		strings.Contains(lower, "/authenticate")
}

func isLoginFailure(status int) bool {
	return status == 400 || status == 401 || status == 403
}

// fingerprint identifies a client stack across IPs: user agent plus the
// accept headers the browser sends on every request
func fingerprint(event core.RequestEvent) string {
	if event.Fingerprint != "" {
		return event.Fingerprint
	}
	raw := event.UserAgent + "|" + event.Headers["accept-language"] + "|" + event.Headers["accept"]
	return fmt.Sprintf("%016x", xxhash.Sum64String(raw))
}

// extractUsername pulls the "username" value out of a JSON login body
// without a full parse. Login payloads are tiny and flat.
func extractUsername(body string) string {
	_, after, found := strings.Cut(body, `"username"`)
	if !found {
		return ""
	}
	_, after, found = strings.Cut(after, ":")
	if !found {
		return ""
	}
	after = strings.TrimSpace(after)
	if !strings.HasPrefix(after, `"`) {
		return ""
	}
	after = after[1:]
	if end := strings.IndexByte(after, '"'); end > 0 {
		return after[:end]
	}
	return ""
}
