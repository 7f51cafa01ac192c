// Package dlp scans outgoing JSON responses for sensitive data: card
// numbers, government ids, password hashes, API keys, tokens and private
// keys. Depending on configuration it logs, redacts or blocks the response.
package dlp

import (
	"context"
	"regexp"
	"strings"

	"github.com/sentinai/sentinai-go/core"
)

const ID = "data-leak-prevention"

const (
	redactionMarker   = "[REDACTED BY SENTINAI]"
	blockedBody       = `{"error":"Response blocked by SentinAI: contains sensitive data"}`
	defaultMaxPayload = 1 << 20
)

// Module modes. The zero value falls back per resolveMode.
const (
	ModeLog    = "LOG"
	ModeRedact = "REDACT"
	ModeBlock  = "BLOCK"
)

// Auth endpoints where JWT tokens are returned on purpose; the jwt-token
// detector is suppressed there so frontends still receive their tokens.
var authPaths = map[string]struct{}{
	"/api/login":         {},
	"/api/auth":          {},
	"/api/token":         {},
	"/api/register":      {},
	"/api/refresh":       {},
	"/api/oauth":         {},
	"/login":             {},
	"/auth":              {},
	"/token":             {},
	"/oauth/token":       {},
	"/api/auth/login":    {},
	"/api/auth/register": {},
}

// detector pairs a pattern with an optional validator. group selects the
// submatch carrying the sensitive value when the pattern needs surrounding
// context to anchor (RE2 has no lookaround).
type detector struct {
	name     string
	pattern  *regexp.Regexp
	group    int
	validate func(string) bool
}

var detectors = []detector{
	{
		name:     "credit-card",
		pattern:  regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`),
		validate: luhnCheck,
	},
	{name: "ssn", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "aadhaar", pattern: regexp.MustCompile(`\b\d{4}[\s-]\d{4}[\s-]\d{4}\b`)},
	{name: "password-hash-bcrypt", pattern: regexp.MustCompile(`\$2[aby]?\$\d{2}\$[./A-Za-z0-9]{53}`)},
	{name: "password-hash-argon2", pattern: regexp.MustCompile(`\$argon2[id]{1,2}\$[^"\s]+`)},
	{name: "api-key-openai", pattern: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{name: "api-key-aws", pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{name: "api-key-github", pattern: regexp.MustCompile(`gh[ps]_[A-Za-z0-9_]{36,}`)},
	{name: "jwt-token", pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+`)},
	{name: "private-key", pattern: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-----`)},
	{name: "hex-secret", pattern: regexp.MustCompile(`"([a-f0-9]{64})"`), group: 1},
}

// Module implements data leak prevention at priority 800, late in the
// response chain so it sees what earlier modules let through
type Module struct {
	core.BaseModule
}

// New creates the data leak prevention module
func New() *Module {
	return &Module{BaseModule: core.BaseModule{
		ModuleID:   ID,
		ModuleName: "Data Leak Prevention",
		Priority:   800,
	}}
}

type finding struct {
	detector string
	value    string
}

// AnalyzeRequest is a no-op; this module only inspects responses.
func (m *Module) AnalyzeRequest(ctx context.Context, event core.RequestEvent, mc *core.ModuleContext) (core.ThreatVerdict, error) {
	return core.Safe(ID), nil
}

// AnalyzeResponse scans JSON response bodies and applies the configured
// action. Non-JSON, empty and oversized bodies pass through untouched.
func (m *Module) AnalyzeResponse(ctx context.Context, response core.ResponseEvent, mc *core.ModuleContext) (core.ResponseEvent, error) {
	body := response.Body
	if body == "" {
		return response, nil
	}
	if response.ContentType != "" && !strings.Contains(response.ContentType, "json") {
		return response, nil
	}
	maxPayload := mc.IntOption(ID, "max-payload-size", defaultMaxPayload)
	if len(body) > maxPayload {
		return response, nil
	}

	findings := scan(body, response.Path)
	if len(findings) == 0 {
		return response, nil
	}

	for _, f := range findings {
		mc.Logger.Warn("Sensitive data detected in response", map[string]interface{}{
			"path":     response.Path,
			"detector": f.detector,
			"value":    maskValue(f.value),
		})
	}

	switch resolveMode(mc) {
	case ModeBlock:
		if mc.Config.ActiveMode() {
			mc.Logger.Error("Response blocked, sensitive data found", map[string]interface{}{
				"path":     response.Path,
				"findings": len(findings),
			})
			return response.WithBody(blockedBody), nil
		}
		return response, nil
	case ModeRedact:
		redacted := body
		for _, f := range findings {
			redacted = strings.ReplaceAll(redacted, f.value, redactionMarker)
		}
		mc.Logger.Info("Redacted sensitive data in response", map[string]interface{}{
			"path":     response.Path,
			"findings": len(findings),
		})
		return response.WithBody(redacted), nil
	default:
		return response, nil
	}
}

func scan(body, path string) []finding {
	var findings []finding
	for _, d := range detectors {
		if d.name == "jwt-token" && isAuthPath(path) {
			continue
		}
		for _, match := range d.pattern.FindAllStringSubmatch(body, -1) {
			value := match[d.group]
			if d.validate != nil && !d.validate(value) {
				continue
			}
			findings = append(findings, finding{detector: d.name, value: value})
		}
	}
	return findings
}

// resolveMode combines the module mode option with the global mode.
// An explicit LOG is honored even when the firewall is active; an unset
// mode under an active firewall defaults to REDACT.
func resolveMode(mc *core.ModuleContext) string {
	mode := strings.ToUpper(mc.StringOption(ID, "mode", ""))
	switch mode {
	case ModeLog, ModeRedact, ModeBlock:
		return mode
	}
	if mc.Config.ActiveMode() {
		return ModeRedact
	}
	return ModeLog
}

func isAuthPath(path string) bool {
	if _, ok := authPaths[path]; ok {
		return true
	}
	lower := strings.ToLower(path)
	return strings.Contains(lower, "/login") || strings.Contains(lower, "/auth/") ||
		strings.Contains(lower, "/token") || strings.Contains(lower, "/oauth")
}

// maskValue keeps the first and last four characters so operators can
// correlate findings without the log itself leaking the value
func maskValue(value string) string {
	head := value
	if len(head) > 4 {
		head = head[:4]
	}
	tail := value
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return head + "..." + tail
}

// luhnCheck validates card number checksums; separators are ignored
func luhnCheck(number string) bool {
	var digits []int
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := digits[i]
		if alternate {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alternate = !alternate
	}
	return sum%10 == 0
}
