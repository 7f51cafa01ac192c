package credentialguard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinai/sentinai-go/core"
)

func newTestContext(opts ...core.Option) *core.ModuleContext {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		panic(err)
	}
	return core.NewModuleContext(core.NewInMemoryDecisionStore(), nil, cfg, nil)
}

func loginFailure(user, ip, body string) core.RequestEvent {
	return core.RequestEvent{
		Method:         "POST",
		Path:           "/login",
		SourceIP:       ip,
		UserID:         user,
		UserAgent:      "test-agent",
		Body:           body,
		ResponseStatus: 401,
	}
}

func TestAnalyzeRequest_IgnoresNonLoginTraffic(t *testing.T) {
	m := New()
	mc := newTestContext()
	ctx := context.Background()

	for _, event := range []core.RequestEvent{
		{Method: "GET", Path: "/login"},
		{Method: "POST", Path: "/api/orders"},
	} {
		verdict, err := m.AnalyzeRequest(ctx, event, mc)
		require.NoError(t, err)
		assert.Equal(t, core.LevelSafe, verdict.Level)
	}
}

func TestAnalyzeRequest_BlockedFingerprint(t *testing.T) {
	m := New()
	mc := newTestContext()
	ctx := context.Background()

	event := core.RequestEvent{Method: "POST", Path: "/auth/signin", SourceIP: "1.2.3.4", Fingerprint: "fp-1"}
	require.NoError(t, mc.Store.Block(ctx, "cg:fp:fp-1", "stuffing history", time.Hour))

	verdict, err := m.AnalyzeRequest(ctx, event, mc)
	require.NoError(t, err)

	assert.Equal(t, core.ActionBlock, verdict.Action)
	assert.Equal(t, "Fingerprint blocked due to credential stuffing", verdict.Reason)
	assert.Equal(t, "1.2.3.4", verdict.Target)
}

func TestAnalyzeResponse_RecordsLoginFailures(t *testing.T) {
	m := New()
	mc := newTestContext()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.AnalyzeResponse(ctx, core.ResponseEvent{Path: "/login", StatusCode: 401}, mc)
		require.NoError(t, err)
	}
	// Successes and non-login paths are not counted
	m.AnalyzeResponse(ctx, core.ResponseEvent{Path: "/login", StatusCode: 200}, mc)
	m.AnalyzeResponse(ctx, core.ResponseEvent{Path: "/api/orders", StatusCode: 401}, mc)

	pathCount, _ := mc.Store.GetCounter(ctx, "cg:path:/login")
	assert.Equal(t, int64(3), pathCount)
	globalCount, _ := mc.Store.GetCounter(ctx, "cg:global:failures")
	assert.Equal(t, int64(3), globalCount)
}

func TestAnalyzeBatch_BruteForceOnSingleUser(t *testing.T) {
	m := New()
	mc := newTestContext()

	var events []core.RequestEvent
	for i := 0; i < 12; i++ {
		events = append(events, loginFailure("admin", fmt.Sprintf("10.0.0.%d", i), `{"username":"admin"}`))
	}

	verdicts, err := m.AnalyzeBatch(context.Background(), events, mc)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)

	assert.Equal(t, core.ActionBlock, verdicts[0].Action)
	assert.Equal(t, "admin", verdicts[0].Target)
	assert.Equal(t, "Brute force attack: 12 failed attempts on user", verdicts[0].Reason)
	assert.Equal(t, int64(30*60), verdicts[0].BlockDurationSeconds)
}

func TestAnalyzeBatch_AnonymousFailuresCountByIP(t *testing.T) {
	m := New()
	mc := newTestContext(core.WithModuleOption(ID, "per-username-failures", 3))

	var events []core.RequestEvent
	for i := 0; i < 3; i++ {
		e := loginFailure("", "198.51.100.9", "")
		e.UserAgent = fmt.Sprintf("agent-%d", i) // distinct fingerprints
		events = append(events, e)
	}

	verdicts, err := m.AnalyzeBatch(context.Background(), events, mc)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, "198.51.100.9", verdicts[0].Target)
}

func TestAnalyzeBatch_CredentialStuffingFingerprint(t *testing.T) {
	m := New()
	mc := newTestContext(
		core.WithModuleOption(ID, "per-fingerprint-failures", 3),
		core.WithModuleOption(ID, "per-username-failures", 100),
	)

	// Same client stack rotating through users and IPs
	var events []core.RequestEvent
	for i := 0; i < 3; i++ {
		e := loginFailure(fmt.Sprintf("victim-%d", i), fmt.Sprintf("10.0.%d.1", i), "")
		e.Fingerprint = "shared-fp"
		events = append(events, e)
	}

	verdicts, err := m.AnalyzeBatch(context.Background(), events, mc)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)

	assert.Equal(t, core.ActionBlock, verdicts[0].Action)
	assert.Equal(t, "cg:fp:shared-fp", verdicts[0].Target)
	assert.Contains(t, verdicts[0].Reason, "Credential stuffing")
}

func TestAnalyzeBatch_GlobalSpikeSuppressesTargetBlocks(t *testing.T) {
	m := New()
	mc := newTestContext(core.WithModuleOption(ID, "global-failure-spike", 0))
	ctx := context.Background()

	_, err := mc.Store.IncrementCounter(ctx, "cg:global:failures", time.Minute)
	require.NoError(t, err)

	var events []core.RequestEvent
	for i := 0; i < 12; i++ {
		events = append(events, loginFailure("admin", "10.0.0.1", ""))
	}

	verdicts, err := m.AnalyzeBatch(ctx, events, mc)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)

	assert.Equal(t, core.ActionLog, verdicts[0].Action, "a global spike is an outage signal, not an attack")
	assert.Equal(t, "global", verdicts[0].Target)
	assert.Contains(t, verdicts[0].Reason, "Global login failure spike")
}

func TestAnalyzeBatch_TracksUsernameCounters(t *testing.T) {
	m := New()
	mc := newTestContext()
	ctx := context.Background()

	events := []core.RequestEvent{
		loginFailure("", "10.0.0.1", `{"username":"admin","password":"x"}`),
		loginFailure("", "10.0.0.2", `{"username":"admin","password":"y"}`),
	}

	_, err := m.AnalyzeBatch(ctx, events, mc)
	require.NoError(t, err)

	count, _ := mc.Store.GetCounter(ctx, "cg:user:admin")
	assert.Equal(t, int64(2), count)
}

func TestExtractUsername(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"username":"admin","password":"x"}`, "admin"},
		{`{"username" : "spaced"}`, "spaced"},
		{`{"password":"x"}`, ""},
		{`{"username":42}`, ""},
		{`{"username":""}`, ""},
		{``, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, extractUsername(tt.body), "body %q", tt.body)
	}
}

func TestIsLoginPath(t *testing.T) {
	for _, path := range []string{"/login", "/api/auth/login", "/SIGNIN", "/oauth/token", "/authenticate"} {
		assert.True(t, isLoginPath(path), "path %q", path)
	}
	for _, path := range []string{"/api/orders", "/users/5"} {
		assert.False(t, isLoginPath(path), "path %q", path)
	}
}
