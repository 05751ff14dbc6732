package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/namespace"
)

func testBindings() Bindings {
	return Bindings{
		CallTool: func(_ context.Context, name string, args map[string]any) (any, error) {
			if name == "secrets__vault__read" {
				return nil, gateway.ErrPolicyViolation
			}
			return map[string]any{"tool": name, "echo": args}, nil
		},
		Search: func(query string, depth int) any {
			return []any{map[string]any{"server": "files", "query": query, "depth": depth}}
		},
		Manifest: func() any {
			return []any{map[string]any{"name": "files__watch"}}
		},
	}
}

func execute(t *testing.T, code string) (*Result, error) {
	t.Helper()
	return Execute(context.Background(), code, config.DefaultSandboxPolicy(), testBindings())
}

func TestExecuteReturnsValue(t *testing.T) {
	t.Parallel()
	result, err := execute(t, `return 2 + 3`)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Value)
}

func TestExecuteCapturesPrint(t *testing.T) {
	t.Parallel()
	result, err := execute(t, `print("hello", 42)`)
	require.NoError(t, err)
	assert.Equal(t, "hello\t42\n", result.Output)
}

func TestGatewayCallBinding(t *testing.T) {
	t.Parallel()
	result, err := execute(t, `
local r = gateway.call("files__watch", {path = "/tmp"})
return r.echo.path
`)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", result.Value)
}

func TestGatewayCallErrorKeepsKind(t *testing.T) {
	t.Parallel()
	_, err := execute(t, `return gateway.call("secrets__vault__read")`)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrPolicyViolation)
}

func TestGatewaySearchBinding(t *testing.T) {
	t.Parallel()
	result, err := execute(t, `
local hits = gateway.search("watch", 2)
return hits[1].server
`)
	require.NoError(t, err)
	assert.Equal(t, "files", result.Value)
}

func TestGatewayManifestBinding(t *testing.T) {
	t.Parallel()
	result, err := execute(t, `return gateway.manifest()[1].name`)
	require.NoError(t, err)
	assert.Equal(t, "files__watch", result.Value)
}

func TestRuntimeErrorIsRuntimeKind(t *testing.T) {
	t.Parallel()
	_, err := execute(t, `error("boom")`)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrRuntime)
	assert.Contains(t, err.Error(), "boom")
}

func TestCompileErrorIsRuntimeKind(t *testing.T) {
	t.Parallel()
	_, err := execute(t, `this is not lua`)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrRuntime)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	bindings := testBindings()
	bindings.CallTool = func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	policy := config.DefaultSandboxPolicy()
	policy.Timeout = time.Second

	start := time.Now()
	_, err := Execute(context.Background(), `gateway.call("slow__tool")`, policy, bindings)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestValidateCodeRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		code     string
		contains string
	}{
		{name: "empty", code: "", contains: "empty"},
		{name: "oversized", code: "-- " + strings.Repeat("x", maxCodeBytes), contains: "byte limit"},
		{name: "require", code: `local socket = require("socket")`, contains: "require"},
		{name: "dofile", code: `dofile("/etc/passwd")`, contains: "dofile"},
		{name: "load", code: `load("return 1")()`, contains: "load"},
		{name: "os library", code: `os.execute("rm -rf /")`, contains: "os"},
		{name: "io library", code: `io.open("/etc/passwd")`, contains: "io"},
		{name: "debug library", code: `debug.getinfo(1)`, contains: "debug"},
		{name: "bracket access", code: `local x = os["execute"]`, contains: "os"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateCode(tt.code)
			require.Error(t, err)
			assert.ErrorIs(t, err, gateway.ErrPolicyViolation)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestValidateCodeAllowsInnocentNames(t *testing.T) {
	t.Parallel()
	// Identifiers that merely contain blocked substrings must pass.
	require.NoError(t, ValidateCode(`
local payload = {videos = 3}
local workload = payload.videos + 1
return workload
`))
}

func TestBlockedGlobalsAreGone(t *testing.T) {
	t.Parallel()
	// The validator catches direct references; indirection past it still
	// finds nothing bound.
	result, err := execute(t, `
local first = "dof" .. "ile"
local second = "l" .. "oadfile"
return tostring(_G[first]) .. " " .. tostring(_G[second])
`)
	require.NoError(t, err)
	assert.Equal(t, "nil nil", result.Value)
}

func TestEffectivePolicyMergeOrder(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Servers: []gateway.BackendSpec{
			{Name: "files", Command: "cmd", Enabled: true},
		},
		Namespaces: map[string]config.Namespace{
			"base":    {Servers: []string{"files"}},
			"derived": {Extends: []string{"base"}},
		},
	}
	resolver := namespace.NewResolver(cfg)

	sb := &config.SandboxConfig{
		Enabled: true,
		Policy:  config.SandboxPolicy{Timeout: 20 * time.Second, MemoryMB: 64},
		Namespaces: map[string]config.SandboxPolicy{
			"base":    {Timeout: 15 * time.Second, AllowHosts: []string{"internal.example.com"}},
			"derived": {Timeout: 10 * time.Second},
		},
		Servers: map[string]config.SandboxPolicy{
			"files": {Timeout: 5 * time.Second},
		},
	}

	policy := EffectivePolicy(sb, resolver, "derived", "files")
	// Server tier wins the timeout; unset fields inherit from below.
	assert.Equal(t, 5*time.Second, policy.Timeout)
	assert.Equal(t, 64, policy.MemoryMB)
	assert.Equal(t, []string{"internal.example.com"}, policy.AllowHosts)
	// Defaults survive where no tier overrides them.
	assert.Contains(t, policy.DenyCapabilities, "process_spawn")
}

func TestEffectivePolicyNilConfig(t *testing.T) {
	t.Parallel()
	policy := EffectivePolicy(nil, nil, "", "")
	assert.Equal(t, config.DefaultSandboxPolicy(), policy)
}
