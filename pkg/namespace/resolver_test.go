package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/gateway"
)

func topology() *config.Config {
	return &config.Config{
		Servers: []gateway.BackendSpec{
			{Name: "fetch", Command: "npx", Enabled: true},
			{Name: "files", Command: "uvx", Enabled: true},
			{Name: "vault", Command: "uvx", Enabled: true},
			{Name: "scratch", Command: "uvx", Enabled: true},
		},
		Namespaces: map[string]config.Namespace{
			"core":    {Servers: []string{"fetch"}},
			"storage": {Servers: []string{"files"}, Extends: []string{"core"}},
			"secrets": {Servers: []string{"vault"}, Isolated: true},
		},
		Groups: map[string]config.Group{
			"everything": {Namespaces: []string{"storage", "!secrets"}},
		},
	}
}

func TestResolveFollowsExtends(t *testing.T) {
	t.Parallel()
	r := NewResolver(topology())

	servers, err := r.Resolve("storage")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "files"}, servers)
}

func TestResolveUnknownNamespace(t *testing.T) {
	t.Parallel()
	r := NewResolver(topology())

	_, err := r.Resolve("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrRouting)
}

func TestResolveDeduplicatesDiamond(t *testing.T) {
	t.Parallel()
	cfg := topology()
	cfg.Namespaces["left"] = config.Namespace{Servers: []string{"files"}, Extends: []string{"core"}}
	cfg.Namespaces["right"] = config.Namespace{Servers: []string{"vault"}, Extends: []string{"core"}}
	cfg.Namespaces["top"] = config.Namespace{Extends: []string{"left", "right"}}
	r := NewResolver(cfg)

	servers, err := r.Resolve("top")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "files", "vault"}, servers)
}

func TestResolveReportsCyclePath(t *testing.T) {
	t.Parallel()
	// Validation rejects cycles up front; the resolver still refuses to
	// loop if handed a bad graph directly.
	cfg := topology()
	cfg.Namespaces["a"] = config.Namespace{Extends: []string{"b"}}
	cfg.Namespaces["b"] = config.Namespace{Extends: []string{"a"}}
	r := NewResolver(cfg)

	_, err := r.Resolve("a")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrConfigRejected)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestResolveGroupForceIncludesIsolated(t *testing.T) {
	t.Parallel()
	r := NewResolver(topology())

	servers, err := r.ResolveGroup("everything")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "files", "vault"}, servers)
}

func TestResolveDefaultExcludesIsolated(t *testing.T) {
	t.Parallel()
	r := NewResolver(topology())

	servers := r.ResolveDefault()
	assert.Equal(t, []string{"fetch", "files", "scratch"}, servers)
	assert.NotContains(t, servers, "vault")
}

func TestResolveDefaultIncludesUngroupedServers(t *testing.T) {
	t.Parallel()
	r := NewResolver(topology())

	assert.Contains(t, r.ResolveDefault(), "scratch")
}

func TestServerOwningNamespaceFoldsIn(t *testing.T) {
	t.Parallel()
	cfg := topology()
	cfg.Servers = append(cfg.Servers, gateway.BackendSpec{
		Name: "extra", Command: "cmd", Enabled: true, Namespace: "core",
	})
	r := NewResolver(cfg)

	servers, err := r.Resolve("core")
	require.NoError(t, err)
	assert.Equal(t, []string{"extra", "fetch"}, servers)
}

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()
	r := NewResolver(topology())

	tests := []struct {
		name     string
		endpoint string
		want     []string
		wantErr  bool
	}{
		{name: "empty selects default", endpoint: "", want: []string{"fetch", "files", "scratch"}},
		{name: "namespace", endpoint: "core", want: []string{"fetch"}},
		{name: "isolated namespace addressed explicitly", endpoint: "secrets", want: []string{"vault"}},
		{name: "group", endpoint: "everything", want: []string{"fetch", "files", "vault"}},
		{name: "unknown is not-found", endpoint: "nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.ResolveEndpoint(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, gateway.ErrRouting)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGroupShadowsNamespaceName(t *testing.T) {
	t.Parallel()
	cfg := topology()
	cfg.Groups["core"] = config.Group{Namespaces: []string{"storage"}}
	r := NewResolver(cfg)

	servers, err := r.ResolveEndpoint("core")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "files"}, servers)
}

func TestStoreSwap(t *testing.T) {
	t.Parallel()
	first := NewResolver(topology())
	store := NewStore(first)
	assert.Same(t, first, store.Load())

	cfg := topology()
	delete(cfg.Namespaces, "secrets")
	second := NewResolver(cfg)
	store.Swap(second)
	assert.Same(t, second, store.Load())
}
