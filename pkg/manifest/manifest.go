// Package manifest maintains the aggregated tool catalog. Each backend's
// tools are discovered via tools/list and published under qualified
// "server__tool" names. The catalog is an immutable snapshot behind an
// atomic pointer; readers never block on a refresh.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// refreshConcurrency bounds parallel tools/list calls during a bulk
// refresh.
const refreshConcurrency = 4

// Caller forwards a JSON-RPC request to a named backend. Satisfied by the
// supervisor.
type Caller interface {
	Call(ctx context.Context, name, method string, params any) ([]byte, error)
}

type snapshot struct {
	// backends maps backend name to its tools, unqualified names.
	backends map[string][]gateway.Tool

	// refreshed records when each backend's entry was last rebuilt.
	refreshed map[string]time.Time
}

// Manifest is the aggregated catalog.
type Manifest struct {
	caller Caller

	// writeMu serializes snapshot replacement; reads go through the
	// atomic pointer only.
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

// New creates an empty manifest backed by the given caller.
func New(caller Caller) *Manifest {
	m := &Manifest{caller: caller}
	m.snap.Store(&snapshot{
		backends:  map[string][]gateway.Tool{},
		refreshed: map[string]time.Time{},
	})
	return m
}

type listToolsResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
}

// Refresh re-discovers one backend's tools and publishes a new snapshot.
// On failure the previous catalog entry for the backend is kept.
func (m *Manifest) Refresh(ctx context.Context, backend string) error {
	raw, err := m.caller.Call(ctx, backend, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("discovering tools of %s: %w", backend, err)
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: %s: malformed tools/list result: %v", gateway.ErrProtocol, backend, err)
	}

	tools := make([]gateway.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, gateway.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	m.update(func(next *snapshot) {
		next.backends[backend] = tools
		next.refreshed[backend] = time.Now()
	})
	logger.Infof("Discovered %d tools from backend %s", len(tools), backend)
	return nil
}

// RefreshAll refreshes the given backends in parallel. Per-backend errors
// are joined; successful backends are published regardless.
func (m *Manifest) RefreshAll(ctx context.Context, backends []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, backend := range backends {
		backend := backend
		g.Go(func() error {
			return m.Refresh(ctx, backend)
		})
	}
	return g.Wait()
}

// Remove drops a backend's tools from the catalog.
func (m *Manifest) Remove(backend string) {
	m.update(func(next *snapshot) {
		delete(next.backends, backend)
		delete(next.refreshed, backend)
	})
}

// RefreshedAt reports when a backend's entry was last rebuilt.
func (m *Manifest) RefreshedAt(backend string) (time.Time, bool) {
	snap := m.snap.Load()
	t, ok := snap.refreshed[backend]
	return t, ok
}

// update applies a mutation to a copy of the catalog and swaps it in.
func (m *Manifest) update(mutate func(*snapshot)) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.snap.Load()
	next := &snapshot{
		backends:  make(map[string][]gateway.Tool, len(old.backends)+1),
		refreshed: make(map[string]time.Time, len(old.refreshed)+1),
	}
	for name, tools := range old.backends {
		next.backends[name] = tools
	}
	for name, t := range old.refreshed {
		next.refreshed[name] = t
	}
	mutate(next)
	m.snap.Store(next)
}

// Lookup resolves a qualified tool name to its backend and tool.
func (m *Manifest) Lookup(qualified string) (string, gateway.Tool, error) {
	backend, toolName, err := gateway.SplitToolName(qualified)
	if err != nil {
		return "", gateway.Tool{}, err
	}

	snap := m.snap.Load()
	tools, ok := snap.backends[backend]
	if !ok {
		return "", gateway.Tool{}, fmt.Errorf("%w: unknown backend %q in tool %q", gateway.ErrRouting, backend, qualified)
	}
	for _, tool := range tools {
		if tool.Name == toolName {
			return backend, tool, nil
		}
	}
	return "", gateway.Tool{}, fmt.Errorf("%w: backend %q has no tool %q", gateway.ErrRouting, backend, toolName)
}

// Tools returns the qualified tools of the given backends, sorted by
// qualified name. Backends absent from the catalog contribute nothing.
func (m *Manifest) Tools(backends []string) []gateway.Tool {
	snap := m.snap.Load()
	var out []gateway.Tool
	for _, backend := range backends {
		for _, tool := range snap.backends[backend] {
			out = append(out, gateway.Tool{
				Name:        gateway.QualifyToolName(backend, tool.Name),
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Backends returns the backends currently present in the catalog, sorted.
func (m *Manifest) Backends() []string {
	snap := m.snap.Load()
	out := make([]string, 0, len(snap.backends))
	for name := range snap.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
