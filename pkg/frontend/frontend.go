// Package frontend exposes the aggregated catalog to MCP clients. Every
// visible backend tool is registered under its qualified name; when the
// sandbox is enabled, the search and execute meta-tools are registered
// alongside (Code Mode). Registration is re-derived whenever the catalog
// or visibility rules change.
package frontend

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/manifest"
	"github.com/mcpgate/mcpgate/pkg/namespace"
)

// Transport selects how the frontend serves clients.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Options configures the caller-facing server.
type Options struct {
	// Name and Version are announced during the MCP handshake.
	Name    string
	Version string

	// Endpoint is the default namespace or group clients see. Empty
	// selects the default view.
	Endpoint string

	// Transport is stdio or http.
	Transport string

	// Address is the listen address for the http transport.
	Address string
}

// ConfigSource exposes the live configuration. Implemented by the
// reconciler.
type ConfigSource interface {
	Current() *config.Config
}

// Frontend is the caller-facing MCP server.
type Frontend struct {
	opts   Options
	man    *manifest.Manifest
	caller manifest.Caller
	store  *namespace.Store
	source ConfigSource

	mcp *server.MCPServer

	mu         sync.Mutex
	registered map[string]bool
}

// New builds the frontend. Call SyncTools once backends are discovered;
// until then the server announces no tools.
func New(opts Options, man *manifest.Manifest, caller manifest.Caller, store *namespace.Store, source ConfigSource) *Frontend {
	if opts.Name == "" {
		opts.Name = "mcpgate"
	}
	if opts.Transport == "" {
		opts.Transport = TransportStdio
	}

	f := &Frontend{
		opts:       opts,
		man:        man,
		caller:     caller,
		store:      store,
		source:     source,
		registered: make(map[string]bool),
	}
	f.mcp = server.NewMCPServer(
		opts.Name,
		opts.Version,
		server.WithToolCapabilities(false), // tools are registered dynamically
		server.WithLogging(),
	)
	return f
}

// SyncTools re-derives the registered tool set from the catalog and the
// active visibility rules. Safe to call from any goroutine.
func (f *Frontend) SyncTools() {
	visible, err := f.store.Load().ResolveEndpoint(f.opts.Endpoint)
	if err != nil {
		logger.Errorf("Resolving endpoint %q: %v", f.opts.Endpoint, err)
		visible = nil
	}

	desired := make(map[string]server.ServerTool)
	for _, tool := range f.man.Tools(visible) {
		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			logger.Warnf("Skipping tool %s: marshaling schema: %v", tool.Name, err)
			continue
		}
		desired[tool.Name] = server.ServerTool{
			Tool: mcp.Tool{
				Name:           tool.Name,
				Description:    tool.Description,
				RawInputSchema: schemaJSON,
			},
			Handler: f.toolHandler(tool.Name),
		}
	}
	if f.sandboxEnabled() {
		for _, meta := range f.metaTools() {
			desired[meta.Tool.Name] = meta
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var stale []string
	for name := range f.registered {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		f.mcp.DeleteTools(stale...)
	}

	tools := make([]server.ServerTool, 0, len(desired))
	next := make(map[string]bool, len(desired))
	for name, tool := range desired {
		tools = append(tools, tool)
		next[name] = true
	}
	if len(tools) > 0 {
		f.mcp.AddTools(tools...)
	}
	f.registered = next

	logger.Debugf("Frontend now exposes %d tools (%d removed)", len(desired), len(stale))
}

func (f *Frontend) sandboxEnabled() bool {
	cfg := f.source.Current()
	return cfg != nil && cfg.Sandbox != nil && cfg.Sandbox.Enabled
}

// Serve runs the frontend until the context is canceled (http) or the
// client disconnects (stdio).
func (f *Frontend) Serve(ctx context.Context) error {
	switch f.opts.Transport {
	case TransportHTTP:
		httpServer := server.NewStreamableHTTPServer(
			f.mcp,
			server.WithEndpointPath("/mcp"),
			server.WithHTTPContextFunc(endpointFromRequest),
		)
		go func() {
			<-ctx.Done()
			if err := httpServer.Shutdown(context.Background()); err != nil {
				logger.Warnf("Shutting down HTTP server: %v", err)
			}
		}()
		logger.Infof("Serving MCP over HTTP on %s/mcp", f.opts.Address)
		return httpServer.Start(f.opts.Address)
	default:
		logger.Info("Serving MCP over stdio")
		return server.ServeStdio(f.mcp)
	}
}

// endpointKey carries a per-request namespace or group override.
type endpointKey struct{}

// WithEndpoint returns a context addressing the given namespace or group.
func WithEndpoint(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, endpointKey{}, name)
}

func endpointFromRequest(ctx context.Context, r *http.Request) context.Context {
	if name := r.URL.Query().Get("namespace"); name != "" {
		return WithEndpoint(ctx, name)
	}
	if name := r.Header.Get("X-MCPGate-Namespace"); name != "" {
		return WithEndpoint(ctx, name)
	}
	return ctx
}

// endpoint picks the caller context for one request: an explicit argument
// wins over the transport-level override, which wins over the default.
func (f *Frontend) endpoint(ctx context.Context, override string) string {
	if override != "" {
		return override
	}
	if name, ok := ctx.Value(endpointKey{}).(string); ok && name != "" {
		return name
	}
	return f.opts.Endpoint
}
