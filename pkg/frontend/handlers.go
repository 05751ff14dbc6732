package frontend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/manifest"
	"github.com/mcpgate/mcpgate/pkg/sandbox"
)

// defaultSearchDepth is used when the search meta-tool gets no depth.
const defaultSearchDepth = manifest.DepthCategories

// toolHandler relays one qualified tool to its backend.
func (f *Frontend) toolHandler(qualified string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		raw, err := f.callTool(ctx, qualified, args, f.endpoint(ctx, ""))
		if err != nil {
			return errorResult(err), nil
		}
		return relayResult(raw)
	}
}

// callTool routes a qualified tool call through visibility enforcement to
// the owning backend. A tool that exists but sits outside the caller's
// view fails authorization, not lookup.
func (f *Frontend) callTool(ctx context.Context, qualified string, args map[string]any, endpoint string) (json.RawMessage, error) {
	visible, err := f.store.Load().ResolveEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	backend, tool, err := f.man.Lookup(qualified)
	if err != nil {
		return nil, err
	}
	if !containsString(visible, backend) {
		return nil, fmt.Errorf("%w: tool %q is not authorized in this context", gateway.ErrPolicyViolation, qualified)
	}

	return f.caller.Call(ctx, backend, "tools/call", map[string]any{
		"name":      tool.Name,
		"arguments": args,
	})
}

// metaTools are the Code Mode surface: progressive catalog search and
// sandboxed code execution.
func (f *Frontend) metaTools() []server.ServerTool {
	searchTool := mcp.NewTool("search",
		mcp.WithDescription("Search the available tools progressively. "+
			"Depth 0 lists servers, 1 adds categories, 2 adds tool names, 3 adds full schemas. "+
			"An empty or single-character query lists everything."),
		mcp.WithString("query",
			mcp.Description("Free-text query matched against server, category, and tool names."),
			mcp.Required(),
		),
		mcp.WithNumber("depth",
			mcp.Description("Detail level from 0 (servers) to 3 (full schemas)."),
		),
		mcp.WithString("namespace",
			mcp.Description("Namespace or group to search instead of the default view."),
		),
	)

	executeTool := mcp.NewTool("execute",
		mcp.WithDescription("Run a Lua snippet against the gateway. The code may use "+
			"gateway.call(tool, args), gateway.search(query, depth), and gateway.manifest(). "+
			"Returns the script's printed output and final value."),
		mcp.WithString("code",
			mcp.Description("Lua source to execute."),
			mcp.Required(),
		),
		mcp.WithString("namespace",
			mcp.Description("Namespace or group the code executes against instead of the default view."),
		),
	)

	return []server.ServerTool{
		{Tool: searchTool, Handler: f.handleSearch},
		{Tool: executeTool, Handler: f.handleExecute},
	}
}

func (f *Frontend) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	query, _ := args["query"].(string)
	depth := defaultSearchDepth
	if v, ok := args["depth"].(float64); ok {
		depth = int(v)
	}
	override, _ := args["namespace"].(string)

	visible, err := f.store.Load().ResolveEndpoint(f.endpoint(ctx, override))
	if err != nil {
		return errorResult(err), nil
	}

	entries := f.man.Search(manifest.SearchOptions{Query: query, Depth: depth, Backends: visible})
	return jsonResult(map[string]any{"results": entries})
}

func (f *Frontend) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	code, _ := args["code"].(string)
	override, _ := args["namespace"].(string)
	endpoint := f.endpoint(ctx, override)

	cfg := f.source.Current()
	if cfg == nil || cfg.Sandbox == nil || !cfg.Sandbox.Enabled {
		return errorResult(fmt.Errorf("%w: code execution is not enabled", gateway.ErrPolicyViolation)), nil
	}

	resolver := f.store.Load()
	visible, err := resolver.ResolveEndpoint(endpoint)
	if err != nil {
		return errorResult(err), nil
	}

	// The namespace policy tier applies when the endpoint names a
	// namespace; groups and the default view get the global tier.
	policy := sandbox.EffectivePolicy(cfg.Sandbox, resolver, endpoint, "")

	bindings := sandbox.Bindings{
		CallTool: func(ctx context.Context, name string, callArgs map[string]any) (any, error) {
			raw, err := f.callTool(ctx, name, callArgs, endpoint)
			if err != nil {
				return nil, err
			}
			return decodeJSON(raw), nil
		},
		Search: func(query string, depth int) any {
			return jsonShape(f.man.Search(manifest.SearchOptions{Query: query, Depth: depth, Backends: visible}))
		},
		Manifest: func() any {
			return jsonShape(f.man.Tools(visible))
		},
	}

	result, err := sandbox.Execute(ctx, code, policy, bindings)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"output": result.Output, "value": result.Value})
}

// relayResult passes a backend's tools/call reply through unchanged.
func relayResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return errorResult(fmt.Errorf("%w: malformed backend reply: %v", gateway.ErrProtocol, err)), nil
	}
	return result, nil
}

// errorResult renders any error as a structured tool error. The message
// is never empty.
func errorResult(err error) *mcp.CallToolResult {
	data, merr := json.Marshal(gateway.NewCallError(err))
	if merr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Errorf("%w: encoding result: %v", gateway.ErrRuntime, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// jsonShape round-trips a typed value into plain maps and slices for the
// sandbox boundary.
func jsonShape(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return decodeJSON(data)
}

func decodeJSON(data []byte) any {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
