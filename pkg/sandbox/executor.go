package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// Bindings are the only capabilities exposed to sandboxed code, as the
// Lua globals gateway.call, gateway.search, and gateway.manifest. All
// values crossing the boundary are JSON-shaped.
type Bindings struct {
	// CallTool invokes a qualified tool. It must enforce the caller's
	// visibility itself; the sandbox passes names through untouched.
	CallTool func(ctx context.Context, name string, args map[string]any) (any, error)

	// Search queries the catalog at a given detail depth.
	Search func(query string, depth int) any

	// Manifest lists the visible tools.
	Manifest func() any
}

// Result is a completed execution: everything the script printed plus its
// final return value.
type Result struct {
	Output string
	Value  any
}

// Execute runs one code submission under the given policy. The wall-clock
// budget covers the whole run; a script that overruns it is abandoned and
// its pending gateway calls are canceled.
func Execute(ctx context.Context, code string, policy config.SandboxPolicy, b Bindings) (*Result, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSandboxPolicy().Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := &run{ctx: runCtx, bindings: b}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.result, r.err = r.execute(code)
	}()

	select {
	case <-done:
		return r.result, r.err
	case <-runCtx.Done():
		logger.Warnf("Sandboxed execution exceeded its %s budget, abandoning", timeout)
		return nil, fmt.Errorf("%w: execution exceeded the %s budget", gateway.ErrTimeout, timeout)
	}
}

// run is the per-execution state shared between the interpreter goroutine
// and the bound primitives.
type run struct {
	ctx      context.Context
	bindings Bindings
	out      strings.Builder

	// failure preserves the typed Go error behind a Lua-raised binding
	// error so the caller sees the original kind, not a string.
	failure error

	result *Result
	err    error
}

func (r *run) execute(code string) (*Result, error) {
	state := lua.NewState()
	r.openLibraries(state)
	r.installGateway(state)

	if err := lua.LoadString(state, code); err != nil {
		return nil, fmt.Errorf("%w: compiling code: %v", gateway.ErrRuntime, err)
	}
	if err := state.ProtectedCall(0, lua.MultipleReturns, 0); err != nil {
		if r.failure != nil {
			return nil, r.failure
		}
		return nil, fmt.Errorf("%w: %v", gateway.ErrRuntime, err)
	}

	result := &Result{Output: r.out.String()}
	if state.Top() >= 1 {
		result.Value = luaToGo(state, -1)
	}
	return result, nil
}

// openLibraries loads only the computation libraries. The os, io,
// package, and debug libraries are never opened; the loading functions
// base would provide are removed.
func (r *run) openLibraries(state *lua.State) {
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(state, lib.name, lib.open, true)
		state.Pop(1)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage"} {
		state.PushNil()
		state.SetGlobal(name)
	}

	state.Register("print", r.luaPrint)
}

func (r *run) installGateway(state *lua.State) {
	state.NewTable()
	lua.SetFunctions(state, []lua.RegistryFunction{
		{Name: "call", Function: r.luaCall},
		{Name: "search", Function: r.luaSearch},
		{Name: "manifest", Function: r.luaManifest},
	}, 0)
	state.SetGlobal("gateway")
}

func (r *run) luaPrint(state *lua.State) int {
	parts := make([]string, 0, state.Top())
	for i := 1; i <= state.Top(); i++ {
		parts = append(parts, fmt.Sprintf("%v", luaToGo(state, i)))
	}
	r.out.WriteString(strings.Join(parts, "\t"))
	r.out.WriteString("\n")
	return 0
}

func (r *run) luaCall(state *lua.State) int {
	name := lua.CheckString(state, 1)
	var args map[string]any
	if state.Top() >= 2 && state.TypeOf(2) == lua.TypeTable {
		args = tableToMap(state, 2)
	}

	result, err := r.bindings.CallTool(r.ctx, name, args)
	if err != nil {
		r.failure = err
		lua.Errorf(state, "gateway.call(%s): %s", name, err.Error())
		return 0
	}
	pushGoValue(state, result)
	return 1
}

func (r *run) luaSearch(state *lua.State) int {
	query := lua.CheckString(state, 1)
	depth := lua.OptInteger(state, 2, 3)
	pushGoValue(state, r.bindings.Search(query, depth))
	return 1
}

func (r *run) luaManifest(state *lua.State) int {
	pushGoValue(state, r.bindings.Manifest())
	return 1
}
