package sandbox

import (
	"math"

	"github.com/Shopify/go-lua"
)

// pushGoValue pushes a JSON-shaped Go value onto the Lua stack. Maps
// become tables with string keys, slices become array tables.
func pushGoValue(state *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(v)
	case string:
		state.PushString(v)
	case float64:
		state.PushNumber(v)
	case int:
		state.PushNumber(float64(v))
	case int64:
		state.PushNumber(float64(v))
	case map[string]any:
		state.NewTable()
		for key, item := range v {
			pushGoValue(state, item)
			state.SetField(-2, key)
		}
	case []any:
		state.NewTable()
		for i, item := range v {
			pushGoValue(state, item)
			state.RawSetInt(-2, i+1)
		}
	default:
		// Anything else is not representable; nil keeps scripts total.
		state.PushNil()
	}
}

// luaToGo converts a Lua value to its JSON-shaped Go form.
func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(state, index)
	default:
		return nil
	}
}

// tableToGo converts a table, treating contiguous 1..n integer keys as an
// array and anything else as a string-keyed map.
func tableToGo(state *lua.State, index int) any {
	index = state.AbsIndex(index)

	length := state.RawLength(index)
	if length > 0 {
		arr := make([]any, 0, length)
		for i := 1; i <= length; i++ {
			state.RawGetInt(index, i)
			arr = append(arr, luaToGo(state, -1))
			state.Pop(1)
		}
		return arr
	}

	out := map[string]any{}
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			out[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return out
}

// tableToMap converts a table's string-keyed entries.
func tableToMap(state *lua.State, index int) map[string]any {
	out := map[string]any{}
	if state.TypeOf(index) != lua.TypeTable {
		return out
	}
	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			out[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return out
}

// normalizeNumber folds integral floats back to int so JSON output does
// not grow spurious ".0" suffixes.
func normalizeNumber(v float64) any {
	if v == math.Trunc(v) && !math.IsInf(v, 0) && math.Abs(v) < 1<<53 {
		return int64(v)
	}
	return v
}
