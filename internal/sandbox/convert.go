package sandbox

import (
	"fmt"
	"math"

	"github.com/Shopify/go-lua"
)

// pushValue mirrors a Go value onto the Lua stack. Maps become tables,
// slices become sequences; anything unrecognized is pushed as its
// string form.
func pushValue(l *lua.State, v any) {
	switch val := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(val)
	case int:
		l.PushInteger(val)
	case int64:
		l.PushInteger(int(val))
	case float64:
		l.PushNumber(val)
	case string:
		l.PushString(val)
	case []any:
		l.CreateTable(len(val), 0)
		for i, item := range val {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(val))
		for key, item := range val {
			pushValue(l, item)
			l.SetField(-2, key)
		}
	default:
		l.PushString(fmt.Sprint(val))
	}
}

// luaToGo converts the value at index into a plain Go value.
func luaToGo(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeString:
		value, _ := l.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := l.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(l, index)
	default:
		return nil
	}
}

// tableToMap converts the table at index into a string-keyed map,
// dropping non-string keys.
func tableToMap(l *lua.State, index int) map[string]any {
	output := map[string]any{}
	if l.TypeOf(index) != lua.TypeTable {
		return output
	}

	index = l.AbsIndex(index)
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			output[key] = luaToGo(l, -1)
		}
		l.Pop(1)
	}

	return output
}

// tableToGo converts a table into either a slice (contiguous 1-based
// integer keys) or a map.
func tableToGo(l *lua.State, index int) any {
	if l.TypeOf(index) != lua.TypeTable {
		return nil
	}

	index = l.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	l.PushNil()
	for l.Next(index) {
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := l.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			result = append(result, luaToGo(l, -1))
			l.Pop(1)
		}

		return result
	}

	return tableToMap(l, index)
}

// normalizeNumber collapses integral floats to int so JSON output does
// not grow spurious decimal points.
func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 && !math.IsInf(value, 0) {
		return int(value)
	}

	return value
}
