package sandbox

import (
	"context"
	"fmt"
	"math"

	"github.com/Shopify/go-lua"

	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// luaHookInterval is the instruction count between deadline checks.
const luaHookInterval = 1000

// runLua evaluates an Embedded chunk with only the base, string, table and
// math libraries loaded. The context deadline is polled from a count hook.
func runLua(ctx context.Context, src string, args []value.Value) (value.Value, error) {
	l := lua.NewState()
	openSafeLibraries(l)

	pushValue(l, value.Vector(args))
	l.SetGlobal("args")

	lua.SetDebugHook(l, func(state *lua.State, _ lua.Debug) {
		if ctx.Err() != nil {
			lua.Errorf(state, "execution interrupted: %s", ctx.Err().Error())
		}
	}, lua.MaskCount, luaHookInterval)

	if err := lua.LoadString(l, src); err != nil {
		return nil, fmt.Errorf("lua load: %w", err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lua run: %w", err)
	}
	out := toValue(l, -1, 0)
	l.Pop(1)
	return out, nil
}

func openSafeLibraries(l *lua.State) {
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "require"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

func pushValue(l *lua.State, v value.Value) {
	switch t := v.(type) {
	case nil, value.Nil:
		l.PushNil()
	case value.Boolean:
		l.PushBoolean(bool(t))
	case value.Integer:
		l.PushInteger(int(t))
	case value.Float:
		l.PushNumber(float64(t))
	case value.String:
		l.PushString(string(t))
	case value.Keyword:
		l.PushString(string(t))
	case value.Symbol:
		l.PushString(string(t))
	case value.Vector:
		pushList(l, t)
	case value.List:
		pushList(l, t)
	case value.Map:
		l.CreateTable(0, len(t))
		for _, k := range t.Keys() {
			pushValue(l, t[k])
			l.SetField(-2, k)
		}
	default:
		l.PushString(fmt.Sprint(value.ToJSON(v)))
	}
}

func pushList(l *lua.State, items []value.Value) {
	l.CreateTable(len(items), 0)
	for i, item := range items {
		pushValue(l, item)
		l.RawSetInt(-2, i+1)
	}
}

const maxLuaDepth = 64

// toValue converts the Lua value at idx. Tables with keys 1..n become vectors,
// other tables become maps with stringified keys.
func toValue(l *lua.State, idx, depth int) value.Value {
	switch l.TypeOf(idx) {
	case lua.TypeBoolean:
		return value.Boolean(l.ToBoolean(idx))
	case lua.TypeNumber:
		n, _ := l.ToNumber(idx)
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return value.Integer(int64(n))
		}
		return value.Float(n)
	case lua.TypeString:
		s, _ := l.ToString(idx)
		return value.String(s)
	case lua.TypeTable:
		if depth >= maxLuaDepth {
			return value.Nil{}
		}
		return tableToValue(l, l.AbsIndex(idx), depth+1)
	default:
		return value.Nil{}
	}
}

func tableToValue(l *lua.State, idx, depth int) value.Value {
	m := value.Map{}
	var seq []value.Value
	isSeq := true
	l.PushNil()
	for l.Next(idx) {
		v := toValue(l, -1, depth)
		var key string
		if l.TypeOf(-2) == lua.TypeNumber {
			n, _ := l.ToNumber(-2)
			if isSeq && n == float64(len(seq)+1) {
				seq = append(seq, v)
			} else {
				isSeq = false
			}
			key = fmt.Sprint(n)
		} else {
			isSeq = false
			key, _ = l.ToString(-2)
		}
		m[key] = v
		l.Pop(1)
	}
	if isSeq && len(seq) == len(m) && len(seq) > 0 {
		return value.Vector(seq)
	}
	return m
}
