package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"
)

const (
	// luaHookInstructions is how many VM instructions run between deadline checks.
	luaHookInstructions = 1000

	luaInterruptedMessage = "execution interrupted"
)

// luaUnsafeGlobals are base library entries that reach the host or the
// loader. They are removed before the snippet runs.
var luaUnsafeGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"collectgarbage",
}

// LuaRunner evaluates Lua 5.2 snippets in a fresh interpreter per call. Only
// the base, string, table, math and bit32 libraries are loaded; io, os,
// package and debug are never opened.
type LuaRunner struct{}

func (LuaRunner) Language() string {
	return "lua"
}

func (LuaRunner) Execute(ctx context.Context, code string, limits Limits) (string, error) {
	out := newOutputBuffer(limits.MaxOutputBytes)
	l := lua.NewState()
	oversized := false
	interrupted := func() bool { return ctx.Err() != nil }
	openLuaSandbox(l, out, limits, &oversized, interrupted)

	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if interrupted() {
			lua.Errorf(l, "%s", luaInterruptedMessage)
		}
	}, lua.MaskCount, luaHookInstructions)

	if err := lua.LoadBuffer(l, code, "=snippet", "t"); err != nil {
		return "", runtimeError(luaMessage(l, err))
	}
	err := l.ProtectedCall(0, 0, 0)
	switch {
	case ctx.Err() != nil:
		return out.String(), stopped(ctx, limits)
	case out.exceeded:
		return out.String(), out.err()
	case oversized:
		return out.String(), resourceExceeded(fmt.Sprintf("string result exceeds %d bytes", limits.MaxOutputBytes))
	case err != nil:
		return out.String(), runtimeError(luaMessage(l, err))
	}
	return out.String(), nil
}

func openLuaSandbox(l *lua.State, out *outputBuffer, limits Limits, oversized *bool, interrupted func() bool) {
	libs := []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
		{"bit32", lua.Bit32Open},
	}
	for _, lib := range libs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range luaUnsafeGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}
	l.Register("pcall", luaProtectedCall(interrupted))
	l.Register("xpcall", luaProtectedCallWithHandler(interrupted))

	l.Register("print", func(l *lua.State) int {
		n := l.Top()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			s, ok := lua.ToStringMeta(l, i)
			if !ok {
				lua.Errorf(l, "'tostring' must return a string to 'print'")
			}
			parts = append(parts, s)
			l.Pop(1)
		}
		if err := out.writeLine(strings.Join(parts, "\t")); err != nil {
			lua.Errorf(l, "%s", err.Error())
		}
		return 0
	})

	l.Global("string")
	l.PushGoFunction(func(l *lua.State) int {
		s := lua.CheckString(l, 1)
		n := lua.CheckInteger(l, 2)
		sep := lua.OptString(l, 3, "")
		if n <= 0 {
			l.PushString("")
			return 1
		}
		if n > limits.MaxOutputBytes || len(s)*n+len(sep)*(n-1) > limits.MaxOutputBytes {
			*oversized = true
			lua.Errorf(l, "string.rep result exceeds %d bytes", limits.MaxOutputBytes)
		}
		if sep == "" {
			l.PushString(strings.Repeat(s, n))
			return 1
		}
		parts := make([]string, n)
		for i := range parts {
			parts[i] = s
		}
		l.PushString(strings.Join(parts, sep))
		return 1
	})
	l.SetField(-2, "rep")
	l.Pop(1)
}

// luaProtectedCall is pcall that cannot swallow an interruption: once the
// run is stopped the error is raised again instead of returned.
func luaProtectedCall(interrupted func() bool) lua.Function {
	return func(l *lua.State) int {
		lua.CheckAny(l, 1)
		l.PushNil()
		l.Insert(1)
		err := l.ProtectedCall(l.Top()-2, lua.MultipleReturns, 0)
		return luaFinishProtectedCall(l, err, interrupted)
	}
}

// luaProtectedCallWithHandler is xpcall with the same guarantee. The message
// handler runs without hooks when the error came from the hook, so it is
// skipped once the run is stopped.
func luaProtectedCallWithHandler(interrupted func() bool) lua.Function {
	return func(l *lua.State) int {
		n := l.Top()
		lua.ArgumentCheck(l, n >= 2, 2, "value expected")
		l.PushValue(2)
		l.PushGoClosure(func(l *lua.State) int {
			if interrupted() || !l.IsFunction(lua.UpValueIndex(1)) {
				return 1
			}
			l.PushValue(lua.UpValueIndex(1))
			l.Insert(1)
			l.Call(1, 1)
			return 1
		}, 1)
		l.Replace(2)
		l.PushValue(1)
		l.Copy(2, 1)
		l.Replace(2)
		err := l.ProtectedCall(n-2, lua.MultipleReturns, 1)
		return luaFinishProtectedCall(l, err, interrupted)
	}
}

func luaFinishProtectedCall(l *lua.State, err error, interrupted func() bool) int {
	if interrupted() {
		lua.Errorf(l, "%s", luaInterruptedMessage)
	}
	l.PushBoolean(err == nil)
	l.Replace(1)
	return l.Top()
}

// luaMessage prefers the error value left on the stack by a failed call.
func luaMessage(l *lua.State, err error) string {
	if msg, ok := l.ToString(-1); ok && msg != "" {
		l.Pop(1)
		return msg
	}
	return fmt.Sprint(err)
}
