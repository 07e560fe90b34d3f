//go:build !no_automation

package automation

import (
	"context"
	"time"

	"udk-dimmer-home/internal/hub"

	lua "github.com/yuin/gopher-lua"
)

// registerDimmerModule registers the `dimmer` global table in a Lua state.
func registerDimmerModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return dimmerOn(L, vm)
	}))

	mod.RawSetString("on_change", L.NewFunction(func(L *lua.LState) int {
		return dimmerOnChange(L, vm)
	}))

	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return dimmerSet(L, e)
	}))

	mod.RawSetString("off", L.NewFunction(func(L *lua.LState) int {
		return dimmerOff(L, e)
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return dimmerGet(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return dimmerAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return dimmerLog(L, e)
	}))

	mod.RawSetString("modules", L.NewFunction(func(L *lua.LState) int {
		return dimmerModules(L, e)
	}))

	L.SetGlobal("dimmer", mod)
}

const maxHandlersPerScript = 100

// dimmer.on(type, filter, callback)
func dimmerOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)
	return registerHandler(L, vm, eventType, filterTable, fn)
}

// dimmer.on_change(filter, callback) — shorthand for state change events
func dimmerOnChange(L *lua.LState, vm *scriptVM) int {
	filterTable := L.CheckTable(1)
	fn := L.CheckFunction(2)
	return registerHandler(L, vm, hub.EventStateChanged, filterTable, fn)
}

func registerHandler(L *lua.LState, vm *scriptVM, eventType string, filter *lua.LTable, fn *lua.LFunction) int {
	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filter.RawGetString("module"); v != lua.LNil {
		h.module = v.String()
	}
	if v := filter.RawGetString("channel"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok && n >= 1 && n <= 255 {
			h.channel = uint8(n)
		}
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// dimmer.set(module, channel, level [, fade_seconds])
func dimmerSet(L *lua.LState, e *Engine) int {
	module := L.CheckString(1)
	channel := checkChannel(L, 2)
	level := L.CheckInt(3)
	fade := optFade(L, 4)

	if level < 0 {
		level = 0
	}
	if level > 255 {
		level = 255
	}

	ctx, cancel := context.WithTimeout(context.Background(), fade+10*time.Second)
	defer cancel()

	if err := e.ctrl.SetLevel(ctx, module, channel, uint8(level), fade); err != nil {
		e.logger.Error("script set level", "module", module, "channel", channel, "level", level, "err", err)
	}
	return 0
}

// dimmer.off(module, channel [, fade_seconds])
func dimmerOff(L *lua.LState, e *Engine) int {
	module := L.CheckString(1)
	channel := checkChannel(L, 2)
	fade := optFade(L, 3)

	ctx, cancel := context.WithTimeout(context.Background(), fade+10*time.Second)
	defer cancel()

	if err := e.ctrl.TurnOff(ctx, module, channel, fade); err != nil {
		e.logger.Error("script turn off", "module", module, "channel", channel, "err", err)
	}
	return 0
}

// dimmer.get(module, channel) — returns level, on or nil
func dimmerGet(L *lua.LState, e *Engine) int {
	module := L.CheckString(1)
	channel := checkChannel(L, 2)

	st, err := e.ctrl.ChannelState(module, channel)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(st.Level))
	L.Push(lua.LBool(st.On))
	return 2
}

// dimmer.after(seconds, callback) — delayed execution
func dimmerAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// dimmer.log(msg)
func dimmerLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// dimmer.modules() — returns a table of configured modules and their channels
func dimmerModules(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, info := range e.ctrl.Modules() {
		m := L.NewTable()
		m.RawSetString("name", lua.LString(info.Name))
		m.RawSetString("address", lua.LNumber(info.Address))
		chs := L.NewTable()
		for j, ch := range info.Channels {
			c := L.NewTable()
			c.RawSetString("channel", lua.LNumber(ch.Channel))
			c.RawSetString("level", lua.LNumber(ch.Level))
			c.RawSetString("on", lua.LBool(ch.On))
			chs.RawSetInt(j+1, c)
		}
		m.RawSetString("channels", chs)
		tbl.RawSetInt(i+1, m)
	}
	L.Push(tbl)
	return 1
}

func checkChannel(L *lua.LState, pos int) uint8 {
	ch := L.CheckInt(pos)
	if ch < 1 || ch > 255 {
		L.ArgError(pos, "channel must be 1-255")
		return 0
	}
	return uint8(ch)
}

// optFade reads an optional fade duration in seconds.
func optFade(L *lua.LState, pos int) time.Duration {
	if L.GetTop() < pos {
		return 0
	}
	n := L.CheckNumber(pos)
	if n <= 0 {
		return 0
	}
	return time.Duration(float64(n) * float64(time.Second))
}
