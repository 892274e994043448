//go:build !no_automation

package automation

import (
	"strconv"
	"time"

	lua "github.com/yuin/gopher-lua"

	"elero-go-home/internal/stick"
)

const maxHandlersPerScript = 100

// registerEleroModule registers the `elero` global table in a Lua state.
func registerEleroModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return eleroOn(L, vm, e)
	}))

	for name, cmd := range map[string]stick.CommandType{
		"up":           stick.CommandUp,
		"down":         stick.CommandDown,
		"stop":         stick.CommandStop,
		"intermediate": stick.CommandIntermediate,
		"ventilation":  stick.CommandVentilation,
	} {
		cmd := cmd
		mod.RawSetString(name, L.NewFunction(func(L *lua.LState) int {
			return eleroSend(L, e, cmd, 1)
		}))
	}

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		cmd, err := stick.ParseCommandType(L.CheckString(1))
		if err != nil || !cmd.IsMotion() {
			L.ArgError(1, "expected UP, DOWN, STOP, INTERMEDIATE or VENTILATION")
			return 0
		}
		return eleroSend(L, e, cmd, 2)
	}))

	mod.RawSetString("timed", L.NewFunction(func(L *lua.LState) int {
		return eleroTimed(L, e)
	}))

	mod.RawSetString("refresh", L.NewFunction(func(L *lua.LState) int {
		return eleroSend(L, e, stick.CommandInfo, 1)
	}))

	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		return eleroStatus(L, e)
	}))

	mod.RawSetString("channels", L.NewFunction(func(L *lua.LState) int {
		return eleroChannels(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return eleroAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		vm.logf(L.CheckString(1))
		return 0
	}))

	L.SetGlobal("elero", mod)
}

// checkTarget reads a channel number, channel name or group name.
func checkTarget(L *lua.LState, n int) string {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		return strconv.Itoa(int(v))
	case lua.LString:
		return string(v)
	}
	L.ArgError(n, "channel number or name expected")
	return ""
}

// elero.on(event, filter, fn)
func eleroOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	eventType := L.CheckString(1)
	filter := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}

	switch v := filter.RawGetString("channel").(type) {
	case lua.LNumber:
		h.channel = int(v)
	case lua.LString:
		ids, err := e.ctrl.Resolve(string(v))
		if err != nil || len(ids) != 1 {
			L.ArgError(2, "unknown channel "+string(v))
			return 0
		}
		h.channel = ids[0]
	}
	if v := filter.RawGetString("group"); v != lua.LNil {
		h.group = v.String()
	}
	if v := filter.RawGetString("status"); v != lua.LNil {
		h.status = v.String()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// elero.up(target) and friends; returns true when the command was queued.
func eleroSend(L *lua.LState, e *Engine, cmd stick.CommandType, arg int) int {
	target := checkTarget(L, arg)
	if err := sendToTarget(e.ctrl, cmd, target); err != nil {
		e.logger.Warn("script command failed", "command", cmd, "target", target, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// elero.timed(cmd, target, seconds)
func eleroTimed(L *lua.LState, e *Engine) int {
	cmd, err := stick.ParseCommandType(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	target := checkTarget(L, 2)
	seconds := L.CheckNumber(3)

	d := time.Duration(float64(seconds) * float64(time.Second))
	if err := sendTimedToTarget(e.ctrl, cmd, target, d); err != nil {
		e.logger.Warn("script timed command failed", "command", cmd, "target", target, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// elero.status(channel) returns the status name and closure percentage,
// or nil for an unknown channel.
func eleroStatus(L *lua.LState, e *Engine) int {
	target := checkTarget(L, 1)
	ids, err := e.ctrl.Resolve(target)
	if err != nil || len(ids) != 1 {
		L.Push(lua.LNil)
		return 1
	}
	info, ok := e.ctrl.Channel(ids[0])
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(info.Status))
	L.Push(lua.LNumber(info.Position))
	return 2
}

// elero.channels() returns a list of {id, name, status, position}.
func eleroChannels(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, ch := range e.ctrl.Channels() {
		t := L.NewTable()
		t.RawSetString("id", lua.LNumber(ch.ID))
		t.RawSetString("name", lua.LString(ch.Name))
		t.RawSetString("status", lua.LString(ch.Status))
		t.RawSetString("position", lua.LNumber(ch.Position))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// elero.after(seconds, fn) runs fn on the script's VM after a delay.
func eleroAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}
