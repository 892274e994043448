//go:build !no_automation

package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, time.Now())
	}))

	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, time.Now())
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		switch level {
		case "debug":
			e.logger.Debug("script log", "msg", msg)
		case "warn":
			e.logger.Warn("script log", "msg", msg)
		case "error":
			e.logger.Error("script log", "msg", msg)
		default:
			e.logger.Info("script log", "msg", msg)
		}
		vm.logf("[" + level + "] " + msg)
		return 0
	}))

	L.SetGlobal("system", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from, to) takes hours or "HH:MM" strings. A range
// with from after to wraps midnight.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from, err := clockMinutes(L.Get(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := clockMinutes(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	L.Push(lua.LBool(inClockRange(now.Hour()*60+now.Minute(), from, to)))
	return 1
}

// clockMinutes converts an hour number or "HH:MM" to minutes after midnight.
func clockMinutes(v lua.LValue) (int, error) {
	switch t := v.(type) {
	case lua.LNumber:
		h := int(t)
		if h < 0 || h > 24 {
			return 0, fmt.Errorf("hour %d out of range", h)
		}
		return h * 60, nil
	case lua.LString:
		hs, ms, ok := strings.Cut(string(t), ":")
		if !ok {
			return 0, fmt.Errorf("expected HH:MM, got %q", string(t))
		}
		h, err1 := strconv.Atoi(hs)
		m, err2 := strconv.Atoi(ms)
		if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid time %q", string(t))
		}
		return h*60 + m, nil
	}
	return 0, fmt.Errorf("hour or HH:MM expected")
}

func inClockRange(now, from, to int) bool {
	if from <= to {
		return now >= from && now < to
	}
	return now >= from || now < to
}
