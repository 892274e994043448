//go:build !no_automation

package automation

import (
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// fixedClock registers system.datetime and system.time_between against a
// fixed time.
func fixedClock(L *lua.LState, now time.Time) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int { return systemDatetime(L, now) }))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int { return systemTimeBetween(L, now) }))
	L.SetGlobal("system", mod)
}

func TestSystemDatetime(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	// Wednesday.
	fixedClock(L, time.Date(2024, 6, 5, 21, 7, 9, 0, time.UTC))

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(21)},
		{"minute", lua.LNumber(7)},
		{"second", lua.LNumber(9)},
		{"weekday", lua.LNumber(3)},
		{"day", lua.LNumber(5)},
		{"month", lua.LNumber(6)},
		{"year", lua.LNumber(2024)},
		{"time_str", lua.LString("21:07:09")},
		{"date_str", lua.LString("2024-06-05")},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			L.SetGlobal("_comp", lua.LString(tt.component))
			if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != tt.want {
				t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		code string
		want bool
	}{
		{"inside hours", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), `return system.time_between(8, 18)`, true},
		{"end exclusive", time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), `return system.time_between(8, 18)`, false},
		{"clock strings", time.Date(2024, 1, 1, 7, 45, 0, 0, time.UTC), `return system.time_between("07:30", "08:00")`, true},
		{"before start", time.Date(2024, 1, 1, 7, 29, 0, 0, time.UTC), `return system.time_between("07:30", "08:00")`, false},
		{"wrap late", time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC), `return system.time_between(22, 6)`, true},
		{"wrap early", time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), `return system.time_between(22, 6)`, true},
		{"wrap outside", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), `return system.time_between(22, 6)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := lua.NewState()
			defer L.Close()
			fixedClock(L, tt.now)

			if err := L.DoString(tt.code); err != nil {
				t.Fatal(err)
			}
			if got := L.Get(-1); got != lua.LBool(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSystemTimeBetweenBadArguments(t *testing.T) {
	for _, code := range []string{
		`system.time_between("7", 8)`,
		`system.time_between(25, 8)`,
		`system.time_between("07:61", "08:00")`,
		`system.time_between({}, 8)`,
	} {
		L := lua.NewState()
		fixedClock(L, time.Now())
		if err := L.DoString(code); err == nil {
			t.Errorf("%s: expected error", code)
		}
		L.Close()
	}
}

func TestClockMinutes(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want int
	}{
		{lua.LNumber(0), 0},
		{lua.LNumber(7), 420},
		{lua.LNumber(24), 1440},
		{lua.LString("00:00"), 0},
		{lua.LString("7:05"), 425},
		{lua.LString("23:59"), 1439},
	}
	for _, tt := range tests {
		got, err := clockMinutes(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("clockMinutes(%v) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestSystemLogCapturedInRun(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`system.log("info", "hello")`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "[info] hello" {
		t.Errorf("logs = %v", res.Logs)
	}
}
