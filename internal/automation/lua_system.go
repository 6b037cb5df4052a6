//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// now is replaced in tests.
var now = time.Now

// registerSystemModule installs the `system` table: clock helpers for
// schedule-like conditions inside event handlers.
func registerSystemModule(L *lua.LState) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	L.SetGlobal("system", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	t := now()
	var v lua.LValue
	switch c := L.CheckString(1); c {
	case "hour":
		v = lua.LNumber(t.Hour())
	case "minute":
		v = lua.LNumber(t.Minute())
	case "second":
		v = lua.LNumber(t.Second())
	case "weekday":
		v = lua.LNumber(t.Weekday())
	case "day":
		v = lua.LNumber(t.Day())
	case "month":
		v = lua.LNumber(t.Month())
	case "year":
		v = lua.LNumber(t.Year())
	case "timestamp":
		v = lua.LNumber(t.Unix())
	case "time_str":
		v = lua.LString(t.Format("15:04:05"))
	case "date_str":
		v = lua.LString(t.Format("2006-01-02"))
	default:
		L.ArgError(1, "unknown component: "+c)
		return 0
	}
	L.Push(v)
	return 1
}

// system.time_between(from_hour, to_hour) is true when the current hour is
// in [from, to). from > to wraps past midnight.
func systemTimeBetween(L *lua.LState) int {
	from, to := L.CheckInt(1), L.CheckInt(2)
	h := now().Hour()
	in := h >= from && h < to
	if from > to {
		in = h >= from || h < to
	}
	L.Push(lua.LBool(in))
	return 1
}
