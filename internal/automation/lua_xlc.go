//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"xlc-gateway/internal/codec"
)

const maxHandlersPerScript = 100

// registerXLCModule installs the `xlc` global table.
func registerXLCModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return xlcOn(L, vm) },
		"set_air":   func(L *lua.LState) int { return xlcSetAir(L, vm, e) },
		"sync_time": func(L *lua.LState) int { return xlcSyncTime(L, vm, e) },
		"state":     func(L *lua.LState) int { return xlcState(L, e) },
		"devices":   func(L *lua.LState) int { return xlcDevices(L, e) },
		"after":     func(L *lua.LState) int { return xlcAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			vm.logf(L.CheckString(1))
			return 0
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("xlc", mod)
}

// xlc.on(event_name, [device_id], fn)
func xlcOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{name: L.CheckString(1)}
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		h.device = L.CheckString(2)
		h.fn = L.CheckFunction(3)
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

// pushResult follows the Lua convention: true, or nil plus a message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func commandContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, commandTimeout)
}

// xlc.set_air(device_id, {power=, target_temperature=, mode=, fan_speed=})
// Missing fields keep the last reported heartbeat value.
func xlcSetAir(L *lua.LState, vm *scriptVM, e *Engine) int {
	id := L.CheckString(1)
	tbl := L.CheckTable(2)

	var s codec.AirStatus
	if info, ok := e.devices.Info(id); ok && info.Telemetry != nil {
		s = codec.AirStatus{
			Power:             info.Telemetry.Power,
			TargetTemperature: info.Telemetry.TargetTemperature,
			Mode:              info.Telemetry.Mode,
			FanSpeed:          info.Telemetry.FanSpeed,
		}
	}
	field := func(name string, dst *uint16) {
		if n, ok := tbl.RawGetString(name).(lua.LNumber); ok {
			*dst = uint16(n)
		}
	}
	field("power", &s.Power)
	field("target_temperature", &s.TargetTemperature)
	field("mode", &s.Mode)
	field("fan_speed", &s.FanSpeed)

	ctx, cancel := commandContext(vm)
	defer cancel()
	err := e.devices.SetAirStatus(ctx, id, s)
	if err != nil {
		e.logger.Warn("script air command failed", "device", id, "err", err)
	}
	return pushResult(L, err)
}

// xlc.sync_time(device_id)
func xlcSyncTime(L *lua.LState, vm *scriptVM, e *Engine) int {
	id := L.CheckString(1)
	ctx, cancel := commandContext(vm)
	defer cancel()
	err := e.devices.SyncTime(ctx, id)
	if err != nil {
		e.logger.Warn("script time sync failed", "device", id, "err", err)
	}
	return pushResult(L, err)
}

// xlc.state(device_id) returns the device view as a table, or nil.
func xlcState(L *lua.LState, e *Engine) int {
	info, ok := e.devices.Info(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(jsonToLua(L, info))
	return 1
}

// xlc.devices() returns a list of known identities.
func xlcDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, id := range e.devices.KnownIdentities() {
		tbl.RawSetInt(i+1, lua.LString(id))
	}
	L.Push(tbl)
	return 1
}

// xlc.after(seconds, fn) runs fn later on the script's goroutine.
func xlcAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full")
		}
	}()
	return 0
}
