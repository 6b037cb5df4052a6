//go:build !no_automation

// Package automation runs user Lua scripts that react to gateway events and
// drive the air conditioners.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/event"
	"xlc-gateway/internal/gateway"
)

const (
	runTimeout     = 5 * time.Second
	commandTimeout = 10 * time.Second
	commandQueue   = 64
)

// Devices is what scripts can see and do.
type Devices interface {
	SetAirStatus(ctx context.Context, id string, s codec.AirStatus) error
	SyncTime(ctx context.Context, id string) error
	Info(id string) (gateway.DeviceInfo, bool)
	KnownIdentities() []string
}

// RunResult is the outcome of a one-shot run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type luaEventHandler struct {
	name   string
	device string // empty matches every device
	fn     *lua.LFunction
}

func (h luaEventHandler) matches(e event.Event) bool {
	return h.name == e.Name && (h.device == "" || h.device == e.DeviceID)
}

// scriptVM is one script's Lua state. Only the goroutine draining commands
// touches state after the script body has run.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler

	// logf receives xlc.log output
	logf func(msg string)
}

func (vm *scriptVM) handlersFor(e event.Event) []*lua.LFunction {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var out []*lua.LFunction
	for _, h := range vm.handlers {
		if h.matches(e) {
			out = append(out, h.fn)
		}
	}
	return out
}

// Engine owns the running script VMs and feeds them bus events.
type Engine struct {
	devices Devices
	manager *Manager
	bus     *event.Bus
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
	wg    sync.WaitGroup
}

// NewEngine creates an engine. Call Start to load enabled scripts.
func NewEngine(devices Devices, mgr *Manager, bus *event.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		devices: devices,
		manager: mgr,
		bus:     bus,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the bus and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.bus.SubscribeAll(e.dispatch)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

// Stop unsubscribes and shuts every VM down.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("automation engine stopped")
}

// Running lists the ids of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts a script from disk. Disabled scripts are only
// stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()
	if ok {
		vm.cancel()
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript runs a saved script once; see RunLuaCode.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM with a time limit, then calls
// each handler it registered once with a synthetic event so a dry run
// exercises the actions. Log output is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := e.newVM(ctx, cancel, func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
	})
	defer vm.state.Close()

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, context.DeadlineExceeded.Error()) {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		return result(err)
	}
	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		ev := event.Event{Name: h.name, DeviceID: h.device, PublishedAt: time.Now().UTC()}
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, Protect: true}, eventToLua(vm.state, ev)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, logf func(string)) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
		logf:     logf,
	}
	registerXLCModule(L, vm, e)
	registerSystemModule(L)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	logger := e.logger.With("script", s.ID)
	vm := e.newVM(ctx, cancel, func(msg string) { logger.Info("script log", "msg", msg) })

	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()
	logger.Info("script started", "name", s.Meta.Name)
	return nil
}

// dispatch queues matching handlers on each VM. A full queue drops the
// event for that VM.
func (e *Engine) dispatch(ev event.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, fn := range vm.handlersFor(ev) {
			fn := fn
			if vm.ctx.Err() != nil {
				break
			}
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, ev) }:
			default:
				e.logger.Warn("script queue full, dropping event", "event", ev.Name, "device", ev.DeviceID)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "event", ev.Name, "panic", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, Protect: true}, eventToLua(L, ev)); err != nil {
		e.logger.Error("lua handler error", "event", ev.Name, "device", ev.DeviceID, "err", err)
	}
}

// eventToLua builds {name, device_id, published_at, data}. The payload goes
// through its JSON form so scripts see the same field names as every other
// consumer.
func eventToLua(L *lua.LState, ev event.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(ev.Name))
	t.RawSetString("device_id", lua.LString(ev.DeviceID))
	t.RawSetString("published_at", lua.LString(ev.Wire().PublishedAt))
	if ev.Data != nil {
		t.RawSetString("data", jsonToLua(L, ev.Data))
	}
	return t
}

func jsonToLua(L *lua.LState, v any) lua.LValue {
	raw, err := json.Marshal(v)
	if err != nil {
		return lua.LNil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return lua.LNil
	}
	return goToLua(L, generic)
}

// goToLua converts decoded JSON values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
