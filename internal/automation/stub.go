//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/event"
	"xlc-gateway/internal/gateway"
)

var ErrScriptNotFound = errors.New("script not found")

// Devices mirrors the interface of the full build.
type Devices interface {
	SetAirStatus(ctx context.Context, id string, s codec.AirStatus) error
	SyncTime(ctx context.Context, id string) error
	Info(id string) (gateway.DeviceInfo, bool)
	KnownIdentities() []string
}

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error) { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error) { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(_ string) error { return ErrScriptNotFound }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

func NewEngine(_ Devices, _ *Manager, _ *event.Bus, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) Running() []string { return nil }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string) {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}
