//go:build !no_automation

package main

import (
	"log/slog"

	"xlc-gateway/internal/automation"
	"xlc-gateway/internal/event"
	"xlc-gateway/internal/gateway"
	"xlc-gateway/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(reg *gateway.Registry, bus *event.Bus, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}
	engine := automation.NewEngine(reg, scriptMgr, bus, logger)
	engine.Start()
	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, scriptMgr)}
}
