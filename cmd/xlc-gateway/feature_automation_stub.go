//go:build no_automation

package main

import (
	"log/slog"

	"xlc-gateway/internal/event"
	"xlc-gateway/internal/gateway"
	"xlc-gateway/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *gateway.Registry, _ *event.Bus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
