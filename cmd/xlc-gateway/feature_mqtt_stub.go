//go:build no_mqtt

package main

import (
	"log/slog"

	"xlc-gateway/internal/event"
	"xlc-gateway/internal/gateway"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *gateway.Registry, _ *event.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
