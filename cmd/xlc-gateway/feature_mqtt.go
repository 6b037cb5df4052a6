//go:build !no_mqtt

package main

import (
	"log/slog"

	"xlc-gateway/internal/event"
	"xlc-gateway/internal/gateway"
	mqttbridge "xlc-gateway/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
	unsub  func()
}

func (m *mqttStopper) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(reg *gateway.Registry, bus *event.Bus, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(reg, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Discovery:   cfg.MQTT.Discovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	return &mqttStopper{bridge: bridge, unsub: bus.SubscribeAll(bridge.Publish)}
}
