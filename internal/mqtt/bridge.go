//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/event"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// Discovery enables Home Assistant discovery messages.
	Discovery bool
}

// Commander executes commands received on <prefix>/<device>/set.
type Commander interface {
	SetAirStatus(ctx context.Context, id string, s codec.AirStatus) error
	SyncTime(ctx context.Context, id string) error
	KnownIdentities() []string
}

// Command is the JSON body accepted on a device's set topic. Unset air
// fields keep the last reported heartbeat value.
type Command struct {
	Power             *uint16 `json:"power,omitempty"`
	TargetTemperature *uint16 `json:"target_temperature,omitempty"`
	Mode              *uint16 `json:"mode,omitempty"`
	FanSpeed          *uint16 `json:"fan_speed,omitempty"`
	SyncTime          bool    `json:"sync_time,omitempty"`
}

func (c Command) hasAir() bool {
	return c.Power != nil || c.TargetTemperature != nil || c.Mode != nil || c.FanSpeed != nil
}

// apply overlays the set fields on base.
func (c Command) apply(base codec.AirStatus) codec.AirStatus {
	if c.Power != nil {
		base.Power = *c.Power
	}
	if c.TargetTemperature != nil {
		base.TargetTemperature = *c.TargetTemperature
	}
	if c.Mode != nil {
		base.Mode = *c.Mode
	}
	if c.FanSpeed != nil {
		base.FanSpeed = *c.FanSpeed
	}
	return base
}

const commandTimeout = 10 * time.Second

// Bridge publishes gateway events to MQTT and forwards set commands to the
// devices.
type Bridge struct {
	client    pahomqtt.Client
	devices   Commander
	prefix    string
	discovery bool
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	// last reported air state per device, used to fill partial commands
	last *airCache
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(devices Commander, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(devices, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "xlc-gateway"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.bridgeTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
			b.publishAllDiscovery()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// assigned before Connect so the OnConnect handler can publish
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(devices Commander, cfg Config, logger *slog.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "xlc"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		devices:   devices,
		prefix:    prefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
		last:      newAirCache(),
	}
}

// Stop publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Publish implements event.Publisher. Status events are retained.
func (b *Bridge) Publish(e event.Event) {
	if e.DeviceID == "" {
		return
	}
	payload, err := json.Marshal(e.Wire())
	if err != nil {
		b.logger.Error("encode event", "event", e.Name, "err", err)
		return
	}
	switch p := e.Data.(type) {
	case event.HeartbeatPayload:
		b.last.put(e.DeviceID, codec.AirStatus{
			Power:             p.Power,
			TargetTemperature: p.TargetTemperature,
			Mode:              p.Mode,
			FanSpeed:          p.FanSpeed,
		})
	case event.StatusPayload:
		if p.Value == event.StatusOnline && b.discovery {
			b.publishDeviceDiscovery(e.DeviceID)
		}
	}
	b.publish(b.eventTopic(e.DeviceID, e.Name), payload, e.Name == event.NameStatus)
}

func (b *Bridge) eventTopic(id, name string) string {
	return b.prefix + "/" + id + "/" + name
}

func (b *Bridge) bridgeTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.bridgeTopic(), []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	if !b.discovery {
		return
	}
	for _, id := range b.devices.KnownIdentities() {
		b.publishDeviceDiscovery(id)
	}
}

func (b *Bridge) publishDeviceDiscovery(id string) {
	for _, msg := range buildDiscovery(id, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Debug("published HA discovery", "device", id)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		id, ok := b.commandDevice(msg.Topic())
		if !ok {
			return
		}
		// keep the paho router free; commands take a network round trip
		go b.handleCommand(id, msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Error("MQTT subscribe", "topic", topic, "err", err)
		}
	}()
}

// commandDevice extracts the device id from <prefix>/<id>/set, lowercased
// to match the identities the gateway reports.
func (b *Bridge) commandDevice(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return codec.NormalizeIdentity(id), true
}

func (b *Bridge) handleCommand(id string, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "device", id, "err", err)
		return err
	}
	if !cmd.hasAir() && !cmd.SyncTime {
		b.logger.Warn("empty command", "device", id)
		return errEmptyCommand
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var errs []error
	if cmd.hasAir() {
		s := cmd.apply(b.last.get(id))
		if err := b.devices.SetAirStatus(ctx, id, s); err != nil {
			b.logger.Warn("air command failed", "device", id, "err", err)
			errs = append(errs, err)
		} else {
			b.last.put(id, s)
		}
	}
	if cmd.SyncTime {
		if err := b.devices.SyncTime(ctx, id); err != nil {
			b.logger.Warn("time sync command failed", "device", id, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errEmptyCommand = errors.New("command has no recognised fields")

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
