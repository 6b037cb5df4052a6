// Package event carries gateway events from device links to subscribers.
package event

import (
	"time"

	"xlc-gateway/internal/codec"
)

// Event names emitted by the gateway.
const (
	NameStatus    = "spark/status"
	NameHeartbeat = "xlc-modbus-heartbeat"
	NameAlarm     = "xlc-modbus-alarm"
	NameData      = "xlc-modbus-data"
)

// Status values carried by NameStatus events.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultTTL is the time-to-live in seconds attached to every event.
const DefaultTTL = 30

// Event is one published occurrence.
type Event struct {
	Public      bool      `json:"public"`
	Name        string    `json:"name"`
	UserID      string    `json:"user_id,omitempty"`
	Data        any       `json:"data"`
	TTL         int       `json:"ttl"`
	PublishedAt time.Time `json:"published_at"`
	DeviceID    string    `json:"device_id"`
}

// StatusPayload is the data of a NameStatus event.
type StatusPayload struct {
	Value string `json:"value"`
}

// HeartbeatPayload is the data of a NameHeartbeat event.
type HeartbeatPayload struct {
	codec.Heartbeat
	Sensor          codec.Sensor `json:"sensor"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// AlarmPayload is the data of a NameAlarm event.
type AlarmPayload struct {
	Code    uint16 `json:"code"`
	Message string `json:"msg"`
}

// DataPayload is the data of a NameData event: one completed register op.
type DataPayload struct {
	Code     byte     `json:"code"`
	Address  uint16   `json:"address"`
	Quantity uint16   `json:"quantity"`
	Data     []uint16 `json:"data"`
}

func newEvent(name, deviceID string, data any) Event {
	return Event{
		Name:        name,
		Data:        data,
		TTL:         DefaultTTL,
		PublishedAt: time.Now().UTC(),
		DeviceID:    deviceID,
	}
}

// Status builds an online/offline event.
func Status(deviceID string, online bool) Event {
	v := StatusOffline
	if online {
		v = StatusOnline
	}
	return newEvent(NameStatus, deviceID, StatusPayload{Value: v})
}

// Heartbeat builds a telemetry event.
func Heartbeat(deviceID string, p HeartbeatPayload) Event {
	return newEvent(NameHeartbeat, deviceID, p)
}

// Alarm builds an alarm event from an error table entry.
func Alarm(deviceID string, e codec.ErrorCode) Event {
	return newEvent(NameAlarm, deviceID, AlarmPayload{Code: e.Code, Message: e.Message})
}

// Data builds a raw register telemetry event.
func Data(deviceID string, p DataPayload) Event {
	return newEvent(NameData, deviceID, p)
}

// Wire is the payload handed to external message buses.
type Wire struct {
	DeviceID    string `json:"deviceId"`
	EventName   string `json:"eventName"`
	Data        any    `json:"data"`
	PublishedAt string `json:"publishedAt"`
}

// Wire returns the bus representation of e.
func (e Event) Wire() Wire {
	return Wire{
		DeviceID:    e.DeviceID,
		EventName:   e.Name,
		Data:        e.Data,
		PublishedAt: e.PublishedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// Publisher accepts events. Implementations must not block for long; the
// device links call Publish from their own goroutines.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
