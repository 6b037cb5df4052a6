package event

import (
	"log/slog"
	"sync"
)

// AllChannel receives every event.
const AllChannel = "*all*"

// Handler is a subscriber callback.
type Handler func(Event)

// Channels lists the channels an event is delivered on: its name, its
// device, the device/name pair and AllChannel.
func Channels(e Event) []string {
	chans := make([]string, 0, 4)
	chans = append(chans, e.Name)
	if e.DeviceID != "" {
		chans = append(chans, e.DeviceID, e.DeviceID+"/"+e.Name)
	}
	return append(chans, AllChannel)
}

// Bus fans events out to channel subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string]map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers handler on channel and returns an unsubscribe func.
func (b *Bus) Subscribe(channel string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[uint64]Handler)
	}
	b.handlers[channel][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[channel], id)
		if len(b.handlers[channel]) == 0 {
			delete(b.handlers, channel)
		}
	}
}

// SubscribeAll is Subscribe(AllChannel, handler).
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.Subscribe(AllChannel, handler)
}

// Publish delivers e synchronously on every channel it belongs to. A
// panicking handler is recovered and logged.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	var handlers []Handler
	for _, ch := range Channels(e) {
		for _, h := range b.handlers[ch] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "event", e.Name, "device", e.DeviceID, "panic", r)
				}
			}()
			h(e)
		}()
	}
}
