//go:build !no_mqtt

package mqtt

import (
	"sync"

	"xlc-gateway/internal/codec"
)

type airCache struct {
	mu    sync.Mutex
	state map[string]codec.AirStatus
}

func newAirCache() *airCache {
	return &airCache{state: make(map[string]codec.AirStatus)}
}

func (c *airCache) get(id string) codec.AirStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[id]
}

func (c *airCache) put(id string, s codec.AirStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[id] = s
}
