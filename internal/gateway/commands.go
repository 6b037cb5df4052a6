package gateway

import (
	"context"
	"errors"
	"fmt"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/device"
)

// ErrUnknownDevice is returned for identities the gateway has never seen.
var ErrUnknownDevice = errors.New("unknown device")

// ErrDeviceOnline is returned by Forget while the device still has a link.
var ErrDeviceOnline = errors.New("device is online")

// Lookup returns the live link for id. Identities that are known but not
// currently connected yield device.ErrNotConnected.
func (r *Registry) Lookup(id string) (*device.Link, error) {
	id = codec.NormalizeIdentity(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.links[id]; l != nil {
		return l, nil
	}
	if _, ok := r.attrs[id]; ok {
		return nil, device.ErrNotConnected
	}
	return nil, ErrUnknownDevice
}

// SetAirStatus sends an AC command to id.
func (r *Registry) SetAirStatus(ctx context.Context, id string, s codec.AirStatus) error {
	l, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return l.SetAirStatus(ctx, s)
}

// SyncTime writes the current time to id.
func (r *Registry) SyncTime(ctx context.Context, id string) error {
	l, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return l.SyncTime(ctx)
}

// Forget drops an offline device's attributes from the cache and the store.
func (r *Registry) Forget(id string) error {
	id = codec.NormalizeIdentity(id)
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	if r.links[id] != nil {
		r.mu.Unlock()
		return ErrDeviceOnline
	}
	if _, ok := r.attrs[id]; !ok {
		r.mu.Unlock()
		return ErrUnknownDevice
	}
	delete(r.attrs, id)
	r.mu.Unlock()

	if err := r.store.DeleteAttributes(id); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, id, err)
	}
	r.logger.Info("device forgotten", "device", id)
	return nil
}
