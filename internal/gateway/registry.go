// Package gateway accepts device connections and keeps the authoritative
// identity to link map, the attribute cache and the online/offline debounce.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/device"
	"xlc-gateway/internal/event"
	"xlc-gateway/internal/store"
)

// ErrPersistence wraps attribute store failures. The in-memory value is
// updated regardless.
var ErrPersistence = errors.New("attribute persistence failed")

// DefaultDebounce is how long a dropped device has to reconnect before it is
// reported offline.
const DefaultDebounce = 3 * time.Second

// Config tunes the registry.
type Config struct {
	UnitID           byte
	Debounce         time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) defaults() {
	if c.UnitID == 0 {
		c.UnitID = 1
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
}

// DeviceInfo is a read-only view of one known device.
type DeviceInfo struct {
	Identity   string            `json:"identity"`
	Connected  bool              `json:"connected"`
	State      string            `json:"state"`
	Attributes store.Attributes  `json:"attributes"`
	Telemetry  *device.Telemetry `json:"telemetry,omitempty"`
}

// Registry owns device links and their attributes.
type Registry struct {
	store  store.Store
	pub    event.Publisher
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	links  map[string]*device.Link // identity -> live link
	conns  map[string]*device.Link // connection id -> link
	attrs  map[string]*store.Attributes
	timers map[string]*time.Timer // identity -> pending offline
	closed bool

	// persistMu orders attribute writes so the store never sees an older
	// snapshot after a newer one.
	persistMu sync.Mutex

	lnMu     sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a registry. pub may be nil.
func New(st store.Store, pub event.Publisher, logger *slog.Logger, cfg Config) *Registry {
	cfg.defaults()
	if pub == nil {
		pub = event.Nop{}
	}
	return &Registry{
		store:  st,
		pub:    pub,
		logger: logger.With("component", "registry"),
		cfg:    cfg,
		links:  make(map[string]*device.Link),
		conns:  make(map[string]*device.Link),
		attrs:  make(map[string]*store.Attributes),
		timers: make(map[string]*time.Timer),
	}
}

// LoadAll fills the attribute cache from the store. Every record starts
// disconnected; unreadable records are logged and skipped.
func (r *Registry) LoadAll() error {
	loaded, skipped := 0, 0
	err := r.store.Scan(func(id string, attrs *store.Attributes, err error) {
		if err != nil {
			r.logger.Warn("skipping malformed attribute record", "id", id, "err", err)
			skipped++
			return
		}
		attrs.Connected = false
		r.mu.Lock()
		r.attrs[attrs.Identity] = attrs
		r.mu.Unlock()
		loaded++
	})
	if err != nil {
		return fmt.Errorf("load attributes: %w", err)
	}
	r.logger.Info("attributes loaded", "devices", loaded, "skipped", skipped)
	return nil
}

// Device returns the live link for id, or nil. It never creates one.
// Identities match case-insensitively, as do the other lookups below.
func (r *Registry) Device(id string) *device.Link {
	id = codec.NormalizeIdentity(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[id]
}

// Links returns every registered link.
func (r *Registry) Links() []*device.Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*device.Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}

// KnownIdentities lists every identity ever seen, sorted.
func (r *Registry) KnownIdentities() []string {
	r.mu.Lock()
	seen := make(map[string]bool, len(r.attrs)+len(r.links))
	for id := range r.attrs {
		seen[id] = true
	}
	for id := range r.links {
		seen[id] = true
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Info returns the view of one device and whether it is known.
func (r *Registry) Info(id string) (DeviceInfo, bool) {
	id = codec.NormalizeIdentity(id)
	r.mu.Lock()
	a, ok := r.attrs[id]
	l := r.links[id]
	var attrs store.Attributes
	if ok {
		attrs = *a
	}
	r.mu.Unlock()
	if !ok && l == nil {
		return DeviceInfo{}, false
	}
	if attrs.Identity == "" {
		attrs.Identity = id
	}
	info := DeviceInfo{Identity: id, Attributes: attrs, State: device.StateClosed.String()}
	if l != nil {
		snap := l.Snapshot()
		info.Telemetry = &snap
		info.Connected = l.Connected()
		info.State = l.State().String()
	}
	return info, true
}

// Infos returns views of every known device, sorted by identity.
func (r *Registry) Infos() []DeviceInfo {
	ids := r.KnownIdentities()
	out := make([]DeviceInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.Info(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// Attributes returns the cached attributes for id, creating and persisting
// a default record the first time the identity is seen.
func (r *Registry) Attributes(id string) store.Attributes {
	id = codec.NormalizeIdentity(id)
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	a, ok := r.attrs[id]
	if !ok {
		a = &store.Attributes{Identity: id}
		r.attrs[id] = a
	}
	snap := *a
	r.mu.Unlock()

	if !ok {
		if err := r.persist(&snap); err != nil {
			r.logger.Error("persist new attributes", "device", id, "err", err)
		}
	}
	return snap
}

// SetAttribute merges one value into the cache and persists the record.
func (r *Registry) SetAttribute(id, key string, value any) error {
	return r.updateAttributes(id, func(a *store.Attributes) error {
		return a.Set(key, value)
	})
}

func (r *Registry) updateAttributes(id string, fn func(a *store.Attributes) error) error {
	id = codec.NormalizeIdentity(id)
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	a, ok := r.attrs[id]
	if !ok {
		a = &store.Attributes{Identity: id}
		r.attrs[id] = a
	}
	next := *a
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return err
	}
	*a = next
	r.mu.Unlock()

	if err := r.persist(&next); err != nil {
		r.logger.Error("persist attributes", "device", id, "err", err)
		return err
	}
	return nil
}

func (r *Registry) persist(a *store.Attributes) error {
	if err := r.store.SaveAttributes(a); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, a.Identity, err)
	}
	return nil
}

// online registers a handshaken link, replacing any older link for the
// same identity. The online event is only published when the identity was
// not still registered, so a reconnect inside the debounce window is
// invisible to subscribers.
func (r *Registry) online(ctx context.Context, l *device.Link) {
	id := l.Identity()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		l.Close()
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	old := r.links[id]
	r.links[id] = l
	if old != nil && old != l {
		delete(r.conns, old.ConnID())
	}
	r.mu.Unlock()

	if old != nil && old != l {
		r.logger.Info("device reconnected, replacing link", "device", id, "old_conn", old.ConnID(), "conn", l.ConnID())
		old.Close()
	}
	active := l.Activate()
	if active {
		err := r.updateAttributes(id, func(a *store.Attributes) error {
			a.IP = l.RemoteIP()
			a.LastHeard = l.ConnectedAt()
			a.Cellular = false
			a.ProductID = 0
			a.PlatformID = 0
			a.Connected = true
			return nil
		})
		if err != nil && !errors.Is(err, ErrPersistence) {
			r.logger.Error("update attributes", "device", id, "err", err)
		}
	}

	if old == nil {
		r.logger.Info("device online", "device", id, "ip", l.RemoteIP())
		r.pub.Publish(event.Status(id, true))
	}
	if !active {
		r.logger.Debug("link replaced before activation", "device", id, "conn", l.ConnID())
		return
	}

	// A failed read keeps the version already on record.
	if fw, err := l.GetFirmwareVersion(ctx); err != nil {
		r.logger.Warn("read firmware version", "device", id, "err", err)
	} else {
		_ = r.SetAttribute(id, store.KeyFirmwareVersion, fw)
	}

	if err := l.SyncTime(ctx); err != nil {
		r.logger.Warn("auto time sync", "device", id, "err", err)
	} else {
		r.logger.Debug("auto time sync", "device", id)
	}
}

// HeartbeatReceived implements device.Observer.
func (r *Registry) HeartbeatReceived(l *device.Link, at time.Time) {
	if r.Device(l.Identity()) != l {
		return
	}
	_ = r.SetAttribute(l.Identity(), store.KeyLastHeard, at)
}

// LinkLost implements device.Observer. The offline transition is delayed by
// the debounce window and dropped if the identity reconnects first.
func (r *Registry) LinkLost(l *device.Link) {
	id := l.Identity()

	r.mu.Lock()
	if r.closed || r.links[id] != l {
		delete(r.conns, l.ConnID())
		r.mu.Unlock()
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(r.cfg.Debounce, func() { r.expire(id, l) })
	r.mu.Unlock()

	r.logger.Info("device disconnected, waiting before offline", "device", id, "debounce", r.cfg.Debounce)
	_ = r.SetAttribute(id, store.KeyLastHeard, time.Now())
}

func (r *Registry) expire(id string, l *device.Link) {
	r.mu.Lock()
	if r.closed || r.links[id] != l || l.Connected() {
		r.mu.Unlock()
		return
	}
	delete(r.links, id)
	delete(r.conns, l.ConnID())
	delete(r.timers, id)
	r.mu.Unlock()

	l.Close()
	_ = r.SetAttribute(id, store.KeyConnected, false)
	r.logger.Info("device offline", "device", id)
	r.pub.Publish(event.Status(id, false))
}
