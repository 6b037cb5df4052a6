package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/device"
	"xlc-gateway/internal/event"
	"xlc-gateway/internal/simulator"
	"xlc-gateway/internal/store"
	"xlc-gateway/internal/transport"
)

const testID = "220055000551363036373537"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is a minimal in-memory store for registry tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]store.Attributes
	broken  map[string]bool
	failing bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]store.Attributes), broken: make(map[string]bool)}
}

func (m *memStore) SaveAttributes(a *store.Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.records[a.Identity] = *a
	return nil
}

func (m *memStore) GetAttributes(id string) (*store.Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (m *memStore) DeleteAttributes(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memStore) Scan(fn store.ScanFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.broken {
		fn(id, nil, fmt.Errorf("decode %s: bad json", id))
	}
	for id, a := range m.records {
		a := a
		fn(id, &a, nil)
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) get(id string) (store.Attributes, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[id]
	return a, ok
}

// statusRecorder collects spark/status events from the bus.
type statusRecorder struct {
	mu     sync.Mutex
	values []string
	ch     chan string
}

func (s *statusRecorder) handle(e event.Event) {
	v := e.Data.(event.StatusPayload).Value
	s.mu.Lock()
	s.values = append(s.values, v)
	s.mu.Unlock()
	s.ch <- v
}

func (s *statusRecorder) count(v string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.values {
		if x == v {
			n++
		}
	}
	return n
}

func (s *statusRecorder) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case v := <-s.ch:
		if v != want {
			t.Fatalf("status = %q, want %q", v, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no %q status event", want)
	}
}

type harness struct {
	reg    *Registry
	store  *memStore
	bus    *event.Bus
	status *statusRecorder
	addr   string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ms := newMemStore()
	bus := event.NewBus(testLogger())
	rec := &statusRecorder{ch: make(chan string, 16)}
	bus.Subscribe(testID+"/"+event.NameStatus, rec.handle)

	cfg.RequestTimeout = 500 * time.Millisecond
	reg := New(ms, bus, testLogger(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	if err := reg.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		if a := reg.Addr(); a != nil {
			addr = a.String()
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if addr == "" {
		t.Fatal("registry did not start listening")
	}
	t.Cleanup(func() {
		cancel()
		reg.Stop()
	})
	return &harness{reg: reg, store: ms, bus: bus, status: rec, addr: addr}
}

// connect dials a simulated device and returns it with a func that waits
// for its connection to end.
func (h *harness) connect(t *testing.T, setup func(*simulator.Device)) (*simulator.Device, func()) {
	t.Helper()
	sim, err := simulator.New(testID, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(sim)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Dial(ctx, h.addr)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sim, func() {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("device connection still open")
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOnlineOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, nil)

	h.status.wait(t, event.StatusOnline)
	if l := h.reg.Device(testID); l == nil || !l.Connected() {
		t.Fatalf("Device(%s) = %v", testID, l)
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.status.count(event.StatusOnline); n != 1 {
		t.Errorf("online events = %d, want 1", n)
	}
	if h.reg.Device("ffffffffffffffffffffffff") != nil {
		t.Error("unknown identity returned a link")
	}
}

func TestOnlineSetsAttributes(t *testing.T) {
	h := newHarness(t, Config{})
	sim, _ := h.connect(t, nil)
	h.status.wait(t, event.StatusOnline)

	waitUntil(t, "firmware attribute", func() bool {
		a, ok := h.store.get(testID)
		return ok && a.FirmwareVersion == 123
	})
	a := h.reg.Attributes(testID)
	if a.IP != "127.0.0.1" || !a.Connected || a.Cellular || a.ProductID != 0 || a.PlatformID != 0 {
		t.Errorf("attributes = %+v", a)
	}

	waitUntil(t, "auto time sync", func() bool {
		clock := sim.Registers(codec.AddrClock, 2)
		return codec.DecodeUint32(clock[0], clock[1]) != 0
	})
	clock := sim.Registers(codec.AddrClock, 2)
	if d := time.Now().Unix() - int64(codec.DecodeUint32(clock[0], clock[1])); d < 0 || d > 5 {
		t.Errorf("device clock off by %ds", d)
	}
}

func TestFirmwareFailureKeepsStoredVersion(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.records[testID] = store.Attributes{Identity: testID, FirmwareVersion: 210}
	if err := h.reg.LoadAll(); err != nil {
		t.Fatal(err)
	}
	sim, _ := h.connect(t, func(d *simulator.Device) { d.FailAddress(codec.AddrFirmware, true) })
	h.status.wait(t, event.StatusOnline)

	// the clock is synced after the firmware read
	waitUntil(t, "clock write", func() bool {
		clock := sim.Registers(codec.AddrClock, 2)
		return codec.DecodeUint32(clock[0], clock[1]) != 0
	})
	if a := h.reg.Attributes(testID); a.FirmwareVersion != 210 {
		t.Errorf("firmware = %d, want 210", a.FirmwareVersion)
	}
	if rec, _ := h.store.get(testID); rec.FirmwareVersion != 210 {
		t.Errorf("stored firmware = %d, want 210", rec.FirmwareVersion)
	}
}

func TestFirmwareFailureNewDeviceDefaultsZero(t *testing.T) {
	h := newHarness(t, Config{})
	sim, _ := h.connect(t, func(d *simulator.Device) { d.FailAddress(codec.AddrFirmware, true) })
	h.status.wait(t, event.StatusOnline)
	waitUntil(t, "clock write", func() bool {
		clock := sim.Registers(codec.AddrClock, 2)
		return codec.DecodeUint32(clock[0], clock[1]) != 0
	})
	if a := h.reg.Attributes(testID); a.FirmwareVersion != 0 || a.IP != "127.0.0.1" {
		t.Errorf("attributes = %+v", a)
	}
}

// A link closed between handshake and activation, as happens when a newer
// connection for the same identity replaces it, must not touch attributes.
func TestOnlineSkipsReplacedLink(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.records[testID] = store.Attributes{Identity: testID, IP: "10.9.9.9", FirmwareVersion: 210}
	if err := h.reg.LoadAll(); err != nil {
		t.Fatal(err)
	}

	gw, dev := net.Pipe()
	sim, err := simulator.New(testID, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Serve(ctx, dev)

	conn := transport.New(gw, transport.WithLogger(testLogger()), transport.WithRequestTimeout(500*time.Millisecond))
	conn.Start()
	l := device.New(conn, device.Config{ConnID: "stale", Publisher: event.Nop{}, Observer: h.reg, Logger: testLogger()})
	if _, err := l.Handshake(ctx); err != nil {
		t.Fatal(err)
	}
	l.Close()
	before := len(sim.Requests())

	h.reg.online(ctx, l)

	a := h.reg.Attributes(testID)
	if a.IP != "10.9.9.9" || a.FirmwareVersion != 210 || a.Connected {
		t.Errorf("attributes changed by a replaced link: %+v", a)
	}
	if n := len(sim.Requests()); n != before {
		t.Errorf("replaced link sent %d requests", n-before)
	}
}

func TestIdentityLookupIgnoresCase(t *testing.T) {
	const id = "abcdef000551363036373537"
	const upper = "ABCDEF000551363036373537"
	regs, err := codec.EncodeIdentity(id)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Config{})
	h.connect(t, func(d *simulator.Device) { d.SetRegisters(codec.AddrIdentity, regs) })
	waitUntil(t, "firmware attribute", func() bool { return h.reg.Attributes(id).FirmwareVersion != 0 })

	if h.reg.Device(upper) == nil {
		t.Error("Device(upper) = nil")
	}
	if _, err := h.reg.Lookup(upper); err != nil {
		t.Errorf("Lookup(upper) err = %v", err)
	}
	if info, ok := h.reg.Info(upper); !ok || info.Identity != id {
		t.Errorf("Info(upper) = %+v, %v", info, ok)
	}
	if err := h.reg.SetAttribute(upper, store.KeyProductID, 7); err != nil {
		t.Fatal(err)
	}
	if a := h.reg.Attributes(id); a.ProductID != 7 {
		t.Errorf("product id = %d, want 7", a.ProductID)
	}
	if err := h.reg.Forget(upper); !errors.Is(err, ErrDeviceOnline) {
		t.Errorf("Forget(upper) err = %v", err)
	}
	for _, known := range h.reg.KnownIdentities() {
		if known == upper {
			t.Error("uppercase identity created a second record")
		}
	}
}

func TestHandshakeFailureDiscards(t *testing.T) {
	h := newHarness(t, Config{})
	_, wait := h.connect(t, func(d *simulator.Device) { d.FailAddress(codec.AddrIdentity, true) })
	wait()

	if ids := h.reg.KnownIdentities(); len(ids) != 0 {
		t.Errorf("known identities = %v", ids)
	}
	if h.reg.Device(testID) != nil {
		t.Error("failed handshake registered a link")
	}
	if n := h.status.count(event.StatusOnline); n != 0 {
		t.Errorf("online events = %d", n)
	}
	waitUntil(t, "connection record removed", func() bool {
		h.reg.mu.Lock()
		defer h.reg.mu.Unlock()
		return len(h.reg.conns) == 0
	})
}

func TestOfflineAfterDebounce(t *testing.T) {
	h := newHarness(t, Config{Debounce: 100 * time.Millisecond})
	sim, _ := h.connect(t, nil)
	h.status.wait(t, event.StatusOnline)
	waitUntil(t, "firmware attribute", func() bool {
		a, ok := h.store.get(testID)
		return ok && a.FirmwareVersion == 123
	})

	sim.Close()
	h.status.wait(t, event.StatusOffline)

	if h.reg.Device(testID) != nil {
		t.Error("offline device still registered")
	}
	if a := h.reg.Attributes(testID); a.Connected {
		t.Error("attributes still connected")
	}
	if ids := h.reg.KnownIdentities(); len(ids) != 1 || ids[0] != testID {
		t.Errorf("known identities = %v", ids)
	}
	if on, off := h.status.count(event.StatusOnline), h.status.count(event.StatusOffline); on != 1 || off != 1 {
		t.Errorf("online=%d offline=%d, want 1/1", on, off)
	}
}

func TestReconnectWithinDebounceSuppressesEvents(t *testing.T) {
	h := newHarness(t, Config{Debounce: 500 * time.Millisecond})
	first, _ := h.connect(t, nil)
	h.status.wait(t, event.StatusOnline)
	waitUntil(t, "firmware attribute", func() bool {
		a, ok := h.store.get(testID)
		return ok && a.FirmwareVersion == 123
	})
	firstLink := h.reg.Device(testID)

	first.Close()
	waitUntil(t, "first link lost", func() bool { return !firstLink.Connected() })

	h.connect(t, nil)
	waitUntil(t, "second link", func() bool {
		l := h.reg.Device(testID)
		return l != nil && l != firstLink && l.Connected()
	})

	time.Sleep(800 * time.Millisecond)
	if on, off := h.status.count(event.StatusOnline), h.status.count(event.StatusOffline); on != 1 || off != 0 {
		t.Errorf("online=%d offline=%d, want 1/0", on, off)
	}
	if l := h.reg.Device(testID); l == nil || !l.Connected() {
		t.Error("reconnected device not registered")
	}
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	h := newHarness(t, Config{Debounce: 100 * time.Millisecond})
	_, firstDone := h.connect(t, nil)
	h.status.wait(t, event.StatusOnline)
	firstLink := h.reg.Device(testID)

	h.connect(t, nil)
	waitUntil(t, "replacement link", func() bool {
		l := h.reg.Device(testID)
		return l != nil && l != firstLink
	})
	firstDone()

	time.Sleep(300 * time.Millisecond)
	if on, off := h.status.count(event.StatusOnline), h.status.count(event.StatusOffline); on != 1 || off != 0 {
		t.Errorf("online=%d offline=%d, want 1/0", on, off)
	}
}

func TestHeartbeatUpdatesLastHeard(t *testing.T) {
	h := newHarness(t, Config{})
	sim, _ := h.connect(t, nil)
	h.status.wait(t, event.StatusOnline)
	before := h.reg.Attributes(testID).LastHeard

	time.Sleep(20 * time.Millisecond)
	if err := sim.PushHeartbeat([11]uint16{0, 1, 26}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "last_heard update", func() bool {
		return h.reg.Attributes(testID).LastHeard.After(before)
	})
}

func TestSetAttributeVisibleImmediately(t *testing.T) {
	ms := newMemStore()
	reg := New(ms, nil, testLogger(), Config{})

	if err := reg.SetAttribute("dev", store.KeyIP, "10.1.1.1"); err != nil {
		t.Fatal(err)
	}
	if a := reg.Attributes("dev"); a.IP != "10.1.1.1" {
		t.Errorf("ip = %q", a.IP)
	}
	if a, ok := ms.get("dev"); !ok || a.IP != "10.1.1.1" {
		t.Errorf("stored = %+v, %v", a, ok)
	}
}

func TestAttributesGetOrInitPersists(t *testing.T) {
	ms := newMemStore()
	reg := New(ms, nil, testLogger(), Config{})

	a := reg.Attributes("fresh")
	if a.Identity != "fresh" {
		t.Errorf("identity = %q", a.Identity)
	}
	if _, ok := ms.get("fresh"); !ok {
		t.Error("new attributes not persisted")
	}
}

func TestSetAttributePersistenceError(t *testing.T) {
	ms := newMemStore()
	ms.failing = true
	reg := New(ms, nil, testLogger(), Config{})

	err := reg.SetAttribute("dev", store.KeyFirmwareVersion, 42)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if a := reg.Attributes("dev"); a.FirmwareVersion != 42 {
		t.Errorf("in-memory value not updated: %+v", a)
	}
}

func TestSetAttributeUnknownKey(t *testing.T) {
	reg := New(newMemStore(), nil, testLogger(), Config{})
	if err := reg.SetAttribute("dev", "colour", "blue"); err == nil || errors.Is(err, ErrPersistence) {
		t.Errorf("err = %v", err)
	}
}

func TestLoadAll(t *testing.T) {
	ms := newMemStore()
	ms.records["a"] = store.Attributes{Identity: "a", IP: "1.1.1.1", Connected: true}
	ms.records["b"] = store.Attributes{Identity: "b", FirmwareVersion: 9}
	ms.broken["c"] = true

	reg := New(ms, nil, testLogger(), Config{})
	if err := reg.LoadAll(); err != nil {
		t.Fatal(err)
	}
	ids := reg.KnownIdentities()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v", ids)
	}
	if a := reg.Attributes("a"); a.Connected || a.IP != "1.1.1.1" {
		t.Errorf("a = %+v", a)
	}
	if reg.Device("a") != nil {
		t.Error("loaded device has a link")
	}
	info, ok := reg.Info("b")
	if !ok || info.Connected || info.Attributes.FirmwareVersion != 9 || info.Telemetry != nil {
		t.Errorf("info = %+v, %v", info, ok)
	}
}

func TestLookup(t *testing.T) {
	ms := newMemStore()
	ms.records["known"] = store.Attributes{Identity: "known"}
	reg := New(ms, nil, testLogger(), Config{})
	if err := reg.LoadAll(); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Lookup("nobody"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("unknown: err = %v", err)
	}
	if _, err := reg.Lookup("known"); !errors.Is(err, device.ErrNotConnected) {
		t.Errorf("known: err = %v", err)
	}
	if err := reg.SyncTime(context.Background(), "known"); !errors.Is(err, device.ErrNotConnected) {
		t.Errorf("sync: err = %v", err)
	}
}

func TestCommandsReachDevice(t *testing.T) {
	h := newHarness(t, Config{})
	sim, _ := h.connect(t, nil)
	h.status.wait(t, event.StatusOnline)

	err := h.reg.SetAirStatus(context.Background(), testID, codec.AirStatus{Power: 1, TargetTemperature: 24, Mode: 1, FanSpeed: 2})
	if err != nil {
		t.Fatal(err)
	}
	got := sim.Registers(codec.AddrAirControl, codec.QtyAirControl)
	if want := []uint16{4, 24, 2, 1}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("air registers = %v, want %v", got, want)
	}
}

func TestForget(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.records["old"] = store.Attributes{Identity: "old"}
	if err := h.reg.LoadAll(); err != nil {
		t.Fatal(err)
	}
	h.connect(t, nil)
	h.status.wait(t, event.StatusOnline)

	if err := h.reg.Forget(testID); !errors.Is(err, ErrDeviceOnline) {
		t.Errorf("online device: err = %v", err)
	}
	if err := h.reg.Forget("nobody"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("unknown device: err = %v", err)
	}
	if err := h.reg.Forget("old"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.store.get("old"); ok {
		t.Error("record still stored")
	}
	if _, ok := h.reg.Info("old"); ok {
		t.Error("device still known")
	}
}
