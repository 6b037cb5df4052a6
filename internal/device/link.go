// Package device drives one connected XLC controller: identity handshake,
// heartbeat decoding, liveness probing and register commands.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/event"
)

// ErrNotConnected is returned by commands issued while the link is not Active.
var ErrNotConnected = errors.New("device not connected")

// State is the link lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateIdentityPending
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentityPending:
		return "identity_pending"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// DefaultHeartbeatInterval is assumed until the device reports its own.
const DefaultHeartbeatInterval = 60

// keepAliveSlack is added to the heartbeat interval to get the read timeout.
const keepAliveSlack = 10 * time.Second

// Conn is the transport a link runs over. *transport.Conn implements it.
type Conn interface {
	Client(unitID byte) modbus.Client
	Heartbeats() <-chan []byte
	Timeouts() <-chan struct{}
	Done() <-chan struct{}
	SetReadTimeout(time.Duration)
	RemoteIP() string
	Close() error
}

// Observer is told about liveness changes. The registry implements it.
type Observer interface {
	HeartbeatReceived(l *Link, at time.Time)
	LinkLost(l *Link)
}

// Telemetry is the last known device state.
type Telemetry struct {
	codec.Heartbeat
	Sensor          codec.Sensor `json:"sensor"`
	Connected       bool         `json:"connected"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// Config holds link dependencies.
type Config struct {
	ConnID    string
	UnitID    byte
	Publisher event.Publisher
	Observer  Observer
	Logger    *slog.Logger
}

// Link owns one device connection.
type Link struct {
	connID string
	conn   Conn
	client modbus.Client
	pub    event.Publisher
	obs    Observer
	logger *slog.Logger

	// opMu serializes register operations so multi-step flows stay ordered.
	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	identity  string
	interval  int
	telemetry Telemetry
	connected time.Time

	probing  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a link in the Connecting state.
func New(conn Conn, cfg Config) *Link {
	pub := cfg.Publisher
	if pub == nil {
		pub = event.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	unit := cfg.UnitID
	if unit == 0 {
		unit = 1
	}
	return &Link{
		connID:    cfg.ConnID,
		conn:      conn,
		client:    conn.Client(unit),
		pub:       pub,
		obs:       cfg.Observer,
		logger:    logger.With("component", "device", "conn", cfg.ConnID),
		state:     StateConnecting,
		interval:  DefaultHeartbeatInterval,
		connected: time.Now(),
		stop:      make(chan struct{}),
	}
}

// ConnID returns the per-accept connection id.
func (l *Link) ConnID() string { return l.connID }

// Identity returns the device identity, empty before the handshake.
func (l *Link) Identity() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.identity
}

// State returns the lifecycle state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Connected reports whether the link is Active.
func (l *Link) Connected() bool { return l.State() == StateActive }

// RemoteIP returns the peer address.
func (l *Link) RemoteIP() string { return l.conn.RemoteIP() }

// ConnectedAt is when the connection was accepted.
func (l *Link) ConnectedAt() time.Time { return l.connected }

// HeartbeatInterval returns the interval the device reported, in seconds.
func (l *Link) HeartbeatInterval() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.interval
}

// Snapshot returns a copy of the current telemetry.
func (l *Link) Snapshot() Telemetry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.telemetry
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	if s != StateActive {
		l.telemetry.Connected = false
	}
	l.mu.Unlock()
}

// Handshake reads the heartbeat interval and the identity. The interval
// sizes the keep-alive timeout; if it cannot be read the transport default
// stays. Failing to read the identity closes the connection.
func (l *Link) Handshake(ctx context.Context) (string, error) {
	l.setState(StateIdentityPending)

	if regs, err := l.readRegisters(ctx, codec.AddrHeartbeatInterval, 1); err != nil {
		l.logger.Warn("read heartbeat interval", "err", err)
	} else {
		l.applyInterval(int(regs[0]))
	}

	regs, err := l.readRegisters(ctx, codec.AddrIdentity, codec.QtyIdentity)
	if err == nil {
		var id string
		id, err = codec.DecodeIdentity(regs)
		if err == nil {
			l.mu.Lock()
			l.identity = id
			l.mu.Unlock()
			l.logger = l.logger.With("device", id)
			return id, nil
		}
	}
	l.setState(StateClosed)
	l.conn.Close()
	return "", fmt.Errorf("identity handshake: %w", err)
}

func (l *Link) applyInterval(seconds int) {
	if seconds <= 0 {
		return
	}
	l.mu.Lock()
	l.interval = seconds
	l.mu.Unlock()
	l.conn.SetReadTimeout(time.Duration(seconds)*time.Second + keepAliveSlack)
}

// Activate moves a handshaken link to Active and starts its event loop. It
// reports false, doing nothing, when the link is no longer waiting for
// activation, for example because it was closed.
func (l *Link) Activate() bool {
	l.mu.Lock()
	if l.state != StateIdentityPending {
		l.mu.Unlock()
		return false
	}
	l.state = StateActive
	l.telemetry.Connected = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run()
	return true
}

// Close stops the link and its transport without notifying the observer.
func (l *Link) Close() error {
	l.setState(StateClosed)
	l.stopOnce.Do(func() { close(l.stop) })
	return l.conn.Close()
}

// Wait blocks until the event loop has exited.
func (l *Link) Wait() { l.wg.Wait() }

func (l *Link) run() {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("device loop panic", "panic", r)
			l.lose()
		}
	}()

	for {
		select {
		case <-l.stop:
			return
		case frame := <-l.conn.Heartbeats():
			l.handleHeartbeat(frame)
		case <-l.conn.Timeouts():
			if !l.probe("keep-alive timeout") {
				l.lose()
				return
			}
		case <-l.conn.Done():
			select {
			case <-l.stop:
				return
			default:
			}
			l.probe("transport closed")
			l.lose()
			return
		}
	}
}

// probe checks liveness with a single interval read.
func (l *Link) probe(reason string) bool {
	if !l.probing.CompareAndSwap(false, true) {
		return true
	}
	defer l.probing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), keepAliveSlack)
	defer cancel()
	if _, err := l.readRegisters(ctx, codec.AddrHeartbeatInterval, 1); err != nil {
		l.logger.Info("liveness probe failed", "reason", reason, "err", err)
		return false
	}
	l.logger.Debug("liveness probe ok", "reason", reason)
	return true
}

// lose closes the transport and hands the link to the observer's debounce.
func (l *Link) lose() {
	l.mu.Lock()
	if l.state == StateClosed || l.state == StateDisconnecting {
		l.mu.Unlock()
		return
	}
	l.state = StateDisconnecting
	l.telemetry.Connected = false
	l.mu.Unlock()

	l.conn.Close()
	if l.obs != nil {
		l.obs.LinkLost(l)
	}
}

func (l *Link) handleHeartbeat(frame []byte) {
	payload, err := codec.HeartbeatPayload(frame)
	if err == nil {
		var hb codec.Heartbeat
		hb, err = codec.DecodeHeartbeat(payload)
		if err == nil {
			l.applyHeartbeat(hb)
			return
		}
	}
	l.logger.Warn("bad heartbeat frame", "err", err, "frame", fmt.Sprintf("%X", frame))
}

func (l *Link) applyHeartbeat(hb codec.Heartbeat) {
	ctx, cancel := context.WithTimeout(context.Background(), keepAliveSlack)
	defer cancel()
	sensor, sensorErr := l.readSensor(ctx)
	if sensorErr != nil {
		l.logger.Warn("read sensor", "err", sensorErr)
	}

	now := time.Now()
	l.mu.Lock()
	if now.Before(l.telemetry.LastHeartbeatAt) {
		now = l.telemetry.LastHeartbeatAt
	}
	l.telemetry.Heartbeat = hb
	if sensorErr == nil {
		l.telemetry.Sensor = sensor
	}
	l.telemetry.Connected = l.state == StateActive
	l.telemetry.LastHeartbeatAt = now
	snap := l.telemetry
	id := l.identity
	l.mu.Unlock()

	if l.obs != nil {
		l.obs.HeartbeatReceived(l, now)
	}
	l.pub.Publish(event.Heartbeat(id, event.HeartbeatPayload{
		Heartbeat:       snap.Heartbeat,
		Sensor:          snap.Sensor,
		LastHeartbeatAt: snap.LastHeartbeatAt,
	}))
	if hb.ErrorCode != 0 {
		if e, ok := codec.LookupErrorCode(hb.ErrorCode); ok {
			l.logger.Warn("device alarm", "code", e.Code, "msg", e.Message)
			l.pub.Publish(event.Alarm(id, e))
		} else {
			l.logger.Debug("unknown device error code", "code", hb.ErrorCode)
		}
	}
}

func (l *Link) readSensor(ctx context.Context) (codec.Sensor, error) {
	regs, err := l.readRegisters(ctx, codec.AddrSensor, codec.QtySensor)
	if err != nil {
		return codec.Sensor{}, err
	}
	return codec.DecodeSensor(regs)
}

// --- register primitives ---

func (l *Link) readRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	b, err := l.client.ReadHoldingRegisters(addr, qty)
	if err != nil {
		return nil, fmt.Errorf("read %d/%d: %w", addr, qty, err)
	}
	regs := codec.Registers(b)
	if len(regs) != int(qty) {
		return nil, fmt.Errorf("read %d/%d: %w: got %d registers", addr, qty, codec.ErrDecode, len(regs))
	}
	l.publishData(modbus.FuncCodeReadHoldingRegisters, addr, qty, regs)
	return regs, nil
}

func (l *Link) writeRegister(ctx context.Context, addr, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	if _, err := l.client.WriteSingleRegister(addr, value); err != nil {
		return fmt.Errorf("write %d: %w", addr, err)
	}
	l.publishData(modbus.FuncCodeWriteSingleRegister, addr, 1, []uint16{value})
	return nil
}

func (l *Link) writeRegisters(ctx context.Context, addr uint16, values []uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.writeRegistersLocked(addr, values)
}

// writeRegistersLocked is writeRegisters for callers already holding opMu.
func (l *Link) writeRegistersLocked(addr uint16, values []uint16) error {
	qty := uint16(len(values))
	if _, err := l.client.WriteMultipleRegisters(addr, qty, codec.Bytes(values)); err != nil {
		return fmt.Errorf("write %d/%d: %w", addr, qty, err)
	}
	l.publishData(modbus.FuncCodeWriteMultipleRegisters, addr, qty, values)
	return nil
}

func (l *Link) publishData(code byte, addr, qty uint16, values []uint16) {
	l.pub.Publish(event.Data(l.Identity(), event.DataPayload{
		Code:     code,
		Address:  addr,
		Quantity: qty,
		Data:     append([]uint16(nil), values...),
	}))
}
