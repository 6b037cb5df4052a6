// Package simulator is a software XLC controller. It dials the gateway,
// answers register requests from an in-memory register bank and pushes
// heartbeat frames. Tests use it as the device end of a connection and the
// CLI exposes it for bench testing.
package simulator

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"xlc-gateway/internal/codec"
)

// Modbus function and exception codes the controller understands.
const (
	fcReadHolding   = 0x03
	fcWriteSingle   = 0x06
	fcWriteMultiple = 0x10

	exIllegalFunction = 0x01
	exIllegalAddress  = 0x02
)

// Request is one register operation the device served.
type Request struct {
	Function byte
	Address  uint16
	Quantity uint16
}

// Device is a simulated controller.
type Device struct {
	unitID byte
	logger *slog.Logger

	mu       sync.Mutex
	regs     map[uint16]uint16
	failing  map[uint16]bool
	requests []Request

	writeMu sync.Mutex
	conn    net.Conn

	silent atomic.Bool
	hbTx   atomic.Uint32
}

// New creates a device with identity id and sensible register defaults.
func New(id string, logger *slog.Logger) (*Device, error) {
	idRegs, err := codec.EncodeIdentity(id)
	if err != nil {
		return nil, err
	}
	d := &Device{
		unitID:  1,
		logger:  logger,
		regs:    make(map[uint16]uint16),
		failing: make(map[uint16]bool),
	}
	d.SetRegisters(codec.AddrIdentity, idRegs)
	d.SetRegisters(codec.AddrHeartbeatInterval, []uint16{60})
	d.SetRegisters(codec.AddrFirmware, []uint16{100, 23})
	d.SetRegisters(codec.AddrSensor, []uint16{2512, 4830})
	d.hbTx.Store(0x8000)
	return d, nil
}

// SetRegisters writes values starting at addr.
func (d *Device) SetRegisters(addr uint16, values []uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.regs[addr+uint16(i)] = v
	}
}

// Registers reads qty registers starting at addr.
func (d *Device) Registers(addr, qty uint16) []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, qty)
	for i := range out {
		out[i] = d.regs[addr+uint16(i)]
	}
	return out
}

// FailAddress makes requests starting at addr answer with an exception.
func (d *Device) FailAddress(addr uint16, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[addr] = fail
}

// SetSilent stops the device from answering requests while still reading
// them, like a unit whose network path went half-dead.
func (d *Device) SetSilent(silent bool) { d.silent.Store(silent) }

// Requests returns every request served so far, in order.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Dial connects to the gateway at addr and serves until ctx ends or the
// connection drops.
func (d *Device) Dial(ctx context.Context, addr string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	return d.Serve(ctx, conn)
}

// Serve answers requests on conn until it fails or ctx ends. conn is closed
// on return.
func (d *Device) Serve(ctx context.Context, conn net.Conn) error {
	d.writeMu.Lock()
	d.conn = conn
	d.writeMu.Unlock()
	defer func() {
		d.writeMu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		d.writeMu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	for {
		frame, err := readADU(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		resp := d.handle(frame)
		if resp == nil || d.silent.Load() {
			continue
		}
		if err := d.write(resp); err != nil {
			return err
		}
	}
}

// Close drops the current connection, if any.
func (d *Device) Close() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// PushHeartbeat sends a heartbeat frame with the given raw field values.
func (d *Device) PushHeartbeat(fields [11]uint16) error {
	tx := uint16(d.hbTx.Add(1))
	return d.write(codec.EncodeHeartbeatFrame(tx, d.unitID, fields))
}

// RunHeartbeats pushes fields every interval until ctx ends.
func (d *Device) RunHeartbeats(ctx context.Context, interval time.Duration, fields func() [11]uint16) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.PushHeartbeat(fields()); err != nil {
				d.logger.Warn("push heartbeat", "err", err)
			}
		}
	}
}

func (d *Device) write(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return net.ErrClosed
	}
	_, err := d.conn.Write(b)
	return err
}

func (d *Device) handle(adu []byte) []byte {
	if len(adu) < 8 {
		return nil
	}
	pdu := adu[7:]
	fc := pdu[0]

	var resp []byte
	switch fc {
	case fcReadHolding:
		if len(pdu) < 5 {
			return nil
		}
		addr := binary.BigEndian.Uint16(pdu[1:])
		qty := binary.BigEndian.Uint16(pdu[3:])
		if d.record(fc, addr, qty) {
			resp = exception(fc, exIllegalAddress)
			break
		}
		data := codec.Bytes(d.Registers(addr, qty))
		resp = append([]byte{fc, byte(len(data))}, data...)
	case fcWriteSingle:
		if len(pdu) < 5 {
			return nil
		}
		addr := binary.BigEndian.Uint16(pdu[1:])
		if d.record(fc, addr, 1) {
			resp = exception(fc, exIllegalAddress)
			break
		}
		d.SetRegisters(addr, []uint16{binary.BigEndian.Uint16(pdu[3:])})
		resp = append([]byte(nil), pdu[:5]...)
	case fcWriteMultiple:
		if len(pdu) < 6 {
			return nil
		}
		addr := binary.BigEndian.Uint16(pdu[1:])
		qty := binary.BigEndian.Uint16(pdu[3:])
		if d.record(fc, addr, qty) {
			resp = exception(fc, exIllegalAddress)
			break
		}
		d.SetRegisters(addr, codec.Registers(pdu[6:]))
		resp = append([]byte(nil), pdu[:5]...)
	default:
		resp = exception(fc, exIllegalFunction)
	}

	out := make([]byte, 7+len(resp))
	copy(out, adu[:4])
	binary.BigEndian.PutUint16(out[4:], uint16(len(resp)+1))
	out[6] = adu[6]
	copy(out[7:], resp)
	return out
}

// record logs the request and reports whether addr is set to fail.
func (d *Device) record(fc byte, addr, qty uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, Request{Function: fc, Address: addr, Quantity: qty})
	return d.failing[addr]
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}

func readADU(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length > 254 {
		return nil, fmt.Errorf("invalid MBAP length %d", length)
	}
	adu := make([]byte, 6+length)
	copy(adu, header)
	if _, err := io.ReadFull(r, adu[7:]); err != nil {
		return nil, err
	}
	return adu, nil
}
