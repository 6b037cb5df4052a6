// Package transport moves Modbus TCP ADUs over a connection the gateway
// accepted. The device is the TCP client but answers register requests like
// a server, and it also pushes heartbeat frames nobody asked for, so
// responses and pushes are separated here before the Modbus client sees them.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"xlc-gateway/internal/codec"
)

var (
	ErrTransportTimeout = errors.New("transport timeout")
	ErrTransportClosed  = errors.New("transport closed")
)

const (
	mbapHeaderSize = 7
	maxADUSize     = 260

	DefaultRequestTimeout = 5 * time.Second
	DefaultReadTimeout    = 70 * time.Second
)

// Conn is a modbus.Transporter over one accepted connection.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *slog.Logger

	requestTimeout time.Duration
	readTimeout    atomic.Int64

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[uint16]chan []byte

	heartbeats chan []byte
	timeouts   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
}

// Option configures a Conn.
type Option func(*Conn)

// WithRequestTimeout bounds how long Send waits for a response.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) { c.requestTimeout = d }
}

// WithReadTimeout sets the initial keep-alive read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout.Store(int64(d)) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// New wraps conn. Call Start to begin reading.
func New(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		logger:         slog.Default(),
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[uint16]chan []byte),
		heartbeats:     make(chan []byte, 4),
		timeouts:       make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	c.readTimeout.Store(int64(DefaultReadTimeout))
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the read loop.
func (c *Conn) Start() {
	c.wg.Add(1)
	go c.readLoop()
}

// Client returns a Modbus client speaking to unitID over c. Only one client
// should be used per Conn since transaction ids are allocated per client.
func (c *Conn) Client(unitID byte) modbus.Client {
	h := modbus.NewTCPClientHandler("")
	h.SlaveId = unitID
	return modbus.NewClient2(h, c)
}

// Heartbeats delivers raw heartbeat frames.
func (c *Conn) Heartbeats() <-chan []byte { return c.heartbeats }

// Timeouts fires when the keep-alive read timeout expires with no traffic.
// The connection stays open; the owner decides what to do.
func (c *Conn) Timeouts() <-chan struct{} { return c.timeouts }

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// RemoteAddr returns the peer address, or "unknown".
func (c *Conn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

// RemoteIP returns the peer host without port, or "unknown".
func (c *Conn) RemoteIP() string {
	addr := c.RemoteAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// SetReadTimeout changes the keep-alive timeout, effective immediately.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
}

// Send implements modbus.Transporter. It writes one request ADU and waits
// for the response carrying the same transaction id.
func (c *Conn) Send(adu []byte) ([]byte, error) {
	if len(adu) < mbapHeaderSize {
		return nil, fmt.Errorf("transport: short request of %d bytes", len(adu))
	}
	select {
	case <-c.done:
		return nil, ErrTransportClosed
	default:
	}

	txID := binary.BigEndian.Uint16(adu)
	ch := make(chan []byte, 1)
	c.pendingMu.Lock()
	c.pending[txID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, txID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	_, err := c.conn.Write(adu)
	c.writeMu.Unlock()
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: write transaction %d", ErrTransportTimeout, txID)
		}
		return nil, fmt.Errorf("%w: write: %v", ErrTransportClosed, err)
	}
	c.logger.Debug("modbus TX", "tx", txID, "adu", fmt.Sprintf("%X", adu))

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		c.logger.Debug("modbus RX", "tx", txID, "adu", fmt.Sprintf("%X", resp))
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response to transaction %d", ErrTransportTimeout, txID)
	case <-c.done:
		return nil, ErrTransportClosed
	}
}

// Close shuts the connection and waits for the read loop to exit.
func (c *Conn) Close() error {
	err := c.shutdown(ErrTransportClosed)
	c.wg.Wait()
	return err
}

func (c *Conn) shutdown(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = reason
		c.errMu.Unlock()
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transport read loop panic", "remote", c.RemoteAddr(), "panic", r)
			c.shutdown(ErrTransportClosed)
		}
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.readTimeout.Load())))
		frame, n, err := readFrame(c.reader)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if n == 0 && isTimeout(err) {
				c.logger.Debug("keep-alive timeout", "remote", c.RemoteAddr())
				select {
				case c.timeouts <- struct{}{}:
				default:
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("transport read failed", "remote", c.RemoteAddr(), "err", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			return
		}
		c.dispatch(frame)
	}
}

// dispatch routes one frame. A 37-byte frame is always a heartbeat push; no
// register operation the gateway issues yields a response of that size.
func (c *Conn) dispatch(frame []byte) {
	if len(frame) == codec.HeartbeatFrameSize {
		select {
		case c.heartbeats <- frame:
		default:
			c.logger.Warn("heartbeat dropped, consumer busy", "remote", c.RemoteAddr())
		}
		return
	}

	txID := binary.BigEndian.Uint16(frame)
	c.pendingMu.Lock()
	ch, ok := c.pending[txID]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("orphaned modbus response", "remote", c.RemoteAddr(), "tx", txID, "adu", fmt.Sprintf("%X", frame))
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

// readFrame reads one MBAP-framed ADU. n reports how many bytes were
// consumed before an error, so a timeout between frames can be told apart
// from a torn frame.
func readFrame(r *bufio.Reader) ([]byte, int, error) {
	header := make([]byte, mbapHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		return nil, n, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length+6 > maxADUSize {
		return nil, n, fmt.Errorf("invalid MBAP length %d", length)
	}
	frame := make([]byte, 6+length)
	copy(frame, header)
	m, err := io.ReadFull(r, frame[mbapHeaderSize:])
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, n + m, err
	}
	return frame, len(frame), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
