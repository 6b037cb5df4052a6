package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"xlc-gateway/internal/device"
	"xlc-gateway/internal/transport"
)

// Start listens on addr and accepts connections in the background until
// ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Serve(ctx, ln); err != nil {
			r.logger.Error("serve", "err", err)
		}
	}()
	return nil
}

// Serve accepts connections on ln until ctx ends or ln is closed. Accept
// errors are logged and retried.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	r.lnMu.Lock()
	r.listener = ln
	r.lnMu.Unlock()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	r.logger.Info("modbus server listening", "addr", ln.Addr().String())

	backoff := 10 * time.Millisecond
	const maxBackoff = time.Second
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Error("accept failed", "err", err)
			time.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 10 * time.Millisecond

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(ctx, nc)
		}()
	}
}

// Addr returns the listening address, or nil before Start.
func (r *Registry) Addr() net.Addr {
	r.lnMu.Lock()
	defer r.lnMu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener, cancels pending offline timers and closes every
// link. Pending offline events are not published.
func (r *Registry) Stop() {
	r.lnMu.Lock()
	if r.listener != nil {
		r.listener.Close()
	}
	r.lnMu.Unlock()

	r.mu.Lock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	links := make([]*device.Link, 0, len(r.conns))
	for _, l := range r.conns {
		links = append(links, l)
	}
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	r.wg.Wait()
	for _, l := range links {
		l.Wait()
	}
}

func (r *Registry) handleConn(ctx context.Context, nc net.Conn) {
	connID := uuid.NewString()
	logger := r.logger.With("conn", connID, "remote", nc.RemoteAddr().String())
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in connection handler", "panic", rec, "stack", string(debug.Stack()))
			nc.Close()
		}
	}()
	logger.Info("device connection accepted")

	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetNoDelay(true)
	}

	conn := transport.New(nc,
		transport.WithLogger(logger.With("component", "transport")),
		transport.WithRequestTimeout(r.cfg.RequestTimeout),
	)
	conn.Start()
	link := device.New(conn, device.Config{
		ConnID:    connID,
		UnitID:    r.cfg.UnitID,
		Publisher: r.pub,
		Observer:  r,
		Logger:    r.logger,
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		link.Close()
		return
	}
	r.conns[connID] = link
	r.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()
	id, err := link.Handshake(hctx)
	if err != nil {
		logger.Warn("handshake failed, dropping connection", "err", err)
		r.mu.Lock()
		delete(r.conns, connID)
		r.mu.Unlock()
		return
	}
	logger.Info("device identified", "device", id)
	r.online(ctx, link)
}
