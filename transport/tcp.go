// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obs-foundation/nodemesh/lib/codec"
	"github.com/obs-foundation/nodemesh/lib/message"
)

var _ Transport = (*TCPTransport)(nil)

// TCPTransport carries frames over persistent TCP connections. It
// keeps one connection table keyed by address: connections it dialed
// are keyed by the dialed address, accepted ones by the remote
// address. Both directions of every connection are read, so Send to
// an Inbound.From address answers over the connection the request
// used.
type TCPTransport struct {
	config   Config
	listener net.Listener

	// served is closed once Serve has stored the sink, or by Close.
	// Read loops on dialed connections can start before Serve and
	// hold their first frame until then.
	sink      atomic.Pointer[Sink]
	served    chan struct{}
	serveOnce sync.Once

	mu     sync.Mutex
	conns  map[string]*tcpConn
	closed bool

	readers sync.WaitGroup
}

type tcpConn struct {
	conn net.Conn

	// writeMu serializes frames so they never interleave.
	writeMu sync.Mutex
}

// NewTCP binds config.Address. The listener is held until Close.
func NewTCP(config Config) (*TCPTransport, error) {
	config.applyDefaults()
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", config.Address, err)
	}
	return &TCPTransport{
		config:   config,
		listener: listener,
		served:   make(chan struct{}),
		conns:    make(map[string]*tcpConn),
	}, nil
}

// Address returns the bound "host:port".
func (t *TCPTransport) Address() string { return t.listener.Addr().String() }

// Serve accepts connections until ctx is done or Close is called.
func (t *TCPTransport) Serve(ctx context.Context, sink Sink) error {
	t.sink.Store(&sink)
	t.markServed()

	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isClosed() || ctx.Err() != nil {
				t.readers.Wait()
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		t.adopt(conn.RemoteAddr().String(), conn)
	}
}

// Send writes m on the connection for address, dialing one if none
// is open. A cached connection that fails is discarded and the send
// is retried once on a fresh connection.
func (t *TCPTransport) Send(ctx context.Context, m message.Message, address string) error {
	frame, err := t.config.Codec.Encode(m)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		connection, fresh, err := t.connection(ctx, address)
		if err != nil {
			return &DeliveryError{Address: address, Err: err}
		}
		err = connection.write(frame, writeDeadline(ctx, t.config.WriteTimeout))
		if err == nil {
			return nil
		}
		t.discard(address, connection)
		if fresh || attempt > 0 {
			return &DeliveryError{Address: address, Err: err}
		}
		t.config.Logger.Debug("stale connection, redialing",
			"address", address,
			"error", err,
		)
	}
}

// Broadcast sends m to every address concurrently.
func (t *TCPTransport) Broadcast(ctx context.Context, m message.Message, addresses []string) []Result {
	return Broadcast(ctx, t, m, addresses)
}

// Close stops the listener, closes every connection, and waits for
// the read loops to exit. Safe to call more than once.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*tcpConn)
	t.mu.Unlock()
	t.markServed()

	err := t.listener.Close()
	for _, connection := range conns {
		connection.conn.Close()
	}
	t.readers.Wait()
	return err
}

// connection returns the open connection for address or dials one.
// fresh is true when the connection was dialed by this call.
func (t *TCPTransport) connection(ctx context.Context, address string) (*tcpConn, bool, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, false, ErrClosed
	}
	if existing, ok := t.conns[address]; ok {
		t.mu.Unlock()
		return existing, false, nil
	}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, false, err
	}
	connection, adopted := t.adopt(address, conn)
	return connection, adopted, nil
}

// adopt registers conn under key and starts its read loop. When
// another goroutine registered a connection for key first, conn is
// closed and the existing connection is returned with adopted false.
func (t *TCPTransport) adopt(key string, conn net.Conn) (*tcpConn, bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return &tcpConn{conn: conn}, false
	}
	if existing, ok := t.conns[key]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, false
	}
	connection := &tcpConn{conn: conn}
	t.conns[key] = connection
	t.readers.Add(1)
	t.mu.Unlock()

	go t.readLoop(key, connection)
	return connection, true
}

func (t *TCPTransport) discard(key string, connection *tcpConn) {
	t.mu.Lock()
	if t.conns[key] == connection {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	connection.conn.Close()
}

func (t *TCPTransport) readLoop(key string, connection *tcpConn) {
	defer t.readers.Done()
	defer t.discard(key, connection)

	reader := bufio.NewReader(connection.conn)
	for {
		connection.conn.SetReadDeadline(time.Now().Add(t.config.IdleTimeout))
		frame, err := codec.ReadFrame(reader)
		if err != nil {
			var netErr net.Error
			switch {
			case isClosedConn(err):
			case errors.As(err, &netErr) && netErr.Timeout():
				t.config.Logger.Debug("closing idle connection", "address", key)
			case errors.Is(err, codec.ErrShortFrame),
				errors.Is(err, codec.ErrFrameVersion),
				errors.Is(err, codec.ErrFrameSize):
				// The stream cannot be resynchronized past a bad header.
				t.reportDecodeError(key, message.FrameError(err))
			default:
				t.config.Logger.Warn("connection read failed", "address", key, "error", err)
			}
			return
		}

		m, err := t.config.Codec.Decode(frame)
		if err != nil {
			var decodeErr *message.DecodeError
			if errors.As(err, &decodeErr) {
				t.reportDecodeError(key, decodeErr)
			}
			continue
		}
		<-t.served
		sink := t.sink.Load()
		if sink == nil {
			t.config.Logger.Warn("dropping message received while not serving",
				"address", key,
				"message_id", m.ID,
			)
			continue
		}
		(*sink)(Inbound{Message: m, From: key})
	}
}

func (t *TCPTransport) markServed() {
	t.serveOnce.Do(func() { close(t.served) })
}

func (t *TCPTransport) reportDecodeError(from string, err *message.DecodeError) {
	t.config.Logger.Warn("dropping malformed frame",
		"from", from,
		"reason", err.Label(),
		"error", err,
	)
	if t.config.OnDecodeError != nil {
		t.config.OnDecodeError(from, err)
	}
}

func (t *TCPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (c *tcpConn) write(frame []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(frame)
	return err
}
