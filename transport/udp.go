// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/obs-foundation/nodemesh/lib/message"
)

// MaxDatagram is the largest frame UDPTransport will send.
const MaxDatagram = 65507

// ErrFrameTooLarge is returned when a frame exceeds MaxDatagram.
var ErrFrameTooLarge = errors.New("frame exceeds datagram size")

var _ Transport = (*UDPTransport)(nil)

// UDPTransport sends each frame as one datagram from the bound
// socket, so a receiver's Inbound.From is this node's listening
// address. Delivery is unconfirmed: a send to a host that is not
// listening usually succeeds.
type UDPTransport struct {
	config Config
	conn   net.PacketConn
	closed atomic.Bool

	mu       sync.Mutex
	resolved map[string]net.Addr
}

// NewUDP binds config.Address.
func NewUDP(config Config) (*UDPTransport, error) {
	config.applyDefaults()
	conn, err := net.ListenPacket("udp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", config.Address, err)
	}
	return &UDPTransport{
		config:   config,
		conn:     conn,
		resolved: make(map[string]net.Addr),
	}, nil
}

// Address returns the bound "host:port".
func (t *UDPTransport) Address() string { return t.conn.LocalAddr().String() }

// Serve reads datagrams until ctx is done or Close is called.
func (t *UDPTransport) Serve(ctx context.Context, sink Sink) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	buffer := make([]byte, MaxDatagram)
	for {
		n, from, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if t.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read udp: %w", err)
		}

		m, err := t.config.Codec.Decode(buffer[:n])
		if err != nil {
			var decodeErr *message.DecodeError
			if errors.As(err, &decodeErr) {
				t.config.Logger.Warn("dropping malformed datagram",
					"from", from.String(),
					"reason", decodeErr.Label(),
					"error", decodeErr,
				)
				if t.config.OnDecodeError != nil {
					t.config.OnDecodeError(from.String(), decodeErr)
				}
			}
			continue
		}
		sink(Inbound{Message: m, From: from.String()})
	}
}

// Send writes m as a single datagram to address.
func (t *UDPTransport) Send(ctx context.Context, m message.Message, address string) error {
	if t.closed.Load() {
		return &DeliveryError{Address: address, Err: ErrClosed}
	}
	frame, err := t.config.Codec.Encode(m)
	if err != nil {
		return err
	}
	if len(frame) > MaxDatagram {
		return &DeliveryError{Address: address, Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))}
	}

	target, err := t.resolve(address)
	if err != nil {
		return &DeliveryError{Address: address, Err: err}
	}
	// Concurrent senders share the socket's single write deadline.
	t.conn.SetWriteDeadline(writeDeadline(ctx, t.config.WriteTimeout))
	if _, err := t.conn.WriteTo(frame, target); err != nil {
		return &DeliveryError{Address: address, Err: err}
	}
	return nil
}

// Broadcast sends m to every address concurrently.
func (t *UDPTransport) Broadcast(ctx context.Context, m message.Message, addresses []string) []Result {
	return Broadcast(ctx, t, m, addresses)
}

// Close releases the socket. Safe to call more than once.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

func (t *UDPTransport) resolve(address string) (net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr, ok := t.resolved[address]; ok {
		return addr, nil
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	t.resolved[address] = addr
	return addr, nil
}
