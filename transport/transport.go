// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/obs-foundation/nodemesh/lib/message"
)

// Inbound is one decoded message and the address it arrived from.
// From is usable as a Send address on the same transport.
type Inbound struct {
	Message message.Message
	From    string
}

// Sink receives decoded messages from the receive loop. It must not
// block: the loop stops reading while a Sink call is in progress.
type Sink func(Inbound)

// Transport is a bound node endpoint.
type Transport interface {
	// Send delivers m to one address. An unreachable address yields a
	// *DeliveryError.
	Send(ctx context.Context, m message.Message, address string) error

	// Broadcast sends m to every address and reports each outcome.
	Broadcast(ctx context.Context, m message.Message, addresses []string) []Result

	// Serve runs the receive loop until ctx is done or Close is
	// called. Returns nil on clean shutdown.
	Serve(ctx context.Context, sink Sink) error

	// Address is the bound "host:port".
	Address() string

	// Close releases the endpoint and every connection.
	Close() error
}

// Config holds settings shared by both transports.
type Config struct {
	// Address is the "host:port" to bind. Port 0 picks a free port.
	Address string

	// Codec encodes outbound frames. Inbound frames of any
	// compression are accepted.
	Codec message.Codec

	// DialTimeout bounds connection establishment. Default 2s.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write. Default 2s.
	WriteTimeout time.Duration

	// IdleTimeout closes TCP connections that carry no traffic for
	// this long. Default 2m.
	IdleTimeout time.Duration

	// OnDecodeError is called for every inbound frame that fails to
	// decode. Optional.
	OnDecodeError func(from string, err *message.DecodeError)

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// DeliveryError reports that a message could not be handed to the
// network for one destination.
type DeliveryError struct {
	// Peer is the logical destination name, when known.
	Peer    string
	Address string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("deliver to %s (%s): %v", e.Peer, e.Address, e.Err)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// New binds a transport of the named kind: "tcp" (the default when
// kind is empty) or "udp".
func New(kind string, config Config) (Transport, error) {
	switch kind {
	case "", "tcp":
		return NewTCP(config)
	case "udp":
		return NewUDP(config)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Result is the outcome of one Broadcast destination.
type Result struct {
	Address string
	Err     error
}

// Broadcast sends m to every address concurrently using send. Every
// address is attempted; results are returned in address order.
func Broadcast(ctx context.Context, t Transport, m message.Message, addresses []string) []Result {
	results := make([]Result, len(addresses))
	var wg sync.WaitGroup
	for i, address := range addresses {
		results[i].Address = address
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i].Err = t.Send(ctx, m, address)
		}()
	}
	wg.Wait()
	return results
}

// writeDeadline is the earlier of ctx's deadline and now+limit.
func writeDeadline(ctx context.Context, limit time.Duration) time.Time {
	deadline := time.Now().Add(limit)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

// isClosedConn reports teardown errors that are part of normal
// shutdown or a peer hanging up.
func isClosedConn(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
