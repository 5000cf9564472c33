// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"sync"

	"github.com/google/uuid"

	"github.com/obs-foundation/nodemesh/lib/clock"
)

// Factory builds outbound messages for one node. It is safe for
// concurrent use.
type Factory struct {
	source string
	clock  clock.Clock

	mu   sync.Mutex
	last int64
}

// NewFactory returns a Factory stamping source on every message.
func NewFactory(source string, c clock.Clock) *Factory {
	return &Factory{source: source, clock: c}
}

// Source is the node name stamped on outbound messages.
func (f *Factory) Source() string { return f.source }

// NewID returns a fresh message id.
func NewID() string { return uuid.NewString() }

// New builds a message of the given type and priority.
func (f *Factory) New(t Type, p Priority, destination Destination, payload map[string]any) Message {
	return Message{
		ID:          NewID(),
		Type:        t,
		Priority:    p,
		Source:      f.source,
		Destination: destination,
		Payload:     payload,
		Timestamp:   f.stamp(),
	}
}

// Command builds a NORMAL priority COMMAND.
func (f *Factory) Command(destination Destination, payload map[string]any) Message {
	return f.New(TypeCommand, PriorityNormal, destination, payload)
}

// Response builds the reply to request: addressed to its source and
// correlated to its id.
func (f *Factory) Response(request Message, p Priority, payload map[string]any) Message {
	m := f.New(TypeResponse, p, To(request.Source), payload)
	m.CorrelationID = request.ID
	return m
}

// Emergency builds an EMERGENCY message that asks every receiver for
// an acknowledgement.
func (f *Factory) Emergency(destination Destination, payload map[string]any) Message {
	m := f.New(TypeEmergency, PriorityEmergency, destination, payload)
	m.RequiresAck = true
	return m
}

// Heartbeat builds a LOW priority liveness beacon.
func (f *Factory) Heartbeat(destination Destination, payload map[string]any) Message {
	return f.New(TypeHeartbeat, PriorityLow, destination, payload)
}

// stamp returns the wall clock in nanoseconds, bumped past the last
// value handed out so timestamps from this node never repeat or step
// backwards when the wall clock does.
func (f *Factory) stamp() int64 {
	now := f.clock.Now().UnixNano()
	f.mu.Lock()
	defer f.mu.Unlock()
	if now <= f.last {
		now = f.last + 1
	}
	f.last = now
	return now
}
