// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies a message. The zero value is invalid.
type Type uint8

const (
	TypeCommand Type = iota + 1
	TypeResponse
	TypeStatus
	TypeEmergency
	TypeHeartbeat
	TypeData
)

var typeNames = [...]string{
	TypeCommand:   "command",
	TypeResponse:  "response",
	TypeStatus:    "status",
	TypeEmergency: "emergency",
	TypeHeartbeat: "heartbeat",
	TypeData:      "data",
}

// Valid reports whether t is one of the defined types.
func (t Type) Valid() bool { return t >= TypeCommand && t <= TypeData }

// String returns the wire name ("command", "heartbeat", ...).
func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return typeNames[t]
}

// ParseType maps a wire name back to a Type.
func ParseType(name string) (Type, error) {
	for t := TypeCommand; t <= TypeData; t++ {
		if typeNames[t] == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Priority orders normal-lane delivery. Higher values are serviced
// first. PriorityEmergency is reserved for TypeEmergency.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

var priorityNames = [...]string{
	PriorityLow:       "low",
	PriorityNormal:    "normal",
	PriorityHigh:      "high",
	PriorityCritical:  "critical",
	PriorityEmergency: "emergency",
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityEmergency }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts either a name ("high") or its number ("3").
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityEmergency; p++ {
		if priorityNames[p] == s || fmt.Sprint(uint8(p)) == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

// Destination names one or more receiving nodes. A single name is
// encoded as a string on the wire, several as an array.
type Destination []string

// To builds a Destination from names.
func To(names ...string) Destination { return Destination(names) }

// Single returns the only name when there is exactly one.
func (d Destination) Single() (string, bool) {
	if len(d) != 1 {
		return "", false
	}
	return d[0], true
}

// Contains reports whether name is one of the destinations.
func (d Destination) Contains(name string) bool {
	for _, n := range d {
		if n == name {
			return true
		}
	}
	return false
}

func (d Destination) String() string { return strings.Join(d, ",") }

// Message is the envelope exchanged between nodes. Treat values as
// immutable: Payload maps are shared between copies.
type Message struct {
	ID          string
	Type        Type
	Priority    Priority
	Source      string
	Destination Destination
	Payload     map[string]any

	// Timestamp is the creation time in Unix nanoseconds. Within one
	// sender it is strictly increasing.
	Timestamp int64

	// CorrelationID links a RESPONSE to the ID of its request.
	CorrelationID string

	// ExpiresAt, when non-zero, is the Unix nanosecond instant after
	// which receivers drop the message undelivered.
	ExpiresAt int64

	// RequiresAck asks the receiver to reply with an acknowledgement
	// once the message has been handled.
	RequiresAck bool
}

// Time returns Timestamp as a time.Time.
func (m Message) Time() time.Time { return time.Unix(0, m.Timestamp) }

// Expired reports whether the message carries an expiry that now has
// passed.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != 0 && now.UnixNano() > m.ExpiresAt
}

// Command returns payload["command"] when it is a string.
func (m Message) Command() string {
	command, _ := m.Payload["command"].(string)
	return command
}

// Validate checks the structural invariants every encoded message
// must satisfy. The returned error wraps ErrSchema, ErrUnknownType,
// or ErrUnknownPriority.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrSchema)
	case !m.Type.Valid():
		return fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	case !m.Priority.Valid():
		return fmt.Errorf("%w: %s", ErrUnknownPriority, m.Priority)
	case m.Source == "":
		return fmt.Errorf("%w: missing source", ErrSchema)
	case len(m.Destination) == 0:
		return fmt.Errorf("%w: missing destination", ErrSchema)
	}
	for _, name := range m.Destination {
		if name == "" {
			return fmt.Errorf("%w: empty destination name", ErrSchema)
		}
	}
	if (m.Type == TypeEmergency) != (m.Priority == PriorityEmergency) {
		return fmt.Errorf("%w: %s message with %s priority", ErrSchema, m.Type, m.Priority)
	}
	if m.Type == TypeResponse && m.CorrelationID == "" {
		return fmt.Errorf("%w: response without correlation id", ErrSchema)
	}
	return nil
}
