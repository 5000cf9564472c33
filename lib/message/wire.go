// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"fmt"
	"io"

	"github.com/obs-foundation/nodemesh/lib/codec"
)

// wireMessage is the CBOR map layout. Destination and Payload are
// kept raw so their shape can be checked after the envelope decodes.
type wireMessage struct {
	ID            string           `cbor:"id"`
	Type          string           `cbor:"type"`
	Priority      int64            `cbor:"priority"`
	Source        string           `cbor:"source"`
	Destination   codec.RawMessage `cbor:"destination"`
	Payload       codec.RawMessage `cbor:"payload"`
	Timestamp     int64            `cbor:"timestamp"`
	CorrelationID string           `cbor:"correlation_id,omitempty"`
	ExpiresAt     int64            `cbor:"expires_at,omitempty"`
	RequiresAck   bool             `cbor:"requires_ack,omitempty"`
}

// Codec encodes messages into frames. The zero value writes
// uncompressed frames.
type Codec struct {
	Compression codec.Compression
	// Threshold is the minimum body size worth compressing.
	Threshold int
}

// Encode validates m and returns its framed wire bytes. It only fails
// when m is not well formed or a payload value has no CBOR encoding.
func (c Codec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	var destination any = []string(m.Destination)
	if name, ok := m.Destination.Single(); ok {
		destination = name
	}
	destinationBytes, err := codec.Marshal(destination)
	if err != nil {
		return nil, fmt.Errorf("encode message %s destination: %w", m.ID, err)
	}
	payloadBytes, err := codec.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode message %s payload: %w", m.ID, err)
	}

	body, err := codec.Marshal(wireMessage{
		ID:            m.ID,
		Type:          m.Type.String(),
		Priority:      int64(m.Priority),
		Source:        m.Source,
		Destination:   destinationBytes,
		Payload:       payloadBytes,
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
		ExpiresAt:     m.ExpiresAt,
		RequiresAck:   m.RequiresAck,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return codec.Seal(body, c.Compression, c.Threshold)
}

// Decode parses one frame. Any frame compression is accepted
// regardless of c's settings.
func (c Codec) Decode(data []byte) (Message, error) {
	body, err := codec.Open(data)
	if err != nil {
		return Message{}, FrameError(err)
	}

	var wire wireMessage
	if err := codec.Unmarshal(body, &wire); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, decodeError(ErrTruncated, err)
		}
		var typeErr *codec.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Message{}, decodeError(ErrSchema, err)
		}
		return Message{}, decodeError(ErrMalformed, err)
	}

	m := Message{
		ID:            wire.ID,
		Source:        wire.Source,
		Timestamp:     wire.Timestamp,
		CorrelationID: wire.CorrelationID,
		ExpiresAt:     wire.ExpiresAt,
		RequiresAck:   wire.RequiresAck,
	}
	if wire.Type == "" {
		return Message{}, decodeError(ErrSchema, fmt.Errorf("%w: missing type", ErrSchema))
	}
	if m.Type, err = ParseType(wire.Type); err != nil {
		return Message{}, decodeError(ErrUnknownType, err)
	}
	if wire.Priority < int64(PriorityLow) || wire.Priority > int64(PriorityEmergency) {
		return Message{}, decodeError(ErrUnknownPriority,
			fmt.Errorf("%w: %d", ErrUnknownPriority, wire.Priority))
	}
	m.Priority = Priority(wire.Priority)

	if m.Destination, err = decodeDestination(wire.Destination); err != nil {
		return Message{}, decodeError(ErrSchema, err)
	}
	if m.Payload, err = decodePayload(wire.Payload); err != nil {
		return Message{}, decodeError(ErrSchema, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, decodeError(reasonOf(err), err)
	}
	return m, nil
}

// Encode uses the zero Codec.
func Encode(m Message) ([]byte, error) { return Codec{}.Encode(m) }

// Decode uses the zero Codec.
func Decode(data []byte) (Message, error) { return Codec{}.Decode(data) }

func decodeDestination(raw codec.RawMessage) (Destination, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing destination", ErrSchema)
	}
	var single string
	if err := codec.Unmarshal(raw, &single); err == nil {
		return Destination{single}, nil
	}
	var many []string
	if err := codec.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("%w: destination is neither text nor a list of text", ErrSchema)
	}
	return Destination(many), nil
}

func decodePayload(raw codec.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := codec.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrSchema, err)
	}
	switch payload := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: payload is %T, want a map", ErrSchema, value)
	}
}
