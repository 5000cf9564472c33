// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/codec"
)

func sampleMessages() []Message {
	return []Message{
		{
			ID:          "3f0c2f1e-0000-4000-8000-000000000001",
			Type:        TypeCommand,
			Priority:    PriorityNormal,
			Source:      "camera_node",
			Destination: To("db_client"),
			Payload: map[string]any{
				"command":    "query_data",
				"collection": "Navigation",
				"query":      map[string]any{"title": "heading"},
				"sort":       []any{[]any{"timestamp", int64(-1)}},
				"limit":      uint64(1),
			},
			Timestamp: 1_760_000_000_123_456_789,
		},
		{
			ID:            "3f0c2f1e-0000-4000-8000-000000000002",
			Type:          TypeResponse,
			Priority:      PriorityHigh,
			Source:        "db_client",
			Destination:   To("camera_node"),
			Payload:       map[string]any{"status": "success", "query_results": []any{map[string]any{"heading": 87.5}}},
			Timestamp:     1_760_000_000_200_000_000,
			CorrelationID: "3f0c2f1e-0000-4000-8000-000000000001",
		},
		{
			ID:          "3f0c2f1e-0000-4000-8000-000000000003",
			Type:        TypeEmergency,
			Priority:    PriorityEmergency,
			Source:      "canbus_node",
			Destination: To("motor_node", "nav_node", "camera_node"),
			Payload:     map[string]any{"reason": "estop", "raw": []byte{0xde, 0xad}},
			Timestamp:   1,
			ExpiresAt:   1_760_000_010_000_000_000,
			RequiresAck: true,
		},
		{
			ID:          "3f0c2f1e-0000-4000-8000-000000000004",
			Type:        TypeHeartbeat,
			Priority:    PriorityLow,
			Source:      "nav_node",
			Destination: To("master_core"),
			Timestamp:   42,
		},
		{
			ID:          "3f0c2f1e-0000-4000-8000-000000000005",
			Type:        TypeData,
			Priority:    PriorityCritical,
			Source:      "nav_node",
			Destination: To("logger"),
			Payload:     map[string]any{},
			Timestamp:   43,
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, original := range sampleMessages() {
		t.Run(original.Type.String(), func(t *testing.T) {
			encoded, err := Encode(original)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(decoded, original) {
				t.Fatalf("Decode(Encode(m)) = %#v\nwant %#v", decoded, original)
			}
			again, err := Encode(decoded)
			if err != nil {
				t.Fatalf("re-Encode: %v", err)
			}
			if !bytes.Equal(again, encoded) {
				t.Fatalf("re-encoded bytes differ:\n%x\n%x", again, encoded)
			}
		})
	}
}

func TestRoundTripCompressed(t *testing.T) {
	original := sampleMessages()[0]
	original.Payload = map[string]any{"blob": strings.Repeat("navigation-sample;", 500)}

	for _, c := range []codec.Compression{codec.CompressionLZ4, codec.CompressionZstd} {
		wire := Codec{Compression: c, Threshold: 256}
		encoded, err := wire.Encode(original)
		if err != nil {
			t.Fatalf("%s Encode: %v", c, err)
		}
		if codec.Compression(encoded[1]) != c {
			t.Fatalf("frame tag = %s, want %s", codec.Compression(encoded[1]), c)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("%s Decode: %v", c, err)
		}
		if !reflect.DeepEqual(decoded, original) {
			t.Fatalf("%s round trip mismatch", c)
		}
	}
}

func TestEncodeRejectsMalformed(t *testing.T) {
	base := sampleMessages()[0]
	tests := []struct {
		name   string
		mutate func(*Message)
		want   error
	}{
		{"no id", func(m *Message) { m.ID = "" }, ErrSchema},
		{"no source", func(m *Message) { m.Source = "" }, ErrSchema},
		{"no destination", func(m *Message) { m.Destination = nil }, ErrSchema},
		{"bad type", func(m *Message) { m.Type = 99 }, ErrUnknownType},
		{"bad priority", func(m *Message) { m.Priority = 0 }, ErrUnknownPriority},
		{"emergency priority on command", func(m *Message) { m.Priority = PriorityEmergency }, ErrSchema},
		{"emergency type at normal priority", func(m *Message) { m.Type = TypeEmergency }, ErrSchema},
		{"uncorrelated response", func(m *Message) { m.Type = TypeResponse }, ErrSchema},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := base
			test.mutate(&m)
			if _, err := Encode(m); !errors.Is(err, test.want) {
				t.Fatalf("Encode error = %v, want %v", err, test.want)
			}
		})
	}
}

// frameBody seals a hand-built CBOR map so decode faults inside the
// envelope can be exercised.
func frameBody(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	body, err := codec.Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	frame, err := codec.Seal(body, codec.CompressionNone, 0)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return frame
}

func validFields() map[string]any {
	return map[string]any{
		"id":          "abc",
		"type":        "command",
		"priority":    2,
		"source":      "a",
		"destination": "b",
		"payload":     map[string]any{"command": "ping"},
		"timestamp":   7,
	}
}

func TestDecodeFaults(t *testing.T) {
	good, err := Encode(sampleMessages()[0])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	with := func(key string, value any) []byte {
		fields := validFields()
		if value == nil {
			delete(fields, key)
		} else {
			fields[key] = value
		}
		return frameBody(t, fields)
	}

	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty", nil, ErrTruncated},
		{"cut header", good[:5], ErrTruncated},
		{"cut body", good[:len(good)-4], ErrTruncated},
		{"garbage body", func() []byte {
			frame, _ := codec.Seal([]byte{0xff, 0x00, 0x13}, codec.CompressionNone, 0)
			return frame
		}(), ErrMalformed},
		{"unknown type", with("type", "telemetry"), ErrUnknownType},
		{"missing type", with("type", nil), ErrSchema},
		{"priority too high", with("priority", 6), ErrUnknownPriority},
		{"priority zero", with("priority", 0), ErrUnknownPriority},
		{"priority as text", with("priority", "high"), ErrSchema},
		{"payload not a map", with("payload", []any{1, 2}), ErrSchema},
		{"destination number", with("destination", 12), ErrSchema},
		{"missing id", with("id", nil), ErrSchema},
		{"emergency priority on data", func() []byte {
			fields := validFields()
			fields["type"] = "data"
			fields["priority"] = 5
			return frameBody(t, fields)
		}(), ErrSchema},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.input)
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("Decode error = %v (%T), want *DecodeError", err, err)
			}
			if decodeErr.Reason != test.want {
				t.Fatalf("Reason = %v, want %v (err: %v)", decodeErr.Reason, test.want, err)
			}
			if !errors.Is(err, test.want) {
				t.Fatalf("errors.Is(%v, %v) = false", err, test.want)
			}
		})
	}
}

func TestDecodeAcceptsDestinationList(t *testing.T) {
	fields := validFields()
	fields["destination"] = []any{"b", "c"}
	m, err := Decode(frameBody(t, fields))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(m.Destination, To("b", "c")) {
		t.Fatalf("Destination = %v, want [b c]", m.Destination)
	}
	if m.Command() != "ping" {
		t.Fatalf("Command() = %q, want ping", m.Command())
	}
}

func TestFactoryTimestampsStrictlyIncrease(t *testing.T) {
	fake := clock.Fake(time.Unix(1_760_000_000, 0))
	factory := NewFactory("nav_node", fake)

	first := factory.Command(To("db_client"), nil)
	second := factory.Command(To("db_client"), nil)
	if second.Timestamp <= first.Timestamp {
		t.Fatalf("timestamps %d then %d, want strictly increasing", first.Timestamp, second.Timestamp)
	}
	if first.ID == second.ID {
		t.Fatal("two messages share an id")
	}
	if first.Source != "nav_node" {
		t.Fatalf("Source = %q, want nav_node", first.Source)
	}
}

func TestFactoryResponseCorrelates(t *testing.T) {
	factory := NewFactory("db_client", clock.Fake(time.Unix(0, 0)))
	request := NewFactory("nav_node", clock.Fake(time.Unix(0, 0))).Command(To("db_client"), map[string]any{"command": "query_data"})

	response := factory.Response(request, PriorityNormal, map[string]any{"status": "success"})
	if response.CorrelationID != request.ID {
		t.Fatalf("CorrelationID = %q, want %q", response.CorrelationID, request.ID)
	}
	if name, _ := response.Destination.Single(); name != "nav_node" {
		t.Fatalf("Destination = %v, want nav_node", response.Destination)
	}
	if err := response.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFactoryEmergency(t *testing.T) {
	factory := NewFactory("canbus_node", clock.Real())
	m := factory.Emergency(To("a", "b"), map[string]any{"reason": "estop"})
	if m.Type != TypeEmergency || m.Priority != PriorityEmergency || !m.RequiresAck {
		t.Fatalf("Emergency() = type %s priority %s ack %v", m.Type, m.Priority, m.RequiresAck)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestExpired(t *testing.T) {
	m := Message{ExpiresAt: 1000}
	if m.Expired(time.Unix(0, 1000)) {
		t.Error("expired at its deadline")
	}
	if !m.Expired(time.Unix(0, 1001)) {
		t.Error("not expired past its deadline")
	}
	if (Message{}).Expired(time.Now()) {
		t.Error("message without expiry reported expired")
	}
}

func TestParsePriority(t *testing.T) {
	for input, want := range map[string]Priority{"low": PriorityLow, "3": PriorityHigh, "emergency": PriorityEmergency} {
		got, err := ParsePriority(input)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrUnknownPriority) {
		t.Errorf("ParsePriority(urgent) error = %v", err)
	}
}
