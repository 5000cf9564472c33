// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package message defines the envelope exchanged between nodes and
// its wire encoding.
//
// A [Message] is a value: once built it is not modified, and a
// decoded message re-encodes to exactly the bytes it was decoded
// from. Messages are built by a [Factory], which stamps the sender's
// name, a fresh UUID, and a creation timestamp that never goes
// backwards within one node. Replies are built with
// [Factory.Response], which copies the request id into the reply's
// correlation id.
//
// The wire form is a deterministic CBOR map inside a codec frame:
//
//	{
//	  "id":             text,
//	  "type":           "command" | "response" | "status" | "emergency" | "heartbeat" | "data",
//	  "priority":       1..5 (low, normal, high, critical, emergency),
//	  "source":         text,
//	  "destination":    text | [text, ...],
//	  "payload":        map | null,
//	  "timestamp":      int (unix nanoseconds),
//	  "correlation_id": text,   (omitted when empty)
//	  "expires_at":     int,    (omitted when zero)
//	  "requires_ack":   bool    (omitted when false)
//	}
//
// [Decode] never panics on hostile input. Every failure is a
// [*DecodeError] whose Reason is one of the Err* sentinels, so
// receivers can count faults by category without parsing strings.
package message
