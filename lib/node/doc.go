// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package node is the composition root of a mesh node.
//
// A [Runtime] owns one transport endpoint and wires the inbound path
// (transport, dispatcher, handlers), the heartbeat monitor, the
// emergency channel, and the correlator behind the public operations:
// [Runtime.Send], [Runtime.Broadcast], [Runtime.SendEmergency],
// [Runtime.Query], [Runtime.RegisterHandler], and
// [Runtime.PeerStatus].
//
// Every inbound message counts as proof of life for its source before
// it is queued. Messages not addressed to this node are dropped.
// After a handler returns, a message that asked for an
// acknowledgement is answered with a RESPONSE carrying
// {ack_for, status: "received"}.
//
// The runtime registers default handlers for "heartbeat", "status",
// "get_status", "ack", and "response". Registering a handler under
// the same key replaces the default.
package node
