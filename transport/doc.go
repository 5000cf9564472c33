// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves encoded messages between nodes.
//
// A [Transport] owns one bound endpoint for the life of a node. The
// endpoint is acquired when the transport is constructed and released
// by Close, so a node that fails to start never leaks a socket. Serve
// runs the receive loop: every complete frame is decoded and handed
// to a [Sink]; frames that fail to decode are reported through
// Config.OnDecodeError and dropped, never delivered.
//
// Two implementations exist. [TCPTransport] is the default: frames
// are written back to back on long-lived connections, one per peer
// address, and every connection is read from on both ends so a peer
// can answer over the connection a request arrived on. [UDPTransport]
// sends one frame per datagram, the way the first generation of nodes
// talked; it is limited to frames of [MaxDatagram] bytes and cannot
// detect an unreachable peer.
//
// Sends never panic and never block past their deadline. A peer that
// cannot be reached yields a [*DeliveryError]; callers treat that as
// a degraded peer, not as a fault of the local node. [Broadcast]
// attempts every address even when some fail and reports each result
// separately.
package transport
