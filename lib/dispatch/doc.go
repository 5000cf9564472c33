// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is a node's inbound pipeline: it queues decoded
// messages, orders them, and routes each one to exactly one place.
//
// Ordering uses two lanes. EMERGENCY messages go to a FIFO lane that
// is always drained before anything else, so an emergency overtakes
// every normal message queued ahead of it. Everything else goes to a
// heap ordered by Priority, ties broken by arrival.
//
// Routing, in order:
//
//  1. Messages past their expiry are dropped.
//  2. RESPONSE messages are offered to the Correlator. A response to
//     a pending request completes it; a response to an already
//     retired request is dropped as stale.
//  3. EMERGENCY messages go to the emergency handler, synchronously
//     on the dispatch goroutine.
//  4. Anything else goes to the handler registered for its payload
//     command, or failing that for its type name, on a goroutine of
//     its own so a slow handler never holds up dispatch. A message
//     with no matching handler is counted per key and logged.
//
// Duplicate ids within a sliding window are dropped at Submit.
package dispatch
