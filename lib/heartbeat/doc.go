// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat tracks peer liveness.
//
// A [Registry] is the node's peer table: logical name to address,
// last-seen time, and liveness [State]. A [Monitor] owns the
// registry's state transitions. It beacons a HEARTBEAT to every peer
// on a fixed interval, records traffic from peers, and sweeps the
// table for silence:
//
//	UNKNOWN --contact--> ALIVE --missed*interval--> SUSPECT --dead_after--> DEAD
//	   any state --contact--> ALIVE
//
// Every transition is published as an [Event]. A peer marked critical
// that goes DEAD is additionally handed to the escalation callback,
// which a node typically wires to its emergency channel.
//
// Beacon sends are best-effort: each runs on its own goroutine with a
// deadline, and a peer whose previous beacon is still in flight is
// skipped rather than queued behind it.
package heartbeat
