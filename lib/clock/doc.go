// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by every timer-driven
// component of a node: the heartbeat loop, liveness sweeps, query
// deadlines, and message timestamps.
//
// Components hold a Clock instead of calling the time package. A
// running node uses Real(). Tests use Fake(), which only moves when
// Advance is called, so liveness transitions and query timeouts can
// be driven to exact instants:
//
//	fake := clock.Fake(time.Unix(1_700_000_000, 0))
//	tracker := correlator.New(correlator.Config{Clock: fake})
//	tracker.Track(id, 2*time.Second, callback)
//	fake.Advance(2 * time.Second) // callback fires here, synchronously
//
// Timers registered from other goroutines race with Advance. Call
// WaitForTimers(n) first when a background loop owns the timer.
package clock
