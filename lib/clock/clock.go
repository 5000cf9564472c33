// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the injectable time source.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel the call. Real clocks call f on a new goroutine; the
	// fake clock calls f synchronously from Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle on a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports whether the call was
// still pending; false means f already ran or Stop was called before.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. Slow readers lose ticks rather
// than accumulating them (C has capacity 1).
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop ends the tick sequence. C is not closed.
func (t *Ticker) Stop() { t.stop() }
