// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. It is safe for concurrent
// use. AfterFunc callbacks run synchronously inside Advance, in
// deadline order (registration order breaks ties), with no clock lock
// held, so a callback may register new timers or read Now.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending waiterHeap
	seq     uint64
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

type waiter struct {
	deadline time.Time
	seq      uint64
	index    int

	// Exactly one of fn or ch is set.
	fn func()
	ch chan time.Time

	// period is non-zero for tickers.
	period    time.Duration
	cancelled bool
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock reaches now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.schedule(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f for now+d. A non-positive d runs f before
// AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.schedule(w)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(w) }}
}

// NewTicker returns a ticker whose first tick is at now+d.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker called with non-positive interval")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), ch: ch, period: d}
	c.schedule(w)
	c.mu.Unlock()
	return &Ticker{C: ch, stop: func() { c.cancel(w) }}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline is reached. Tickers fire once per elapsed period; ticks
// that find C full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.pending[0].deadline.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		w := heap.Pop(&c.pending).(*waiter)
		if w.deadline.After(c.now) {
			c.now = w.deadline
		}
		fireAt := c.now
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
			c.schedule(w)
		}
		c.mu.Unlock()

		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- fireAt:
		default:
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of scheduled waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// schedule requires c.mu.
func (c *FakeClock) schedule(w *waiter) {
	c.seq++
	w.seq = c.seq
	heap.Push(&c.pending, w)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.cancelled || w.index < 0 {
		return false
	}
	w.cancelled = true
	heap.Remove(&c.pending, w.index)
	return true
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
