// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresAtDeadline(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(1999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired before deadline: %d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d after reaching deadline, want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("fired = %d after further advance, want 1", fired)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(epoch)
	timer := c.AfterFunc(time.Second, func() { t.Error("stopped timer fired") })
	if !timer.Stop() {
		t.Fatal("Stop() = false for pending timer")
	}
	if timer.Stop() {
		t.Fatal("second Stop() = true")
	}
	c.Advance(time.Minute)
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
}

func TestFakeCallbacksRunInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b1") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b2") })

	c.Advance(5 * time.Second)
	want := []string{"a", "b1", "b2", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFakeNowDuringCallback(t *testing.T) {
	c := Fake(epoch)
	var seen time.Time
	c.AfterFunc(time.Second, func() { seen = c.Now() })
	c.Advance(10 * time.Second)
	if want := epoch.Add(time.Second); !seen.Equal(want) {
		t.Fatalf("Now() inside callback = %v, want %v", seen, want)
	}
	if want := epoch.Add(10 * time.Second); !c.Now().Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", c.Now(), want)
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(3 * time.Second)
	select {
	case tick := <-ticker.C:
		if want := epoch.Add(time.Second); !tick.Equal(want) {
			t.Fatalf("first tick = %v, want %v", tick, want)
		}
	default:
		t.Fatal("no tick delivered")
	}
	select {
	case tick := <-ticker.C:
		t.Fatalf("unexpected buffered tick %v", tick)
	default:
	}
}

func TestFakeAfterAndWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan time.Time)
	go func() { done <- <-c.After(time.Second) }()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case got := <-done:
		if want := epoch.Add(time.Second); !got.Equal(want) {
			t.Fatalf("After delivered %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("After channel never fired")
	}
}
