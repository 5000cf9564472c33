// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the channel helpers tests use in place of
// bare time.After. The timeout in each helper is a hang guard, not a
// synchronization mechanism: tests that depend on elapsed time drive
// a clock.FakeClock instead.
package testutil

import (
	"fmt"
	"time"
)

// T is the subset of testing.TB the helpers need.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch, failing the test if
// none arrives within timeout or ch is closed.
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, what ...any) V {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for %s", describe(what))
		}
		return v
	case <-timer.C:
		t.Fatalf("no value after %v waiting for %s", timeout, describe(what))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch yields a value within window.
func RequireNoReceive[V any](t T, ch <-chan V, window time.Duration, what ...any) {
	t.Helper()
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, describe(what))
	case <-timer.C:
	}
}

// RequireClosed waits for ch to close (or deliver).
func RequireClosed(t T, ch <-chan struct{}, timeout time.Duration, what ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("not closed after %v: %s", timeout, describe(what))
	}
}

func describe(what []any) string {
	switch {
	case len(what) == 0:
		return "(unnamed)"
	case len(what) == 1:
		return fmt.Sprint(what[0])
	}
	if format, ok := what[0].(string); ok {
		return fmt.Sprintf(format, what[1:]...)
	}
	return fmt.Sprint(what...)
}
