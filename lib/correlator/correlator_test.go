// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package correlator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/message"
)

func newTracker(t *testing.T) (*Tracker, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return New(Config{Clock: fake, RetiredWindow: 8}), fake
}

// recorder collects results and counts invocations.
type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) callback(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recorder) snapshot() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func response(correlationID string, payload map[string]any) message.Message {
	return message.Message{
		ID:            message.NewID(),
		Type:          message.TypeResponse,
		Priority:      message.PriorityNormal,
		Source:        "db_client",
		Destination:   message.To("nav_node"),
		Payload:       payload,
		CorrelationID: correlationID,
	}
}

func TestResponseBeforeDeadline(t *testing.T) {
	tracker, fake := newTracker(t)
	var got recorder

	if err := tracker.Track("q1", "db_client", 2*time.Second, got.callback); err != nil {
		t.Fatalf("Track: %v", err)
	}
	fake.Advance(200 * time.Millisecond)

	payload := map[string]any{"status": "success", "query_results": []any{map[string]any{"heading": 87.5}}}
	if match := tracker.Deliver(response("q1", payload), "10.0.0.5:9000"); match != Resolved {
		t.Fatalf("Deliver = %s, want resolved", match)
	}
	if tracker.Pending("q1") {
		t.Fatal("request still pending after response")
	}

	fake.Advance(5 * time.Second)
	results := got.snapshot()
	if len(results) != 1 {
		t.Fatalf("callback invoked %d times, want 1", len(results))
	}
	result := results[0]
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if result.Payload()["status"] != "success" || result.From != "10.0.0.5:9000" {
		t.Fatalf("result = %+v", result)
	}
	if result.Elapsed != 200*time.Millisecond {
		t.Fatalf("Elapsed = %v, want 200ms", result.Elapsed)
	}
}

func TestTimeoutThenStaleResponse(t *testing.T) {
	tracker, fake := newTracker(t)
	var got recorder

	if err := tracker.Track("q2", "db_client", 2*time.Second, got.callback); err != nil {
		t.Fatalf("Track: %v", err)
	}
	fake.Advance(1999 * time.Millisecond)
	if n := len(got.snapshot()); n != 0 {
		t.Fatalf("callback invoked %d times before deadline", n)
	}
	fake.Advance(time.Millisecond)

	results := got.snapshot()
	if len(results) != 1 {
		t.Fatalf("callback invoked %d times at deadline, want 1", len(results))
	}
	if !errors.Is(results[0].Err, ErrTimeout) {
		t.Fatalf("Err = %v, want ErrTimeout", results[0].Err)
	}
	var timeoutErr *TimeoutError
	if !errors.As(results[0].Err, &timeoutErr) || timeoutErr.Target != "db_client" {
		t.Fatalf("Err = %#v, want *TimeoutError for db_client", results[0].Err)
	}
	if results[0].Elapsed < 2*time.Second {
		t.Fatalf("Elapsed = %v, want >= 2s", results[0].Elapsed)
	}

	if match := tracker.Deliver(response("q2", map[string]any{"status": "success"}), ""); match != Stale {
		t.Fatalf("late Deliver = %s, want stale", match)
	}
	if n := len(got.snapshot()); n != 1 {
		t.Fatalf("callback invoked %d times after stale response, want 1", n)
	}
}

func TestUnknownCorrelationIsUnmatched(t *testing.T) {
	tracker, _ := newTracker(t)
	if match := tracker.Deliver(response("never-sent", nil), ""); match != Unmatched {
		t.Fatalf("Deliver = %s, want unmatched", match)
	}
	if match := tracker.Deliver(message.Message{Type: message.TypeResponse}, ""); match != Unmatched {
		t.Fatalf("Deliver without correlation = %s, want unmatched", match)
	}
}

func TestCollisionRefused(t *testing.T) {
	tracker, fake := newTracker(t)
	var first, second recorder

	if err := tracker.Track("dup", "a", time.Second, first.callback); err != nil {
		t.Fatalf("Track: %v", err)
	}
	err := tracker.Track("dup", "b", time.Second, second.callback)
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("second Track = %v, want ErrCollision", err)
	}

	fake.Advance(time.Second)
	if n := len(first.snapshot()); n != 1 {
		t.Fatalf("first callback invoked %d times, want 1", n)
	}
	if n := len(second.snapshot()); n != 0 {
		t.Fatalf("refused callback invoked %d times, want 0", n)
	}

	// A retired id is still a collision.
	if err := tracker.Track("dup", "c", time.Second, second.callback); !errors.Is(err, ErrCollision) {
		t.Fatalf("Track of retired id = %v, want ErrCollision", err)
	}
}

func TestFailResolvesOnce(t *testing.T) {
	tracker, fake := newTracker(t)
	var got recorder
	sendErr := errors.New("connection refused")

	if err := tracker.Track("q3", "camera", time.Second, got.callback); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !tracker.Fail("q3", sendErr) {
		t.Fatal("Fail reported request not pending")
	}
	if tracker.Fail("q3", sendErr) {
		t.Fatal("second Fail reported request pending")
	}
	fake.Advance(time.Minute)

	results := got.snapshot()
	if len(results) != 1 || !errors.Is(results[0].Err, sendErr) {
		t.Fatalf("results = %+v, want one delivery failure", results)
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("timer still scheduled after Fail: %d", fake.PendingCount())
	}
}

func TestStopResolvesPending(t *testing.T) {
	tracker, _ := newTracker(t)
	var got recorder
	for _, id := range []string{"a", "b", "c"} {
		if err := tracker.Track(id, "x", time.Hour, got.callback); err != nil {
			t.Fatalf("Track(%s): %v", id, err)
		}
	}
	tracker.Stop()

	results := got.snapshot()
	if len(results) != 3 {
		t.Fatalf("%d callbacks after Stop, want 3", len(results))
	}
	for _, result := range results {
		if !errors.Is(result.Err, ErrStopped) {
			t.Fatalf("Err = %v, want ErrStopped", result.Err)
		}
	}
	if err := tracker.Track("d", "x", time.Hour, got.callback); !errors.Is(err, ErrStopped) {
		t.Fatalf("Track after Stop = %v, want ErrStopped", err)
	}
}

func TestResponseRacingTimeoutInvokesOnce(t *testing.T) {
	tracker, fake := newTracker(t)
	const queries = 64
	var calls [queries]atomic.Int32

	for i := range queries {
		id := string(rune('A' + i))
		if err := tracker.Track(id, "db", time.Second, func(Result) { calls[i].Add(1) }); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Deliver(response(string(rune('A'+i)), nil), "")
		}()
	}
	fake.Advance(time.Second)
	wg.Wait()

	for i := range queries {
		if n := calls[i].Load(); n != 1 {
			t.Fatalf("query %d callback invoked %d times, want 1", i, n)
		}
	}
	if tracker.Len() != 0 {
		t.Fatalf("Len() = %d after all resolved", tracker.Len())
	}
}

func TestCallbackMayTrackAgain(t *testing.T) {
	tracker, fake := newTracker(t)
	var chained recorder
	err := tracker.Track("first", "db", time.Second, func(Result) {
		if err := tracker.Track("second", "db", time.Second, chained.callback); err != nil {
			t.Errorf("Track from callback: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	fake.Advance(time.Second)
	fake.Advance(time.Second)
	if n := len(chained.snapshot()); n != 1 {
		t.Fatalf("chained callback invoked %d times, want 1", n)
	}
}

func TestNonPositiveTimeoutRejected(t *testing.T) {
	tracker, _ := newTracker(t)
	if err := tracker.Track("z", "db", 0, func(Result) {}); err == nil {
		t.Fatal("Track with zero timeout succeeded")
	}
}
