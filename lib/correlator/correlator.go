// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package correlator matches responses to outstanding requests.
//
// Every request that expects an answer is tracked under its message
// id with a deadline. The request resolves exactly once: with the
// first RESPONSE whose correlation id matches, with a [*TimeoutError]
// when the deadline passes, with a delivery error if it never left
// the node, or with [ErrStopped] at shutdown. Resolution removes the
// entry under the table lock and runs the callback after the lock is
// released, so a callback may issue new requests.
//
// Resolved ids are remembered in a bounded window. A response that
// arrives for a remembered id is reported as [Stale] and must be
// discarded by the caller rather than routed anywhere else.
package correlator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/metrics"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("query timed out")

	// ErrCollision means a request id is already pending. Ids are
	// UUIDs, so this indicates a broken id source.
	ErrCollision = errors.New("correlation id collision")

	// ErrStopped resolves requests still pending at shutdown.
	ErrStopped = errors.New("node stopped before a response arrived")
)

// TimeoutError is the outcome of a request whose deadline passed.
type TimeoutError struct {
	ID      string
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query %s to %s: no response within %v", e.ID, e.Target, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Result is what a callback receives.
type Result struct {
	// Response is the matching RESPONSE. Zero when Err is set.
	Response message.Message
	// From is the transport address the response arrived from.
	From string
	// Err is nil on a response, otherwise a *TimeoutError, a
	// delivery error, or ErrStopped.
	Err error
	// Elapsed is the time from Track to resolution.
	Elapsed time.Duration
}

// Payload is shorthand for Response.Payload.
func (r Result) Payload() map[string]any { return r.Response.Payload }

// Callback receives a request's single Result.
type Callback func(Result)

// Match classifies an inbound response.
type Match int

const (
	// Unmatched means the correlation id is not known here.
	Unmatched Match = iota
	// Resolved means the response completed a pending request.
	Resolved
	// Stale means the id was already resolved (usually by timeout).
	Stale
)

func (m Match) String() string {
	switch m {
	case Resolved:
		return "resolved"
	case Stale:
		return "stale"
	default:
		return "unmatched"
	}
}

// Config configures a Tracker.
type Config struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RetiredWindow is how many resolved ids are remembered for
	// stale detection. Default 4096.
	RetiredWindow int
}

// Tracker is the pending request table.
type Tracker struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	retired *idWindow
	stopped bool
}

type pendingRequest struct {
	id       string
	target   string
	issued   time.Time
	timeout  time.Duration
	callback Callback
	timer    *clock.Timer
}

// New returns an empty Tracker.
func New(config Config) *Tracker {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.RetiredWindow <= 0 {
		config.RetiredWindow = 4096
	}
	return &Tracker{
		clock:   config.Clock,
		logger:  config.Logger,
		metrics: config.Metrics,
		pending: make(map[string]*pendingRequest),
		retired: newIDWindow(config.RetiredWindow),
	}
}

// Track records a pending request. callback will be called exactly
// once. The only errors are a non-positive timeout, a shut down
// tracker, and ErrCollision; in those cases callback is never called.
func (t *Tracker) Track(id, target string, timeout time.Duration, callback Callback) error {
	if timeout <= 0 {
		return fmt.Errorf("correlator: query %s: timeout must be positive, got %v", id, timeout)
	}
	if callback == nil {
		return fmt.Errorf("correlator: query %s: nil callback", id)
	}

	request := &pendingRequest{
		id:       id,
		target:   target,
		issued:   t.clock.Now(),
		timeout:  timeout,
		callback: callback,
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	if _, exists := t.pending[id]; exists || t.retired.contains(id) {
		t.mu.Unlock()
		t.logger.Error("correlation id collision, refusing query",
			"correlation_id", id,
			"target", target,
		)
		return fmt.Errorf("correlator: %w: %s", ErrCollision, id)
	}
	t.pending[id] = request
	count := len(t.pending)
	t.mu.Unlock()
	t.metrics.SetPendingQueries(count)

	// The timer is armed outside the lock: a clock may run the
	// callback synchronously.
	timer := t.clock.AfterFunc(timeout, func() {
		t.resolve(id, Result{Err: &TimeoutError{ID: id, Target: target, Timeout: timeout}}, "timeout")
	})
	t.mu.Lock()
	if t.pending[id] == request {
		request.timer = timer
		timer = nil
	}
	t.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return nil
}

// Deliver resolves the request m answers, if any. m should be a
// RESPONSE; its CorrelationID is the key.
func (t *Tracker) Deliver(m message.Message, from string) Match {
	if m.CorrelationID == "" {
		return Unmatched
	}
	if t.resolve(m.CorrelationID, Result{Response: m, From: from}, "response") {
		return Resolved
	}

	t.mu.Lock()
	stale := t.retired.contains(m.CorrelationID)
	t.mu.Unlock()
	if stale {
		t.logger.Debug("ignoring response for retired query",
			"correlation_id", m.CorrelationID,
			"source", m.Source,
		)
		return Stale
	}
	return Unmatched
}

// Fail resolves a pending request with err, typically because the
// request could not be sent. It reports whether the request was
// still pending.
func (t *Tracker) Fail(id string, err error) bool {
	return t.resolve(id, Result{Err: err}, "delivery_error")
}

// Pending reports whether id awaits resolution.
func (t *Tracker) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len is the number of pending requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop resolves every pending request with ErrStopped and refuses
// new ones.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.resolve(id, Result{Err: ErrStopped}, "stopped")
	}
}

func (t *Tracker) resolve(id string, result Result, outcome string) bool {
	t.mu.Lock()
	request, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	t.retired.add(id)
	count := len(t.pending)
	timer := request.timer
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	result.Elapsed = t.clock.Now().Sub(request.issued)
	t.metrics.SetPendingQueries(count)
	t.metrics.QueryCompleted(outcome)
	t.logger.Debug("query resolved",
		"correlation_id", id,
		"target", request.target,
		"outcome", outcome,
		"elapsed", result.Elapsed,
	)
	request.callback(result)
	return true
}

// idWindow remembers the most recent ids in insertion order.
type idWindow struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newIDWindow(size int) *idWindow {
	return &idWindow{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

func (w *idWindow) add(id string) {
	if evicted := w.ring[w.next]; evicted != "" {
		delete(w.set, evicted)
	}
	w.ring[w.next] = id
	w.set[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
}

func (w *idWindow) contains(id string) bool {
	_, ok := w.set[id]
	return ok
}
