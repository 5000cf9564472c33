// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/correlator"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/metrics"
	"github.com/obs-foundation/nodemesh/transport"
)

// Lane names the queue a message was dispatched from.
type Lane int

const (
	LaneNormal Lane = iota
	LaneEmergency
)

func (l Lane) String() string {
	if l == LaneEmergency {
		return "emergency"
	}
	return "normal"
}

// Handler processes one inbound message. from is the transport
// address it arrived from.
type Handler interface {
	Handle(ctx context.Context, m message.Message, from string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m message.Message, from string)

func (f HandlerFunc) Handle(ctx context.Context, m message.Message, from string) { f(ctx, m, from) }

// Correlator claims responses to pending requests.
type Correlator interface {
	Deliver(m message.Message, from string) correlator.Match
}

var (
	// ErrQueueFull is returned by Submit when the normal lane is at
	// capacity. The message is dropped.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrDuplicate is returned by Submit for a message id seen within
	// the dedup window. The message is dropped.
	ErrDuplicate = errors.New("duplicate message")
)

// Config configures a Dispatcher.
type Config struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Correlator receives RESPONSE messages before handler lookup.
	// Optional.
	Correlator Correlator

	// QueueCapacity bounds the normal lane. Default 4096.
	QueueCapacity int

	// DedupWindow is the number of recent ids remembered for
	// duplicate suppression. Default 1024; negative disables.
	DedupWindow int

	// OnDispatch is called synchronously, in dispatch order, for
	// every message that passes the expiry check.
	OnDispatch func(m message.Message, lane Lane)

	// OnDelivered is called after a message's handler returns, or
	// immediately when it has none. It is not called for responses
	// claimed by the Correlator or for dropped messages.
	OnDelivered func(ctx context.Context, m message.Message, from string)
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Received   uint64
	Dispatched uint64
	Duplicates uint64
	Expired    uint64
	QueueFull  uint64
	Correlated uint64
	Stale      uint64
	Unhandled  uint64
}

// Dispatcher orders inbound messages and routes them to handlers.
type Dispatcher struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	queue queue
	seen  *recentIDs
	wake  chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	emergency  Handler
	unhandled  map[string]uint64

	inflight sync.WaitGroup

	received, dispatched, duplicates, expired atomic.Uint64
	queueFull, correlated, stale, unknown     atomic.Uint64
}

// New returns a Dispatcher with no handlers.
func New(config Config) *Dispatcher {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 4096
	}
	if config.DedupWindow == 0 {
		config.DedupWindow = 1024
	}
	return &Dispatcher{
		config:    config,
		logger:    config.Logger,
		queue:     queue{capacity: config.QueueCapacity},
		seen:      newRecentIDs(config.DedupWindow),
		wake:      make(chan struct{}, 1),
		handlers:  make(map[string]Handler),
		unhandled: make(map[string]uint64),
	}
}

// Register binds key to h, replacing any earlier registration. A key
// is either a payload command name or a message type name.
func (d *Dispatcher) Register(key string, h Handler) {
	d.handlersMu.Lock()
	_, replaced := d.handlers[key]
	d.handlers[key] = h
	d.handlersMu.Unlock()
	if replaced {
		d.logger.Debug("handler replaced", "key", key)
	}
}

// Unregister removes the handler for key.
func (d *Dispatcher) Unregister(key string) {
	d.handlersMu.Lock()
	delete(d.handlers, key)
	d.handlersMu.Unlock()
}

// SetEmergencyHandler installs the handler for EMERGENCY messages.
// It runs on the dispatch goroutine, so no other message is
// dispatched until it returns.
func (d *Dispatcher) SetEmergencyHandler(h Handler) {
	d.handlersMu.Lock()
	d.emergency = h
	d.handlersMu.Unlock()
}

// HandlerKey returns the key m routes to: its payload command when a
// handler is registered for it, otherwise its type name.
func (d *Dispatcher) HandlerKey(m message.Message) string {
	key, _ := d.lookup(m)
	return key
}

// Submit enqueues an inbound message. It never blocks and is safe to
// use as a transport.Sink.
func (d *Dispatcher) Submit(inbound transport.Inbound) error {
	m := inbound.Message
	d.received.Add(1)
	d.config.Metrics.Received(m.Type.String())

	d.mu.Lock()
	if d.seen.contains(m.ID) {
		d.mu.Unlock()
		d.duplicates.Add(1)
		d.config.Metrics.Dropped("duplicate")
		d.logger.Debug("dropping duplicate message", "message_id", m.ID, "source", m.Source)
		return ErrDuplicate
	}
	if !d.queue.push(inbound) {
		d.mu.Unlock()
		d.queueFull.Add(1)
		d.config.Metrics.Dropped("queue_full")
		d.logger.Warn("dispatch queue full, dropping message",
			"message_id", m.ID,
			"source", m.Source,
			"type", m.Type.String(),
		)
		return ErrQueueFull
	}
	d.seen.add(m.ID)
	emergency, normal := d.queue.depth()
	d.mu.Unlock()

	d.config.Metrics.SetQueueDepth(emergency, normal)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches queued messages until ctx is done. Handlers receive
// ctx. Run returns nil on cancellation; messages still queued are
// discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		for {
			if ctx.Err() != nil {
				return nil
			}
			e, lane, ok := d.next()
			if !ok {
				break
			}
			d.dispatch(ctx, e.inbound, lane)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}
	}
}

// Wait blocks until every handler goroutine has returned.
func (d *Dispatcher) Wait() { d.inflight.Wait() }

// Depth returns the number of queued messages per lane.
func (d *Dispatcher) Depth() (emergency, normal int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.depth()
}

// Unhandled returns how many messages arrived for key with no handler
// registered.
func (d *Dispatcher) Unhandled(key string) uint64 {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return d.unhandled[key]
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:   d.received.Load(),
		Dispatched: d.dispatched.Load(),
		Duplicates: d.duplicates.Load(),
		Expired:    d.expired.Load(),
		QueueFull:  d.queueFull.Load(),
		Correlated: d.correlated.Load(),
		Stale:      d.stale.Load(),
		Unhandled:  d.unknown.Load(),
	}
}

func (d *Dispatcher) next() (entry, Lane, bool) {
	d.mu.Lock()
	e, lane, ok := d.queue.pop()
	emergency, normal := d.queue.depth()
	d.mu.Unlock()
	if ok {
		d.config.Metrics.SetQueueDepth(emergency, normal)
	}
	return e, lane, ok
}

func (d *Dispatcher) dispatch(ctx context.Context, inbound transport.Inbound, lane Lane) {
	m, from := inbound.Message, inbound.From

	if m.Expired(d.config.Clock.Now()) {
		d.expired.Add(1)
		d.config.Metrics.Dropped("expired")
		d.logger.Warn("dropping expired message",
			"message_id", m.ID,
			"source", m.Source,
			"expires_at", time.Unix(0, m.ExpiresAt),
		)
		return
	}

	d.dispatched.Add(1)
	d.config.Metrics.Dispatched(m.Type.String(), lane.String())
	if d.config.OnDispatch != nil {
		d.config.OnDispatch(m, lane)
	}

	if m.Type == message.TypeResponse && d.config.Correlator != nil {
		switch d.config.Correlator.Deliver(m, from) {
		case correlator.Resolved:
			d.correlated.Add(1)
			return
		case correlator.Stale:
			d.stale.Add(1)
			d.config.Metrics.Dropped("stale")
			return
		}
	}

	if m.Type == message.TypeEmergency {
		d.handlersMu.RLock()
		h := d.emergency
		d.handlersMu.RUnlock()
		if h == nil {
			d.logger.Error("emergency received with no emergency handler",
				"message_id", m.ID,
				"source", m.Source,
			)
		} else {
			d.invoke(ctx, "emergency", h, m, from)
		}
		d.delivered(ctx, m, from)
		return
	}

	key, h := d.lookup(m)
	if h == nil {
		d.handlersMu.Lock()
		d.unhandled[key]++
		d.handlersMu.Unlock()
		d.unknown.Add(1)
		d.config.Metrics.UnknownHandler(key)
		d.logger.Warn("no handler registered",
			"key", key,
			"message_id", m.ID,
			"source", m.Source,
		)
		d.delivered(ctx, m, from)
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.invoke(ctx, key, h, m, from)
		d.delivered(ctx, m, from)
	}()
}

func (d *Dispatcher) lookup(m message.Message) (string, Handler) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	if command := m.Command(); command != "" {
		if h, ok := d.handlers[command]; ok {
			return command, h
		}
	}
	key := m.Type.String()
	return key, d.handlers[key]
}

func (d *Dispatcher) invoke(ctx context.Context, key string, h Handler, m message.Message, from string) {
	start := d.config.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"key", key,
				"message_id", m.ID,
				"panic", r,
			)
		}
		d.config.Metrics.ObserveHandler(key, d.config.Clock.Now().Sub(start))
	}()
	h.Handle(ctx, m, from)
}

func (d *Dispatcher) delivered(ctx context.Context, m message.Message, from string) {
	if d.config.OnDelivered != nil {
		d.config.OnDelivered(ctx, m, from)
	}
}
