// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/metrics"
)

// Sender delivers one message to one address.
type Sender interface {
	Send(ctx context.Context, m message.Message, address string) error
}

// Config configures a Monitor.
type Config struct {
	Registry *Registry
	Sender   Sender
	Factory  *message.Factory

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Interval between beacons. Default 1s.
	Interval time.Duration

	// MissedIntervals of silence make an ALIVE peer SUSPECT.
	// Default 3.
	MissedIntervals int

	// DeadAfter of silence makes a peer DEAD. Must exceed
	// MissedIntervals*Interval. Default 10s.
	DeadAfter time.Duration

	// SendTimeout bounds one beacon send. Default Interval.
	SendTimeout time.Duration

	// Payload builds the beacon payload. Default {node_id, timestamp}.
	Payload func() map[string]any

	// Escalate is called, on its own goroutine, when a critical peer
	// goes DEAD.
	Escalate func(Event)
}

// Monitor runs the beacon loop and owns liveness transitions.
type Monitor struct {
	config   Config
	registry *Registry
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	sending     map[string]bool

	background sync.WaitGroup
}

// NewMonitor validates config and returns an idle Monitor.
func NewMonitor(config Config) (*Monitor, error) {
	if config.Registry == nil || config.Sender == nil || config.Factory == nil {
		return nil, errors.New("heartbeat: Registry, Sender, and Factory are required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.MissedIntervals <= 0 {
		config.MissedIntervals = 3
	}
	if config.DeadAfter <= 0 {
		config.DeadAfter = 10 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = config.Interval
	}
	m := &Monitor{
		config:      config,
		registry:    config.Registry,
		logger:      config.Logger,
		subscribers: make(map[int]chan Event),
		sending:     make(map[string]bool),
	}
	if config.DeadAfter <= m.SuspectAfter() {
		return nil, fmt.Errorf("heartbeat: dead_after %v must exceed %d missed intervals of %v",
			config.DeadAfter, config.MissedIntervals, config.Interval)
	}
	return m, nil
}

// Registry returns the peer table.
func (m *Monitor) Registry() *Registry { return m.registry }

// SuspectAfter is the silence that makes an ALIVE peer SUSPECT.
func (m *Monitor) SuspectAfter() time.Duration {
	return time.Duration(m.config.MissedIntervals) * m.config.Interval
}

// Subscribe returns a channel of transitions and a cancel function.
// Events that find the channel full are dropped.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Observe records traffic from name. It reports false for names not
// in the registry.
func (m *Monitor) Observe(name string) bool {
	event, changed, known := m.registry.observe(name, m.config.Clock.Now())
	if changed {
		m.publish(event)
	}
	return known
}

// Sweep applies the silence thresholds at the current time and
// returns the resulting transitions.
func (m *Monitor) Sweep() []Event {
	events := m.registry.sweep(m.config.Clock.Now(), m.SuspectAfter(), m.config.DeadAfter)
	for _, event := range events {
		m.publish(event)
	}
	return events
}

// Beat starts one beacon send per peer and returns how many were
// started. Peers whose previous beacon has not completed are
// skipped. Beat does not wait for the sends.
func (m *Monitor) Beat(ctx context.Context) int {
	started := 0
	for _, peer := range m.registry.Peers() {
		m.mu.Lock()
		busy := m.sending[peer.Name]
		if !busy {
			m.sending[peer.Name] = true
		}
		m.mu.Unlock()
		if busy {
			m.logger.Debug("previous heartbeat still in flight, skipping", "peer", peer.Name)
			continue
		}
		started++
		m.background.Add(1)
		go m.send(ctx, peer)
	}
	return started
}

// Run beacons and sweeps every Interval until ctx is done, then
// waits for outstanding sends. It returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.config.Clock.NewTicker(m.config.Interval)
	defer ticker.Stop()
	defer m.background.Wait()

	m.logger.Info("heartbeat monitor started",
		"interval", m.config.Interval,
		"suspect_after", m.SuspectAfter(),
		"dead_after", m.config.DeadAfter,
		"peers", m.registry.Len(),
	)
	m.Beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
			m.Beat(ctx)
		}
	}
}

func (m *Monitor) send(ctx context.Context, peer Peer) {
	defer m.background.Done()
	defer func() {
		m.mu.Lock()
		delete(m.sending, peer.Name)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
	defer cancel()
	beacon := m.config.Factory.Heartbeat(message.To(peer.Name), m.payload())
	err := m.config.Sender.Send(ctx, beacon, peer.Address)
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	m.config.Metrics.DeliveryFailure(peer.Name)
	m.logger.Debug("heartbeat send failed", "peer", peer.Name, "address", peer.Address, "error", err)
	m.DeliveryFailed(peer.Name)
}

// DeliveryFailed records that a send to name failed. An ALIVE peer
// becomes SUSPECT; other states are unchanged.
func (m *Monitor) DeliveryFailed(name string) {
	if event, changed := m.registry.suspect(name, m.config.Clock.Now()); changed {
		m.publish(event)
	}
}

func (m *Monitor) payload() map[string]any {
	if m.config.Payload != nil {
		return m.config.Payload()
	}
	return map[string]any{
		"node_id":   m.config.Factory.Source(),
		"timestamp": m.config.Clock.Now().UnixNano(),
	}
}

func (m *Monitor) publish(event Event) {
	m.config.Metrics.PeerState(event.Peer, event.To.String(), StateNames())

	attrs := []any{"peer", event.Peer, "from", event.From.String(), "to", event.To.String()}
	switch event.To {
	case StateAlive:
		m.logger.Info("peer alive", attrs...)
	case StateDead:
		m.logger.Warn("peer dead", append(attrs, "critical", event.Critical)...)
	default:
		m.logger.Warn("peer suspect", attrs...)
	}

	m.mu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.logger.Warn("liveness subscriber full, dropping event", "peer", event.Peer, "to", event.To.String())
		}
	}
	m.mu.Unlock()

	if event.To == StateDead && event.Critical && m.config.Escalate != nil {
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			m.config.Escalate(event)
		}()
	}
}
