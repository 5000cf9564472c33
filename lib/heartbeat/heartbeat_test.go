// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/testutil"
)

const waitTimeout = 5 * time.Second

var epoch = time.Unix(1_760_000_000, 0)

type sent struct {
	m       message.Message
	address string
}

// recordingSender records sends. Addresses in fail are refused;
// addresses in block wait for release.
type recordingSender struct {
	sent    chan sent
	fail    map[string]bool
	block   map[string]bool
	release chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sent:    make(chan sent, 64),
		fail:    map[string]bool{},
		block:   map[string]bool{},
		release: make(chan struct{}),
	}
}

func (s *recordingSender) Send(ctx context.Context, m message.Message, address string) error {
	s.sent <- sent{m: m, address: address}
	if s.block[address] {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail[address] {
		return errors.New("connection refused")
	}
	return nil
}

func newMonitor(t *testing.T, fake *clock.FakeClock, sender Sender, peers []Peer, escalate func(Event)) *Monitor {
	t.Helper()
	registry, err := NewRegistry(peers)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	m, err := NewMonitor(Config{
		Registry:        registry,
		Sender:          sender,
		Factory:         message.NewFactory("self", fake),
		Clock:           fake,
		Interval:        time.Second,
		MissedIntervals: 3,
		DeadAfter:       10 * time.Second,
		SendTimeout:     time.Minute,
		Escalate:        escalate,
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m
}

// waitIdle waits for the in-flight beacon to name to finish.
func waitIdle(t *testing.T, m *Monitor, name string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		m.mu.Lock()
		busy := m.sending[name]
		m.mu.Unlock()
		if !busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("beacon to %s never completed", name)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLivenessLadder(t *testing.T) {
	fake := clock.Fake(epoch)
	m := newMonitor(t, fake, newRecordingSender(), []Peer{{Name: "nav", Address: "10.0.0.2:5000"}}, nil)
	events, cancel := m.Subscribe(16)
	defer cancel()

	if got := m.Registry().State("nav"); got != StateUnknown {
		t.Fatalf("initial state = %s, want UNKNOWN", got)
	}
	// Silence before first contact never degrades an unknown peer.
	fake.Advance(time.Minute)
	if got := m.Sweep(); len(got) != 0 {
		t.Fatalf("Sweep before contact = %v, want none", got)
	}

	steps := []struct {
		advance time.Duration
		observe bool
		want    State
	}{
		{0, true, StateAlive},
		{2900 * time.Millisecond, false, StateAlive},
		{100 * time.Millisecond, false, StateSuspect},
		{6 * time.Second, false, StateSuspect},
		{time.Second, false, StateDead},
		{time.Hour, false, StateDead},
		{0, true, StateAlive},
	}
	for i, step := range steps {
		fake.Advance(step.advance)
		if step.observe {
			if !m.Observe("nav") {
				t.Fatalf("step %d: Observe(nav) = false", i)
			}
		} else {
			m.Sweep()
		}
		if got := m.Registry().State("nav"); got != step.want {
			t.Fatalf("step %d: state = %s, want %s", i, got, step.want)
		}
	}

	want := []State{StateAlive, StateSuspect, StateDead, StateAlive}
	for i, to := range want {
		event := testutil.RequireReceive(t, events, waitTimeout, "event %d", i)
		if event.Peer != "nav" || event.To != to {
			t.Fatalf("event %d = %+v, want nav -> %s", i, event, to)
		}
	}
	testutil.RequireNoReceive(t, events, 10*time.Millisecond, "extra event")
}

func TestTrafficRevivesSuspectPeer(t *testing.T) {
	fake := clock.Fake(epoch)
	m := newMonitor(t, fake, newRecordingSender(), []Peer{{Name: "camera", Address: "10.0.0.3:5000"}}, nil)
	m.Observe("camera")
	fake.Advance(4 * time.Second)
	m.Sweep()
	if got := m.Registry().State("camera"); got != StateSuspect {
		t.Fatalf("state = %s, want SUSPECT", got)
	}
	m.Observe("camera")
	status, _ := m.Registry().Status("camera")
	if status.State != StateAlive || !status.LastSeen.Equal(fake.Now()) {
		t.Fatalf("status = %+v, want ALIVE seen at %v", status, fake.Now())
	}
	// The silence clock restarts from the renewed contact.
	fake.Advance(2 * time.Second)
	if got := m.Sweep(); len(got) != 0 {
		t.Fatalf("Sweep = %v, want none", got)
	}
}

func TestObserveUnknownName(t *testing.T) {
	fake := clock.Fake(epoch)
	m := newMonitor(t, fake, newRecordingSender(), nil, nil)
	if m.Observe("stranger") {
		t.Fatal("Observe(stranger) = true, want false")
	}
	if got := m.Registry().State("stranger"); got != StateUnknown {
		t.Fatalf("State(stranger) = %s, want UNKNOWN", got)
	}
}

func TestCriticalPeerEscalates(t *testing.T) {
	fake := clock.Fake(epoch)
	escalated := make(chan Event, 4)
	m := newMonitor(t, fake, newRecordingSender(), []Peer{
		{Name: "can_bus", Address: "10.0.0.4:5000", Critical: true},
		{Name: "logger", Address: "10.0.0.5:5000"},
	}, func(e Event) { escalated <- e })

	m.Observe("can_bus")
	m.Observe("logger")
	fake.Advance(11 * time.Second)
	events := m.Sweep()
	if len(events) != 2 {
		t.Fatalf("Sweep = %v, want two DEAD transitions", events)
	}

	event := testutil.RequireReceive(t, escalated, waitTimeout, "escalation")
	if event.Peer != "can_bus" || event.To != StateDead || !event.Critical {
		t.Fatalf("escalated %+v, want critical can_bus DEAD", event)
	}
	testutil.RequireNoReceive(t, escalated, 50*time.Millisecond, "escalation for non-critical peer")
}

func TestBeatSendsToEveryPeer(t *testing.T) {
	fake := clock.Fake(epoch)
	sender := newRecordingSender()
	m := newMonitor(t, fake, sender, []Peer{
		{Name: "a", Address: "10.0.0.10:1"},
		{Name: "b", Address: "10.0.0.11:1"},
	}, nil)

	if n := m.Beat(context.Background()); n != 2 {
		t.Fatalf("Beat started %d sends, want 2", n)
	}
	got := map[string]message.Message{}
	for i := 0; i < 2; i++ {
		s := testutil.RequireReceive(t, sender.sent, waitTimeout, "beacon %d", i)
		got[s.address] = s.m
	}
	for address, name := range map[string]string{"10.0.0.10:1": "a", "10.0.0.11:1": "b"} {
		beacon, ok := got[address]
		if !ok {
			t.Fatalf("no beacon sent to %s", address)
		}
		if beacon.Type != message.TypeHeartbeat || beacon.Priority != message.PriorityLow {
			t.Fatalf("beacon = %s/%s, want heartbeat/low", beacon.Type, beacon.Priority)
		}
		if dest, _ := beacon.Destination.Single(); dest != name {
			t.Fatalf("beacon destination = %v, want %s", beacon.Destination, name)
		}
		if beacon.Payload["node_id"] != "self" {
			t.Fatalf("beacon payload = %v, want node_id self", beacon.Payload)
		}
	}
}

func TestBeatFailureMarksSuspect(t *testing.T) {
	fake := clock.Fake(epoch)
	sender := newRecordingSender()
	sender.fail["10.0.0.20:1"] = true
	m := newMonitor(t, fake, sender, []Peer{{Name: "flaky", Address: "10.0.0.20:1"}}, nil)
	events, cancel := m.Subscribe(4)
	defer cancel()

	m.Observe("flaky")
	testutil.RequireReceive(t, events, waitTimeout, "ALIVE event")
	m.Beat(context.Background())
	event := testutil.RequireReceive(t, events, waitTimeout, "SUSPECT event")
	if event.To != StateSuspect {
		t.Fatalf("event = %+v, want SUSPECT", event)
	}
}

func TestBeatSkipsPeerWithSendInFlight(t *testing.T) {
	fake := clock.Fake(epoch)
	sender := newRecordingSender()
	sender.block["10.0.0.30:1"] = true
	m := newMonitor(t, fake, sender, []Peer{
		{Name: "slow", Address: "10.0.0.30:1"},
		{Name: "fast", Address: "10.0.0.31:1"},
	}, nil)

	m.Beat(context.Background())
	for i := 0; i < 2; i++ {
		testutil.RequireReceive(t, sender.sent, waitTimeout, "first round send %d", i)
	}
	waitIdle(t, m, "fast")

	if n := m.Beat(context.Background()); n != 1 {
		t.Fatalf("second Beat started %d sends, want 1", n)
	}
	s := testutil.RequireReceive(t, sender.sent, waitTimeout, "second round send")
	if s.address != "10.0.0.31:1" {
		t.Fatalf("second round sent to %s, want the idle peer", s.address)
	}
	close(sender.release)
	m.background.Wait()
}

func TestRunBeatsOnEveryTick(t *testing.T) {
	fake := clock.Fake(epoch)
	sender := newRecordingSender()
	m := newMonitor(t, fake, sender, []Peer{{Name: "a", Address: "10.0.0.40:1"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	testutil.RequireReceive(t, sender.sent, waitTimeout, "beacon at start")
	waitIdle(t, m, "a")
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	testutil.RequireReceive(t, sender.sent, waitTimeout, "beacon after one interval")
}

func TestNewMonitorRejectsInvertedThresholds(t *testing.T) {
	registry, _ := NewRegistry(nil)
	_, err := NewMonitor(Config{
		Registry:        registry,
		Sender:          newRecordingSender(),
		Factory:         message.NewFactory("self", clock.Real()),
		Interval:        time.Second,
		MissedIntervals: 5,
		DeadAfter:       5 * time.Second,
	})
	if err == nil {
		t.Fatal("NewMonitor accepted dead_after equal to the suspect threshold")
	}
}

func TestRegistry(t *testing.T) {
	registry, err := NewRegistry([]Peer{
		{Name: "db_client", Address: "10.0.0.50:5000"},
		{Name: "nav", Address: "10.0.0.51:5000"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if address, err := registry.Resolve("nav"); err != nil || address != "10.0.0.51:5000" {
		t.Fatalf("Resolve(nav) = %q, %v", address, err)
	}
	if _, err := registry.Resolve("radar"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Resolve(radar) error = %v, want ErrUnknownPeer", err)
	}
	if name, ok := registry.NameOf("10.0.0.50:5000"); !ok || name != "db_client" {
		t.Fatalf("NameOf = %q, %v", name, ok)
	}
	if err := registry.Add(Peer{Name: "NAV", Address: "10.0.0.52:5000"}); err == nil {
		t.Fatal("Add accepted a name differing only by case")
	}

	// Re-adding a name moves it.
	if err := registry.Add(Peer{Name: "nav", Address: "10.0.0.53:5000"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, ok := registry.NameOf("10.0.0.51:5000"); ok {
		t.Fatal("old address still maps to nav")
	}
	registry.Remove("nav")
	if registry.Len() != 1 {
		t.Fatalf("Len = %d, want 1", registry.Len())
	}
	if _, err := NewRegistry([]Peer{{Name: "a", Address: "x:1"}, {Name: "A", Address: "y:1"}}); err == nil {
		t.Fatal("NewRegistry accepted ambiguous names")
	}
}
