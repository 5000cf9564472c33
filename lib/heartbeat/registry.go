// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// State is a peer's liveness.
type State uint8

const (
	StateUnknown State = iota
	StateAlive
	StateSuspect
	StateDead
)

var stateNames = [...]string{
	StateUnknown: "UNKNOWN",
	StateAlive:   "ALIVE",
	StateSuspect: "SUSPECT",
	StateDead:    "DEAD",
}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", uint8(s))
	}
	return stateNames[s]
}

// StateNames lists every state name, for labelling gauges.
func StateNames() []string { return slices.Clone(stateNames[:]) }

// ErrUnknownPeer is returned when a name is not in the registry.
var ErrUnknownPeer = errors.New("unknown peer")

// Peer is a registry entry as configured.
type Peer struct {
	Name    string
	Address string

	// Critical peers escalate when they go DEAD.
	Critical bool
}

// PeerStatus is a snapshot of one registry entry.
type PeerStatus struct {
	Peer
	State    State
	LastSeen time.Time
}

// Event is one liveness transition.
type Event struct {
	Peer     string
	From, To State
	At       time.Time
	Critical bool
}

type entry struct {
	peer     Peer
	state    State
	lastSeen time.Time
}

// Registry is the peer table. Reads may come from any goroutine;
// liveness transitions are made only by the owning Monitor.
type Registry struct {
	mu        sync.RWMutex
	peers     map[string]*entry
	folded    map[string]string
	byAddress map[string]string
}

// NewRegistry builds a registry from peers. Names must be non-empty
// and distinct under case folding.
func NewRegistry(peers []Peer) (*Registry, error) {
	r := &Registry{
		peers:     make(map[string]*entry, len(peers)),
		folded:    make(map[string]string, len(peers)),
		byAddress: make(map[string]string, len(peers)),
	}
	for _, p := range peers {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add inserts p, or updates the address and criticality of an
// existing entry with the same name. A name that differs from an
// existing one only by case is refused: destinations must resolve
// unambiguously.
func (r *Registry) Add(p Peer) error {
	if p.Name == "" {
		return errors.New("heartbeat: peer with empty name")
	}
	if p.Address == "" {
		return fmt.Errorf("heartbeat: peer %s has no address", p.Name)
	}
	key := strings.ToLower(p.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.folded[key]; ok && existing != p.Name {
		return fmt.Errorf("heartbeat: peer name %q is ambiguous with %q", p.Name, existing)
	}
	if e, ok := r.peers[p.Name]; ok {
		delete(r.byAddress, e.peer.Address)
		e.peer = p
	} else {
		r.peers[p.Name] = &entry{peer: p}
		r.folded[key] = p.Name
	}
	r.byAddress[p.Address] = p.Name
	return nil
}

// Remove deletes name from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[name]
	if !ok {
		return
	}
	delete(r.peers, name)
	delete(r.folded, strings.ToLower(name))
	if r.byAddress[e.peer.Address] == name {
		delete(r.byAddress, e.peer.Address)
	}
}

// Resolve returns the address for name.
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	}
	return e.peer.Address, nil
}

// NameOf returns the peer configured at address.
func (r *Registry) NameOf(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byAddress[address]
	return name, ok
}

// State returns name's liveness. Names not in the registry are
// UNKNOWN.
func (r *Registry) State(name string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[name]; ok {
		return e.state
	}
	return StateUnknown
}

// Status returns the entry for name.
func (r *Registry) Status(name string) (PeerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[name]
	if !ok {
		return PeerStatus{}, false
	}
	return e.status(), true
}

// Snapshot returns every entry, sorted by name.
func (r *Registry) Snapshot() []PeerStatus {
	r.mu.RLock()
	out := make([]PeerStatus, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.status())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Peers returns the configured peers, sorted by name.
func (r *Registry) Peers() []Peer {
	snapshot := r.Snapshot()
	peers := make([]Peer, len(snapshot))
	for i, s := range snapshot {
		peers[i] = s.Peer
	}
	return peers
}

// Len is the number of peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (e *entry) status() PeerStatus {
	return PeerStatus{Peer: e.peer, State: e.state, LastSeen: e.lastSeen}
}

// observe records contact with name at now. Any state moves to ALIVE.
func (r *Registry) observe(name string, now time.Time) (Event, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[name]
	if !ok {
		return Event{}, false, false
	}
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	if e.state == StateAlive {
		return Event{}, false, true
	}
	return e.transition(StateAlive, now), true, true
}

// sweep applies the silence ladder to every contacted peer.
func (r *Registry) sweep(now time.Time, suspectAfter, deadAfter time.Duration) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []Event
	for _, e := range r.peers {
		if e.state == StateUnknown || e.state == StateDead {
			continue
		}
		silent := now.Sub(e.lastSeen)
		switch {
		case silent >= deadAfter:
			events = append(events, e.transition(StateDead, now))
		case silent >= suspectAfter && e.state == StateAlive:
			events = append(events, e.transition(StateSuspect, now))
		}
	}
	slices.SortFunc(events, func(a, b Event) int { return strings.Compare(a.Peer, b.Peer) })
	return events
}

// suspect demotes an ALIVE peer after a failed send.
func (r *Registry) suspect(name string, now time.Time) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[name]
	if !ok || e.state != StateAlive {
		return Event{}, false
	}
	return e.transition(StateSuspect, now), true
}

// transition requires r.mu.
func (e *entry) transition(to State, now time.Time) Event {
	event := Event{Peer: e.peer.Name, From: e.state, To: to, At: now, Critical: e.peer.Critical}
	e.state = to
	return event
}
