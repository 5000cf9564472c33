// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"time"

	"github.com/obs-foundation/nodemesh/lib/heartbeat"
)

// StatusReport is a point-in-time view of the node, the payload of a
// status reply.
type StatusReport struct {
	NodeName       string
	NodeID         string
	Status         Status
	Uptime         time.Duration
	PendingQueries int
	QueuedMessages int
	Peers          []heartbeat.PeerStatus
}

// StatusReport snapshots the node.
func (r *Runtime) StatusReport() StatusReport {
	r.mu.Lock()
	status, started := r.status, r.started
	r.mu.Unlock()

	report := StatusReport{
		NodeName:       r.name,
		NodeID:         r.id,
		Status:         status,
		PendingQueries: r.tracker.Len(),
		Peers:          r.registry.Snapshot(),
	}
	if !started.IsZero() {
		report.Uptime = r.clock.Now().Sub(started)
	}
	emergency, normal := r.dispatcher.Depth()
	report.QueuedMessages = emergency + normal
	return report
}

// Payload encodes the report for the wire. Peers map name to state.
func (s StatusReport) Payload() map[string]any {
	peers := make(map[string]any, len(s.Peers))
	for _, peer := range s.Peers {
		peers[peer.Name] = peer.State.String()
	}
	return map[string]any{
		"node_name":       s.NodeName,
		"node_id":         s.NodeID,
		"status":          string(s.Status),
		"uptime_seconds":  s.Uptime.Seconds(),
		"pending_queries": s.PendingQueries,
		"queued_messages": s.QueuedMessages,
		"peers":           peers,
	}
}

// Discovered returns the peers learned through discovery, or nil when
// discovery is off.
func (r *Runtime) Discovered() map[string]string {
	r.mu.Lock()
	disco := r.discovery
	r.mu.Unlock()
	if disco == nil {
		return nil
	}
	return disco.Discovered()
}
