// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"slices"
	"sync"

	"github.com/obs-foundation/nodemesh/lib/dispatch"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/transport"
)

// receive is the transport sink.
func (r *Runtime) receive(inbound transport.Inbound) {
	m := inbound.Message
	r.monitor.Observe(m.Source)
	if !m.Destination.Contains(r.name) {
		r.metrics.Dropped("misaddressed")
		r.logger.Warn("dropping message addressed elsewhere",
			"message_id", m.ID,
			"source", m.Source,
			"destination", m.Destination.String(),
		)
		return
	}
	// Submit logs and counts its own refusals.
	_ = r.dispatcher.Submit(inbound)
}

// acknowledge answers messages that asked for an acknowledgement once
// their handler has returned. The reply is sent off the dispatch
// goroutine, which runs the emergency handler inline.
func (r *Runtime) acknowledge(ctx context.Context, m message.Message, from string) {
	if !m.RequiresAck {
		return
	}
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		err := r.Reply(ctx, m, from, map[string]any{
			"ack_for": m.ID,
			"status":  "received",
		})
		if err != nil {
			r.logger.Warn("acknowledgement failed", "message_id", m.ID, "source", m.Source, "error", err)
		}
	}()
}

func (r *Runtime) registerDefaults() {
	r.HandleFunc("heartbeat", func(_ context.Context, m message.Message, _ string) {
		r.logger.Debug("heartbeat received", "source", m.Source, "peer_status", m.Payload["status"])
	})

	status := func(ctx context.Context, m message.Message, from string) {
		if m.Type == message.TypeResponse {
			return
		}
		if err := r.Reply(ctx, m, from, r.StatusReport().Payload()); err != nil {
			r.logger.Warn("status reply failed", "source", m.Source, "error", err)
		}
	}
	r.HandleFunc("status", status)
	r.HandleFunc("get_status", status)

	r.HandleFunc("ack", func(_ context.Context, m message.Message, _ string) {
		r.logger.Debug("acknowledgement received", "message_id", m.ID, "source", m.Source)
	})

	// Responses reach handler lookup only when no query claimed them.
	r.HandleFunc("response", func(_ context.Context, m message.Message, _ string) {
		if id, ok := m.Payload["ack_for"].(string); ok {
			r.acks.record(id, m.Source)
			r.logger.Debug("acknowledged", "message_id", id, "peer", m.Source)
			return
		}
		r.logger.Warn("unsolicited response",
			"message_id", m.ID,
			"correlation_id", m.CorrelationID,
			"source", m.Source,
		)
	})

	r.dispatcher.SetEmergencyHandler(dispatch.HandlerFunc(func(_ context.Context, m message.Message, _ string) {
		r.logger.Error("EMERGENCY received",
			"emergency", true,
			"message_id", m.ID,
			"source", m.Source,
			"payload", m.Payload,
		)
	}))
}

// Acknowledged returns the peers that have acknowledged message id,
// in arrival order. Only recent ids are remembered.
func (r *Runtime) Acknowledged(id string) []string {
	return r.acks.peers(id)
}

// ackLog remembers who acknowledged the most recent message ids.
type ackLog struct {
	mu    sync.Mutex
	limit int
	order []string
	by    map[string][]string
}

func newAckLog(limit int) *ackLog {
	return &ackLog{limit: limit, by: make(map[string][]string)}
}

func (l *ackLog) record(id, peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	peers, known := l.by[id]
	if slices.Contains(peers, peer) {
		return
	}
	if !known {
		l.order = append(l.order, id)
		if len(l.order) > l.limit {
			delete(l.by, l.order[0])
			l.order = l.order[1:]
		}
	}
	l.by[id] = append(peers, peer)
}

func (l *ackLog) peers(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.by[id])
}
