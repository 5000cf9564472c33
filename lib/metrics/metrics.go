// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes a node's communication counters to
// Prometheus. Each node owns one [Metrics] with its own registry;
// a nil *Metrics is valid and records nothing, so components accept
// one unconditionally.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodemesh"

// Metrics holds the collectors for one node.
type Metrics struct {
	registry *prometheus.Registry

	received         *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	unknownHandler   *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	queries          *prometheus.CounterVec
	emergencies      *prometheus.CounterVec
	pendingQueries   prometheus.Gauge
	queueDepth       *prometheus.GaugeVec
	peerState        *prometheus.GaugeVec
	handlerDuration  *prometheus.HistogramVec
}

// New builds the collectors for node and registers them, with the Go
// runtime and process collectors, on a fresh registry.
func New(node string) *Metrics {
	labels := prometheus.Labels{"node": node}
	counter := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}

	m := &Metrics{
		registry:         prometheus.NewRegistry(),
		received:         counter("messages_received_total", "Messages decoded by the receive loop.", "type"),
		dispatched:       counter("messages_dispatched_total", "Messages handed to a handler or the correlator.", "type", "lane"),
		dropped:          counter("messages_dropped_total", "Inbound messages discarded before dispatch.", "reason"),
		decodeErrors:     counter("decode_errors_total", "Inbound frames that failed to decode.", "reason"),
		unknownHandler:   counter("unknown_handler_total", "Messages whose handler key had no registration.", "key"),
		deliveryFailures: counter("delivery_failures_total", "Sends that could not reach a peer.", "peer"),
		queries:          counter("queries_total", "Completed request/response exchanges.", "outcome"),
		emergencies:      counter("emergency_deliveries_total", "Per-destination emergency send results.", "result"),
		pendingQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_queries",
			Help:        "Queries awaiting a response or timeout.",
			ConstLabels: labels,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "dispatch_queue_depth",
			Help:        "Messages waiting in each dispatch lane.",
			ConstLabels: labels,
		}, []string{"lane"}),
		peerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "peer_state",
			Help:        "1 for the current liveness state of each peer, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"peer", "state"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "handler_duration_seconds",
			Help:        "Time spent in message handlers.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"key"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.received, m.dispatched, m.dropped, m.decodeErrors, m.unknownHandler,
		m.deliveryFailures, m.queries, m.emergencies, m.pendingQueries,
		m.queueDepth, m.peerState, m.handlerDuration,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Received(messageType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(messageType).Inc()
}

func (m *Metrics) Dispatched(messageType, lane string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(messageType, lane).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecodeError(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) UnknownHandler(key string) {
	if m == nil {
		return
	}
	m.unknownHandler.WithLabelValues(key).Inc()
}

func (m *Metrics) DeliveryFailure(peer string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(peer).Inc()
}

// QueryCompleted records a finished query; outcome is "response",
// "timeout", or "delivery_error".
func (m *Metrics) QueryCompleted(outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPendingQueries(n int) {
	if m == nil {
		return
	}
	m.pendingQueries.Set(float64(n))
}

// EmergencyDelivery records one destination of an emergency fan-out.
func (m *Metrics) EmergencyDelivery(ok bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.emergencies.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(emergency, normal int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("emergency").Set(float64(emergency))
	m.queueDepth.WithLabelValues("normal").Set(float64(normal))
}

// PeerState marks state as current for peer among states.
func (m *Metrics) PeerState(peer, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		m.peerState.WithLabelValues(peer, s).Set(value)
	}
}

func (m *Metrics) ObserveHandler(key string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(key).Observe(elapsed.Seconds())
}

// Serve exposes /metrics on address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { server.Close() })
	defer stop()

	logger.Info("metrics listening", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
