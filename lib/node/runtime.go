// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/codec"
	"github.com/obs-foundation/nodemesh/lib/config"
	"github.com/obs-foundation/nodemesh/lib/correlator"
	"github.com/obs-foundation/nodemesh/lib/discovery"
	"github.com/obs-foundation/nodemesh/lib/dispatch"
	"github.com/obs-foundation/nodemesh/lib/emergency"
	"github.com/obs-foundation/nodemesh/lib/heartbeat"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/metrics"
	"github.com/obs-foundation/nodemesh/transport"
)

// Status is the lifecycle phase of a Runtime.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusStarting     Status = "STARTING"
	StatusRunning      Status = "RUNNING"
	StatusStopping     Status = "STOPPING"
	StatusStopped      Status = "STOPPED"
	StatusError        Status = "ERROR"
)

// ErrNotRunning is returned by sends before Start and after Stop.
var ErrNotRunning = errors.New("node is not running")

// Options carries the collaborators New does not build from config.
// Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics

	// Transport replaces the endpoint Start would bind from
	// config. The Runtime takes ownership and closes it on Stop.
	Transport transport.Transport

	// EmergencyHandler replaces the default, which logs the
	// emergency at Error.
	EmergencyHandler dispatch.Handler

	// Discovery replaces the etcd client Start would dial when
	// discovery is configured.
	Discovery discovery.Client
}

// Runtime is one running node.
type Runtime struct {
	config  *config.Config
	name    string
	id      string
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	options Options

	factory    *message.Factory
	registry   *heartbeat.Registry
	tracker    *correlator.Tracker
	dispatcher *dispatch.Dispatcher
	monitor    *heartbeat.Monitor
	emergency  *emergency.Channel
	acks       *ackLog

	mu        sync.Mutex
	status    Status
	started   time.Time
	endpoint  transport.Transport
	discovery *discovery.Discovery
	ctx       context.Context
	cancel    context.CancelFunc
	closers   []io.Closer

	group      sync.WaitGroup
	background sync.WaitGroup
}

// New validates cfg and assembles a Runtime in the INITIALIZING
// state. Nothing is bound until Start.
func New(cfg *config.Config, options Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.New(cfg.Node.Name)
	}

	r := &Runtime{
		config:  cfg,
		name:    cfg.Node.Name,
		id:      message.NewID(),
		logger:  options.Logger.With("node", cfg.Node.Name),
		clock:   options.Clock,
		metrics: options.Metrics,
		options: options,
		status:  StatusInitializing,
		acks:    newAckLog(256),
	}
	r.factory = message.NewFactory(r.name, r.clock)

	peers := make([]heartbeat.Peer, 0, len(cfg.Peers))
	for _, name := range cfg.PeerNames() {
		peer := cfg.Peers[name]
		peers = append(peers, heartbeat.Peer{Name: name, Address: peer.Address(), Critical: peer.Critical})
	}
	registry, err := heartbeat.NewRegistry(peers)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", r.name, err)
	}
	r.registry = registry

	r.tracker = correlator.New(correlator.Config{
		Clock:   r.clock,
		Logger:  r.logger,
		Metrics: r.metrics,
	})

	r.dispatcher = dispatch.New(dispatch.Config{
		Clock:         r.clock,
		Logger:        r.logger,
		Metrics:       r.metrics,
		Correlator:    r.tracker,
		QueueCapacity: cfg.Dispatch.QueueCapacity,
		DedupWindow:   cfg.Dispatch.DedupWindow,
		OnDelivered:   r.acknowledge,
	})

	sender := endpointSender{r}
	r.monitor, err = heartbeat.NewMonitor(heartbeat.Config{
		Registry:        registry,
		Sender:          sender,
		Factory:         r.factory,
		Clock:           r.clock,
		Logger:          r.logger,
		Metrics:         r.metrics,
		Interval:        cfg.Heartbeat.Interval.Std(),
		MissedIntervals: cfg.Heartbeat.MissedIntervals,
		DeadAfter:       cfg.Heartbeat.DeadAfter.Std(),
		Payload:         r.heartbeatPayload,
		Escalate:        r.escalate,
	})
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", r.name, err)
	}

	r.emergency, err = emergency.New(emergency.Config{
		Resolver:  registry,
		Sender:    sender,
		Factory:   r.factory,
		Logger:    r.logger,
		Metrics:   r.metrics,
		OnFailure: func(peer string, _ error) { r.monitor.DeliveryFailed(peer) },
	})
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", r.name, err)
	}

	r.registerDefaults()
	if options.EmergencyHandler != nil {
		r.dispatcher.SetEmergencyHandler(options.EmergencyHandler)
	}
	return r, nil
}

// Start binds the endpoint and starts the receive, dispatch, and
// heartbeat loops, plus discovery and the metrics listener when
// configured. The loops run until Stop or until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusInitializing {
		return fmt.Errorf("node %s: cannot start from %s", r.name, r.status)
	}
	r.status = StatusStarting

	endpoint := r.options.Transport
	if endpoint == nil {
		compression, err := codec.ParseCompression(r.config.Codec.Compression)
		if err != nil {
			r.status = StatusError
			return fmt.Errorf("node %s: %w", r.name, err)
		}
		endpoint, err = transport.New(r.config.Node.Transport, transport.Config{
			Address: r.config.Address(),
			Codec: message.Codec{
				Compression: compression,
				Threshold:   r.config.Codec.CompressThreshold,
			},
			OnDecodeError: r.decodeFailed,
			Logger:        r.logger,
		})
		if err != nil {
			r.status = StatusError
			return fmt.Errorf("node %s: %w", r.name, err)
		}
	}
	r.endpoint = endpoint

	var disco *discovery.Discovery
	if r.config.Discovery.Enabled() {
		var err error
		disco, err = r.newDiscovery(endpoint.Address())
		if err != nil {
			endpoint.Close()
			r.endpoint = nil
			r.status = StatusError
			return fmt.Errorf("node %s: %w", r.name, err)
		}
		r.discovery = disco
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.ctx, r.cancel = runCtx, cancel

	r.spawn("transport", func() error { return endpoint.Serve(runCtx, r.receive) })
	r.spawn("dispatcher", func() error { return r.dispatcher.Run(runCtx) })
	r.spawn("heartbeat", func() error { return r.monitor.Run(runCtx) })
	if disco != nil {
		r.spawn("discovery", func() error { return disco.Run(runCtx) })
	}
	if address := r.config.Metrics.Address; address != "" {
		r.spawn("metrics", func() error { return r.metrics.Serve(runCtx, address, r.logger) })
	}

	r.started = r.clock.Now()
	r.status = StatusRunning
	r.logger.Info("node started",
		"node_id", r.id,
		"address", endpoint.Address(),
		"transport", r.config.Node.Transport,
		"peers", r.registry.Len(),
	)
	return nil
}

// Stop shuts the node down: loops stop, the endpoint closes, handler
// goroutines drain, and queries still pending resolve with
// correlator.ErrStopped. Stop is idempotent.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	switch r.status {
	case StatusStopping, StatusStopped:
		r.mu.Unlock()
		return nil
	case StatusInitializing:
		r.status = StatusStopped
		r.mu.Unlock()
		r.tracker.Stop()
		return nil
	}
	r.status = StatusStopping
	cancel, endpoint, closers := r.cancel, r.endpoint, r.closers
	r.mu.Unlock()

	r.logger.Info("node stopping")
	if cancel != nil {
		cancel()
	}
	var errs []error
	if endpoint != nil {
		errs = append(errs, endpoint.Close())
	}
	r.group.Wait()
	r.dispatcher.Wait()
	r.tracker.Stop()
	r.background.Wait()
	for _, closer := range closers {
		errs = append(errs, closer.Close())
	}

	r.mu.Lock()
	r.status = StatusStopped
	r.endpoint = nil
	r.mu.Unlock()
	r.logger.Info("node stopped")
	return errors.Join(errs...)
}

// Name is the node's logical name.
func (r *Runtime) Name() string { return r.name }

// ID is a random identifier for this process's incarnation of the node.
func (r *Runtime) ID() string { return r.id }

// Address is the bound endpoint, or "" when not running.
func (r *Runtime) Address() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endpoint == nil {
		return ""
	}
	return r.endpoint.Address()
}

// Status is the current lifecycle phase.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Metrics returns the node's collectors.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Registry returns the peer table.
func (r *Runtime) Registry() *heartbeat.Registry { return r.registry }

// DispatchStats returns the dispatcher counters.
func (r *Runtime) DispatchStats() dispatch.Stats { return r.dispatcher.Stats() }

// Unhandled is how many messages arrived for key with no handler.
func (r *Runtime) Unhandled(key string) uint64 { return r.dispatcher.Unhandled(key) }

// PendingQueries is the number of queries awaiting a response.
func (r *Runtime) PendingQueries() int { return r.tracker.Len() }

// RegisterHandler routes messages with key to h. The key is matched
// against payload["command"] first, then the message type name. A
// later registration replaces an earlier one.
func (r *Runtime) RegisterHandler(key string, h dispatch.Handler) {
	r.dispatcher.Register(key, h)
}

// HandleFunc registers a function as the handler for key.
func (r *Runtime) HandleFunc(key string, f func(ctx context.Context, m message.Message, from string)) {
	r.dispatcher.Register(key, dispatch.HandlerFunc(f))
}

// SetEmergencyHandler replaces the handler that receives every
// EMERGENCY message.
func (r *Runtime) SetEmergencyHandler(h dispatch.Handler) {
	r.dispatcher.SetEmergencyHandler(h)
}

// PeerStatus is the liveness state of name. Unknown names report
// UNKNOWN.
func (r *Runtime) PeerStatus(name string) heartbeat.State {
	return r.registry.State(name)
}

// Peers returns every peer's status, sorted by name.
func (r *Runtime) Peers() []heartbeat.PeerStatus { return r.registry.Snapshot() }

// Liveness subscribes to peer state transitions. Call cancel to
// unsubscribe.
func (r *Runtime) Liveness(buffer int) (<-chan heartbeat.Event, func()) {
	return r.monitor.Subscribe(buffer)
}

// spawn runs fn on the lifecycle group. A loop that fails while the
// node is meant to be running is logged at Error.
func (r *Runtime) spawn(name string, fn func() error) {
	r.group.Add(1)
	go func() {
		defer r.group.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("node loop failed", "loop", name, "error", err)
		}
	}()
}

func (r *Runtime) running() (transport.Transport, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning || r.endpoint == nil {
		return nil, nil, fmt.Errorf("node %s: %w", r.name, ErrNotRunning)
	}
	return r.endpoint, r.ctx, nil
}

func (r *Runtime) newDiscovery(bound string) (*discovery.Discovery, error) {
	settings := r.config.Discovery
	client := r.options.Discovery
	if client == nil {
		dialed, err := discovery.Dial(settings.EtcdEndpoints, settings.DialTimeout.Std())
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, dialed)
		client = dialed
	}
	return discovery.New(discovery.Config{
		Client:   client,
		Registry: r.registry,
		Prefix:   settings.Prefix,
		Name:     r.name,
		Address:  advertised(bound, r.config.Node.Host),
		LeaseTTL: settings.LeaseTTL.Std(),
		Static:   r.config.PeerNames(),
		Logger:   r.logger,
	})
}

// advertised is the address peers should dial: the bound port on the
// configured host, or on this machine's hostname when bound to every
// interface.
func advertised(bound, host string) string {
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return bound
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if hostname, err := os.Hostname(); err == nil {
			host = hostname
		} else {
			host = "127.0.0.1"
		}
	}
	return net.JoinHostPort(host, port)
}

func (r *Runtime) decodeFailed(from string, err *message.DecodeError) {
	r.metrics.DecodeError(err.Label())
	r.logger.Warn("discarding undecodable message", "from", from, "reason", err.Label(), "error", err)
}

func (r *Runtime) heartbeatPayload() map[string]any {
	return map[string]any{
		"node_id":   r.id,
		"status":    string(r.Status()),
		"timestamp": r.clock.Now().UnixNano(),
	}
}

// escalate raises an emergency when a critical peer goes DEAD. The
// dead peer is left out of the destinations.
func (r *Runtime) escalate(event heartbeat.Event) {
	var destinations []string
	for _, name := range r.config.Emergency.Peers {
		if name != event.Peer {
			destinations = append(destinations, name)
		}
	}
	if len(destinations) == 0 {
		r.logger.Error("critical peer dead with no emergency peers to notify",
			"emergency", true,
			"peer", event.Peer,
		)
		return
	}
	_, ctx, err := r.running()
	if err != nil {
		return
	}
	report, err := r.SendEmergency(ctx, destinations, map[string]any{
		"reason": "critical_peer_dead",
		"peer":   event.Peer,
		"since":  event.At.UnixNano(),
	})
	if err != nil {
		r.logger.Error("escalation failed", "emergency", true, "peer", event.Peer, "error", err)
		return
	}
	r.logger.Warn("escalated dead critical peer", "peer", event.Peer, "report", report.String())
}

// endpointSender lets the monitor and emergency channel send through
// whichever endpoint is bound at the time.
type endpointSender struct{ r *Runtime }

func (s endpointSender) Send(ctx context.Context, m message.Message, address string) error {
	endpoint, _, err := s.r.running()
	if err != nil {
		return &transport.DeliveryError{Address: address, Err: err}
	}
	return endpoint.Send(ctx, m, address)
}
