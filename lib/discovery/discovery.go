// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery publishes this node in etcd and merges the other
// published nodes into the heartbeat registry.
//
// Each node writes <prefix><name> = host:port under a lease it keeps
// alive, so a node that stops refreshing disappears from the
// directory after the lease TTL. Readers load the prefix once and
// then watch it from the loaded revision, so no update between the
// two is missed.
//
// Statically configured peers always win: a published entry with the
// same name is ignored, and one whose name differs only by case is
// rejected by the registry.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/obs-foundation/nodemesh/lib/heartbeat"
)

// Client is the part of *clientv3.Client discovery uses.
type Client interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, value string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// Dial connects to etcd.
func Dial(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("discovery: connecting to %s: %w", strings.Join(endpoints, ","), err)
	}
	return client, nil
}

// Config configures a Discovery.
type Config struct {
	Client   Client
	Registry *heartbeat.Registry

	// Prefix is the directory key, e.g. "/nodemesh/nodes/".
	Prefix string

	// Name and Address are published for this node. Name is never
	// added to the registry.
	Name    string
	Address string

	// LeaseTTL bounds how long the entry outlives this node.
	LeaseTTL time.Duration

	// Static names peers from configuration, which published entries
	// never replace or remove.
	Static []string

	Logger *slog.Logger
}

// Discovery keeps the registry in step with the etcd directory.
type Discovery struct {
	config Config
	logger *slog.Logger
	static map[string]bool

	mu         sync.Mutex
	discovered map[string]string
	lease      clientv3.LeaseID
}

// New validates config.
func New(config Config) (*Discovery, error) {
	if config.Client == nil || config.Registry == nil {
		return nil, errors.New("discovery: Client and Registry are required")
	}
	if config.Prefix == "" || config.Name == "" {
		return nil, errors.New("discovery: Prefix and Name are required")
	}
	if !strings.HasSuffix(config.Prefix, "/") {
		config.Prefix += "/"
	}
	if config.LeaseTTL < time.Second {
		config.LeaseTTL = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	static := make(map[string]bool, len(config.Static))
	for _, name := range config.Static {
		static[name] = true
	}
	return &Discovery{
		config:     config,
		logger:     config.Logger,
		static:     static,
		discovered: make(map[string]string),
	}, nil
}

// Register publishes this node under a lease and keeps the lease
// alive until ctx is done.
func (d *Discovery) Register(ctx context.Context) error {
	grant, err := d.config.Client.Grant(ctx, int64(d.config.LeaseTTL/time.Second))
	if err != nil {
		return fmt.Errorf("discovery: granting lease: %w", err)
	}
	key := d.config.Prefix + d.config.Name
	if _, err := d.config.Client.Put(ctx, key, d.config.Address, clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("discovery: publishing %s: %w", key, err)
	}
	responses, err := d.config.Client.KeepAlive(ctx, grant.ID)
	if err != nil {
		return fmt.Errorf("discovery: keeping lease alive: %w", err)
	}
	d.mu.Lock()
	d.lease = grant.ID
	d.mu.Unlock()

	go func() {
		for range responses {
		}
		if ctx.Err() == nil {
			d.logger.Warn("discovery lease keepalive ended", "key", key)
		}
	}()
	d.logger.Info("registered in discovery", "key", key, "address", d.config.Address, "lease_ttl", d.config.LeaseTTL)
	return nil
}

// Deregister revokes the lease, removing this node's entry at once.
func (d *Discovery) Deregister(ctx context.Context) error {
	d.mu.Lock()
	lease := d.lease
	d.lease = 0
	d.mu.Unlock()
	if lease == 0 {
		return nil
	}
	if _, err := d.config.Client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("discovery: revoking lease: %w", err)
	}
	return nil
}

// Sync loads the directory into the registry and returns the
// revision it reflects.
func (d *Discovery) Sync(ctx context.Context) (int64, error) {
	response, err := d.config.Client.Get(ctx, d.config.Prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("discovery: listing %s: %w", d.config.Prefix, err)
	}
	for _, kv := range response.Kvs {
		d.apply(mvccpb.PUT, string(kv.Key), string(kv.Value))
	}
	return response.Header.Revision, nil
}

// Watch applies directory changes after revision until ctx is done.
func (d *Discovery) Watch(ctx context.Context, revision int64) error {
	watch := d.config.Client.Watch(ctx, d.config.Prefix, clientv3.WithPrefix(), clientv3.WithRev(revision+1))
	for response := range watch {
		if err := response.Err(); err != nil {
			return fmt.Errorf("discovery: watching %s: %w", d.config.Prefix, err)
		}
		for _, event := range response.Events {
			d.apply(event.Type, string(event.Kv.Key), string(event.Kv.Value))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("discovery: watch closed")
}

// Run registers, syncs, and watches until ctx is done, then revokes
// the lease.
func (d *Discovery) Run(ctx context.Context) error {
	if err := d.Register(ctx); err != nil {
		return err
	}
	defer func() {
		revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.Deregister(revokeCtx); err != nil {
			d.logger.Warn("discovery deregistration failed", "error", err)
		}
	}()
	revision, err := d.Sync(ctx)
	if err != nil {
		return err
	}
	return d.Watch(ctx, revision)
}

// Discovered returns the peers learned from the directory.
func (d *Discovery) Discovered() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.discovered))
	for name, address := range d.discovered {
		out[name] = address
	}
	return out
}

func (d *Discovery) apply(kind mvccpb.Event_EventType, key, value string) {
	name := strings.TrimPrefix(key, d.config.Prefix)
	if name == "" || name == key || strings.Contains(name, "/") || name == d.config.Name {
		return
	}
	if d.static[name] {
		d.logger.Debug("ignoring published entry for configured peer", "peer", name)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case mvccpb.DELETE:
		if _, ok := d.discovered[name]; !ok {
			return
		}
		delete(d.discovered, name)
		d.config.Registry.Remove(name)
		d.logger.Info("peer left discovery", "peer", name)
	case mvccpb.PUT:
		if strings.EqualFold(name, d.config.Name) {
			d.logger.Warn("rejecting published peer named like this node", "peer", name)
			return
		}
		if err := d.config.Registry.Add(heartbeat.Peer{Name: name, Address: value}); err != nil {
			d.logger.Warn("rejecting published peer", "peer", name, "error", err)
			return
		}
		if d.discovered[name] != value {
			d.logger.Info("peer discovered", "peer", name, "address", value)
		}
		d.discovered[name] = value
	}
}
