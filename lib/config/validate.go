// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/obs-foundation/nodemesh/lib/codec"
)

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks c and returns a *ValidationError naming every
// problem, or nil.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Node.Name == "" {
		add("node.name is required")
	}
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		add("node.port %d out of range", c.Node.Port)
	}
	if c.Node.Transport != "tcp" && c.Node.Transport != "udp" {
		add("node.transport must be tcp or udp, got %q", c.Node.Transport)
	}

	self := strings.ToLower(c.Node.Name)
	folded := make(map[string]string, len(c.Peers))
	for _, name := range c.PeerNames() {
		peer := c.Peers[name]
		if name == "" {
			add("peers: empty peer name")
			continue
		}
		key := strings.ToLower(name)
		if c.Node.Name != "" && key == self {
			add("peers.%s: conflicts with this node's name %q", name, c.Node.Name)
		}
		if other, ok := folded[key]; ok {
			add("peers.%s: ambiguous with peers.%s", name, other)
		}
		folded[key] = name
		if peer.Port < 1 || peer.Port > 65535 {
			add("peers.%s.port %d out of range", name, peer.Port)
		}
	}

	for _, name := range c.Emergency.Peers {
		if _, ok := c.Peers[name]; !ok {
			add("emergency.peers: %q is not in the peer table", name)
		}
	}

	interval := c.Heartbeat.Interval.Std()
	if interval <= 0 {
		add("heartbeat.interval must be positive")
	}
	if c.Heartbeat.MissedIntervals < 1 {
		add("heartbeat.missed_intervals must be at least 1")
	}
	if suspect := time.Duration(c.Heartbeat.MissedIntervals) * interval; c.Heartbeat.DeadAfter.Std() <= suspect {
		add("heartbeat.dead_after %v must exceed missed_intervals*interval (%v)", c.Heartbeat.DeadAfter, suspect)
	}

	if c.Query.DefaultTimeout.Std() <= 0 {
		add("query.default_timeout must be positive")
	}
	if c.Dispatch.QueueCapacity < 1 {
		add("dispatch.queue_capacity must be at least 1")
	}
	if _, err := codec.ParseCompression(c.Codec.Compression); err != nil {
		add("codec.compression: %v", err)
	}
	if c.Codec.CompressThreshold < 0 {
		add("codec.compress_threshold must not be negative")
	}

	if c.Discovery.Enabled() {
		if c.Discovery.Prefix == "" {
			add("discovery.prefix is required with etcd_endpoints")
		}
		if c.Discovery.LeaseTTL.Std() < time.Second {
			add("discovery.lease_ttl must be at least 1s")
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		add("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if !slices.Contains([]string{"text", "json", "auto"}, c.Logging.Format) {
		add("logging.format must be text, json, or auto, got %q", c.Logging.Format)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// PeerNames returns the configured peer names, sorted.
func (c *Config) PeerNames() []string {
	names := make([]string, 0, len(c.Peers))
	for name := range c.Peers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
