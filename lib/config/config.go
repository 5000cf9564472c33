// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads.
const EnvVar = "NODEMESH_CONFIG"

// Config is the configuration of one node.
type Config struct {
	Node      NodeConfig            `yaml:"node" json:"node"`
	Peers     map[string]PeerConfig `yaml:"peers" json:"peers"`
	Heartbeat HeartbeatConfig       `yaml:"heartbeat" json:"heartbeat"`
	Emergency EmergencyConfig       `yaml:"emergency" json:"emergency"`
	Query     QueryConfig           `yaml:"query" json:"query"`
	Dispatch  DispatchConfig        `yaml:"dispatch" json:"dispatch"`
	Codec     CodecConfig           `yaml:"codec" json:"codec"`
	Discovery DiscoveryConfig       `yaml:"discovery" json:"discovery"`
	Metrics   MetricsConfig         `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig         `yaml:"logging" json:"logging"`

	// DB is read only by the db_client node.
	DB DBConfig `yaml:"db" json:"db"`
}

// NodeConfig identifies this node and its endpoint.
type NodeConfig struct {
	Name string `yaml:"name" json:"name"`

	// Host to bind. Default 0.0.0.0.
	Host string `yaml:"host" json:"host"`

	// Port to bind. 0 picks a free port.
	Port int `yaml:"port" json:"port"`

	// Transport is "tcp" or "udp". Default tcp.
	Transport string `yaml:"transport" json:"transport"`
}

// PeerConfig is one entry of the static peer table.
type PeerConfig struct {
	// Host defaults to 127.0.0.1.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// Critical peers escalate to an emergency when they go DEAD.
	Critical bool `yaml:"critical" json:"critical"`
}

// HeartbeatConfig sets the liveness ladder.
type HeartbeatConfig struct {
	Interval        Duration `yaml:"interval" json:"interval"`
	MissedIntervals int      `yaml:"missed_intervals" json:"missed_intervals"`
	DeadAfter       Duration `yaml:"dead_after" json:"dead_after"`
}

// EmergencyConfig names the peers that receive this node's
// emergencies by default.
type EmergencyConfig struct {
	Peers []string `yaml:"peers" json:"peers"`
}

// QueryConfig sets request/response defaults.
type QueryConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout" json:"default_timeout"`
}

// DispatchConfig sizes the inbound pipeline.
type DispatchConfig struct {
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// DedupWindow is how many recent message ids are remembered.
	// Negative disables duplicate suppression.
	DedupWindow int `yaml:"dedup_window" json:"dedup_window"`
}

// CodecConfig sets outbound frame compression.
type CodecConfig struct {
	// Compression is "none", "lz4", or "zstd".
	Compression       string `yaml:"compression" json:"compression"`
	CompressThreshold int    `yaml:"compress_threshold" json:"compress_threshold"`
}

// DiscoveryConfig enables etcd-backed peer discovery when Endpoints
// is non-empty.
type DiscoveryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints" json:"etcd_endpoints"`
	Prefix        string   `yaml:"prefix" json:"prefix"`
	LeaseTTL      Duration `yaml:"lease_ttl" json:"lease_ttl"`
	DialTimeout   Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// Enabled reports whether discovery is configured.
func (d DiscoveryConfig) Enabled() bool { return len(d.EtcdEndpoints) > 0 }

// MetricsConfig enables the /metrics endpoint when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address" json:"address"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" json:"level"`

	// Format is text, json, or auto (text on a terminal, else json).
	Format string `yaml:"format" json:"format"`
}

// DBConfig locates the db_client's document store.
type DBConfig struct {
	Path     string `yaml:"path" json:"path"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// Default returns a Config with every default filled in and no node
// name or peers.
func Default() *Config {
	return &Config{
		Node: NodeConfig{Host: "0.0.0.0", Transport: "tcp"},
		Heartbeat: HeartbeatConfig{
			Interval:        Duration(time.Second),
			MissedIntervals: 3,
			DeadAfter:       Duration(10 * time.Second),
		},
		Query:    QueryConfig{DefaultTimeout: Duration(5 * time.Second)},
		Dispatch: DispatchConfig{QueueCapacity: 4096, DedupWindow: 1024},
		Codec:    CodecConfig{Compression: "none", CompressThreshold: 4096},
		Discovery: DiscoveryConfig{
			Prefix:      "/nodemesh/nodes/",
			LeaseTTL:    Duration(10 * time.Second),
			DialTimeout: Duration(5 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		DB:      DBConfig{Path: "${HOME}/.local/share/nodemesh/db_client.db", PoolSize: 4},
	}
}

// Load loads the file named by NODEMESH_CONFIG. It fails when the
// variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of the node's config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads and validates the file at path. The format follows
// the extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	config, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes data over the defaults and validates the result. ext
// is a file extension selecting the format; anything other than
// .json and .jsonc is read as YAML.
func Parse(data []byte, ext string) (*Config, error) {
	config := Default()
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(config); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	config.fillPeerDefaults()
	config.expandVariables()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) fillPeerDefaults() {
	for name, peer := range c.Peers {
		if peer.Host == "" {
			peer.Host = "127.0.0.1"
			c.Peers[name] = peer
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.DB.Path = expandVars(c.DB.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}, looking in vars
// before the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Address is the "host:port" this node binds.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Node.Host, strconv.Itoa(c.Node.Port))
}

// Address is the peer's "host:port".
func (p PeerConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
