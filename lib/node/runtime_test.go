// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/obs-foundation/nodemesh/lib/clock"
	"github.com/obs-foundation/nodemesh/lib/config"
	"github.com/obs-foundation/nodemesh/lib/correlator"
	"github.com/obs-foundation/nodemesh/lib/dbquery"
	"github.com/obs-foundation/nodemesh/lib/dispatch"
	"github.com/obs-foundation/nodemesh/lib/heartbeat"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/testutil"
	"github.com/obs-foundation/nodemesh/transport"
)

const waitTimeout = 5 * time.Second

func port(t *testing.T, address string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(address)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", address, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("port %q: %v", p, err)
	}
	return n
}

func deadPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()
	return port(t, address)
}

// cluster starts one runtime per name, each configured with every
// other name as a peer. configure, when non-nil, adjusts each config
// before the runtime is built.
func cluster(t *testing.T, configure func(name string, cfg *config.Config), names ...string) map[string]*Runtime {
	t.Helper()
	endpoints := make(map[string]*transport.TCPTransport, len(names))
	for _, name := range names {
		endpoint, err := transport.NewTCP(transport.Config{Address: "127.0.0.1:0", DialTimeout: time.Second})
		if err != nil {
			t.Fatalf("NewTCP(%s): %v", name, err)
		}
		endpoints[name] = endpoint
	}

	nodes := make(map[string]*Runtime, len(names))
	for _, name := range names {
		cfg := config.Default()
		cfg.Node.Name = name
		cfg.Node.Host = "127.0.0.1"
		cfg.Node.Port = port(t, endpoints[name].Address())
		cfg.Peers = make(map[string]config.PeerConfig)
		for _, other := range names {
			if other != name {
				cfg.Peers[other] = config.PeerConfig{Host: "127.0.0.1", Port: port(t, endpoints[other].Address())}
			}
		}
		if configure != nil {
			configure(name, cfg)
		}
		node, err := New(cfg, Options{Transport: endpoints[name]})
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		nodes[name] = node
	}
	for _, name := range names {
		if err := nodes[name].Start(context.Background()); err != nil {
			t.Fatalf("Start(%s): %v", name, err)
		}
		t.Cleanup(func() { nodes[name].Stop() })
	}
	return nodes
}

func eventually(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendRoutesToCommandHandler(t *testing.T) {
	nodes := cluster(t, nil, "planner", "motor")
	got := make(chan message.Message, 1)
	nodes["motor"].HandleFunc("move", func(_ context.Context, m message.Message, _ string) {
		got <- m
	})

	sent, err := nodes["planner"].Send(context.Background(), "motor", message.TypeCommand, map[string]any{
		"command": "move",
		"gait":    "trot",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	m := testutil.RequireReceive(t, got, waitTimeout, "move command")
	if m.ID != sent.ID || m.Source != "planner" {
		t.Fatalf("received %s from %s, want %s from planner", m.ID, m.Source, sent.ID)
	}
	if m.Payload["gait"] != "trot" {
		t.Fatalf("payload gait = %v, want trot", m.Payload["gait"])
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	nodes := cluster(t, nil, "planner", "motor")
	_, err := nodes["planner"].Send(context.Background(), "ghost", message.TypeData, nil)
	if !errors.Is(err, heartbeat.ErrUnknownPeer) {
		t.Fatalf("Send to ghost: err = %v, want ErrUnknownPeer", err)
	}
	if _, err := nodes["planner"].SendWithPriority(context.Background(), "motor", message.TypeEmergency, message.PriorityEmergency, nil); err == nil {
		t.Fatal("SendWithPriority accepted an EMERGENCY message")
	}
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	nodes := cluster(t, nil, "hub", "left", "right")
	got := make(chan string, 2)
	for _, name := range []string{"left", "right"} {
		nodes[name].HandleFunc("data", func(_ context.Context, m message.Message, _ string) {
			got <- name
		})
	}

	if _, err := nodes["hub"].Broadcast(context.Background(), nil, message.TypeData, map[string]any{"tick": "1"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	seen := []string{
		testutil.RequireReceive(t, got, waitTimeout, "first delivery"),
		testutil.RequireReceive(t, got, waitTimeout, "second delivery"),
	}
	slices.Sort(seen)
	if !slices.Equal(seen, []string{"left", "right"}) {
		t.Fatalf("delivered to %v, want [left right]", seen)
	}
}

func TestQueryDBThroughClientNode(t *testing.T) {
	nodes := cluster(t, nil, "control", dbquery.NodeName)

	store, err := dbquery.OpenStore(dbquery.StoreConfig{Path: filepath.Join(t.TempDir(), "db.sqlite")})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	_, err = store.Insert(context.Background(), "Navigation", []map[string]any{
		{"title": "heading", "heading": 80.0, "timestamp": int64(100)},
		{"title": "heading", "heading": 87.5, "timestamp": int64(300)},
		{"title": "speed", "speed": 2.0, "timestamp": int64(400)},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	client := nodes[dbquery.NodeName]
	client.HandleFunc(dbquery.CommandQuery, func(ctx context.Context, m message.Message, from string) {
		if err := client.Reply(ctx, m, from, store.Execute(ctx, m.Payload)); err != nil {
			t.Errorf("Reply: %v", err)
		}
	})

	type answer struct {
		response dbquery.Response
		err      error
	}
	answers := make(chan answer, 2)
	control := nodes["control"]
	_, err = control.QueryDB(context.Background(), dbquery.Request{
		Collection: "Navigation",
		Filter:     map[string]any{"title": "heading"},
		Sort:       []dbquery.SortKey{{Field: "timestamp", Direction: dbquery.Descending}},
		Limit:      1,
	}, time.Second, func(response dbquery.Response, err error) {
		answers <- answer{response, err}
	})
	if err != nil {
		t.Fatalf("QueryDB: %v", err)
	}

	got := testutil.RequireReceive(t, answers, waitTimeout, "query answer")
	if got.err != nil {
		t.Fatalf("query failed: %v", got.err)
	}
	if !got.response.OK() || len(got.response.Results) != 1 {
		t.Fatalf("response = %+v, want one successful result", got.response)
	}
	if heading := got.response.Results[0]["heading"]; heading != 87.5 {
		t.Fatalf("heading = %v, want 87.5", heading)
	}
	testutil.RequireNoReceive(t, answers, 100*time.Millisecond, "a second callback")
	if n := control.PendingQueries(); n != 0 {
		t.Fatalf("PendingQueries = %d after resolution, want 0", n)
	}
}

func TestQueryTimeoutIgnoresLateResponse(t *testing.T) {
	nodes := cluster(t, nil, "control", "slow")
	release := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	slow := nodes["slow"]
	slow.HandleFunc("compute", func(ctx context.Context, m message.Message, from string) {
		<-release
		slow.Reply(ctx, m, from, map[string]any{"status": "success"})
	})

	results := make(chan correlator.Result, 2)
	control := nodes["control"]
	_, err := control.Query(context.Background(), "slow", map[string]any{"command": "compute"}, 100*time.Millisecond, func(result correlator.Result) {
		results <- result
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	result := testutil.RequireReceive(t, results, waitTimeout, "timeout")
	var timeout *correlator.TimeoutError
	if !errors.As(result.Err, &timeout) || timeout.Target != "slow" {
		t.Fatalf("result error = %v, want TimeoutError for slow", result.Err)
	}

	close(release)
	eventually(t, "late response to be dropped as stale", func() bool {
		return control.DispatchStats().Stale == 1
	})
	testutil.RequireNoReceive(t, results, 100*time.Millisecond, "a second callback")
	if n := control.Unhandled("response"); n != 0 {
		t.Fatalf("late response reached handler lookup %d times", n)
	}
}

func TestQueryRefusedBeforeSend(t *testing.T) {
	nodes := cluster(t, nil, "control", "slow")
	called := make(chan correlator.Result, 1)
	_, err := nodes["control"].Query(context.Background(), "nobody", nil, time.Second, func(r correlator.Result) {
		called <- r
	})
	if !errors.Is(err, heartbeat.ErrUnknownPeer) {
		t.Fatalf("Query to nobody: err = %v, want ErrUnknownPeer", err)
	}
	testutil.RequireNoReceive(t, called, 50*time.Millisecond, "callback for a refused query")
}

func TestStatusRequest(t *testing.T) {
	nodes := cluster(t, nil, "control", "arm")
	results := make(chan correlator.Result, 1)
	_, err := nodes["control"].Query(context.Background(), "arm", map[string]any{"command": "get_status"}, time.Second, func(r correlator.Result) {
		results <- r
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	result := testutil.RequireReceive(t, results, waitTimeout, "status reply")
	if result.Err != nil {
		t.Fatalf("status query: %v", result.Err)
	}
	payload := result.Payload()
	if payload["node_name"] != "arm" || payload["status"] != string(StatusRunning) {
		t.Fatalf("status payload = %v, want node_name arm and status RUNNING", payload)
	}
	if payload["node_id"] != nodes["arm"].ID() {
		t.Fatalf("node_id = %v, want %s", payload["node_id"], nodes["arm"].ID())
	}
}

func TestEmergencyPartialFailureIsAcknowledged(t *testing.T) {
	nodes := cluster(t, func(name string, cfg *config.Config) {
		if name == "safety" {
			cfg.Peers["brake"] = config.PeerConfig{Host: "127.0.0.1", Port: deadPort(t)}
		}
	}, "safety", "motor")

	got := make(chan message.Message, 1)
	nodes["motor"].SetEmergencyHandler(dispatch.HandlerFunc(func(_ context.Context, m message.Message, _ string) {
		got <- m
	}))

	safety := nodes["safety"]
	report, err := safety.SendEmergency(context.Background(), []string{"motor", "brake"}, map[string]any{"reason": "collision"})
	if err != nil {
		t.Fatalf("SendEmergency: %v", err)
	}
	if delivered := report.Delivered(); !slices.Equal(delivered, []string{"motor"}) {
		t.Fatalf("Delivered = %v, want [motor]", delivered)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Peer != "brake" {
		t.Fatalf("Failed = %v, want brake", failed)
	}
	var delivery *transport.DeliveryError
	if !errors.As(failed[0].Err, &delivery) {
		t.Fatalf("brake error = %T, want *transport.DeliveryError", failed[0].Err)
	}

	m := testutil.RequireReceive(t, got, waitTimeout, "emergency at motor")
	if m.Type != message.TypeEmergency || m.Priority != message.PriorityEmergency {
		t.Fatalf("received %s/%s, want emergency/emergency", m.Type, m.Priority)
	}
	if m.Payload["reason"] != "collision" {
		t.Fatalf("reason = %v, want collision", m.Payload["reason"])
	}

	eventually(t, "motor to acknowledge", func() bool {
		return slices.Contains(safety.Acknowledged(report.Message.ID), "motor")
	})
}

func TestPeerStatusFollowsHeartbeats(t *testing.T) {
	nodes := cluster(t, nil, "control", "arm")
	eventually(t, "arm to be ALIVE at control", func() bool {
		return nodes["control"].PeerStatus("arm") == heartbeat.StateAlive
	})
	if state := nodes["control"].PeerStatus("nobody"); state != heartbeat.StateUnknown {
		t.Fatalf("PeerStatus(nobody) = %s, want UNKNOWN", state)
	}
}

func TestCriticalPeerDeathEscalates(t *testing.T) {
	nodes := cluster(t, func(name string, cfg *config.Config) {
		cfg.Heartbeat.Interval = config.Duration(20 * time.Millisecond)
		cfg.Heartbeat.DeadAfter = config.Duration(300 * time.Millisecond)
		if name == "safety" {
			brake := cfg.Peers["brake"]
			brake.Critical = true
			cfg.Peers["brake"] = brake
			cfg.Emergency.Peers = []string{"hub"}
		}
	}, "safety", "hub", "brake")

	got := make(chan message.Message, 4)
	nodes["hub"].SetEmergencyHandler(dispatch.HandlerFunc(func(_ context.Context, m message.Message, _ string) {
		got <- m
	}))

	safety := nodes["safety"]
	eventually(t, "brake to be ALIVE at safety", func() bool {
		return safety.PeerStatus("brake") == heartbeat.StateAlive
	})
	nodes["brake"].Stop()

	m := testutil.RequireReceive(t, got, waitTimeout, "escalated emergency")
	if m.Source != "safety" || m.Payload["peer"] != "brake" || m.Payload["reason"] != "critical_peer_dead" {
		t.Fatalf("escalation = %s %v, want critical_peer_dead for brake from safety", m.Source, m.Payload)
	}
	if state := safety.PeerStatus("brake"); state != heartbeat.StateDead {
		t.Fatalf("brake state = %s, want DEAD", state)
	}
}

func TestMisaddressedMessageDropped(t *testing.T) {
	nodes := cluster(t, nil, "arm")
	arm := nodes["arm"]
	got := make(chan string, 2)
	arm.HandleFunc("data", func(_ context.Context, m message.Message, _ string) {
		got <- m.Payload["tag"].(string)
	})

	sender, err := transport.NewTCP(transport.Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	defer sender.Close()
	factory := message.NewFactory("tester", clock.Real())
	ctx := context.Background()
	if err := sender.Send(ctx, factory.New(message.TypeData, message.PriorityNormal, message.To("leg"), map[string]any{"tag": "wrong"}), arm.Address()); err != nil {
		t.Fatalf("Send misaddressed: %v", err)
	}
	if err := sender.Send(ctx, factory.New(message.TypeData, message.PriorityNormal, message.To("arm"), map[string]any{"tag": "right"}), arm.Address()); err != nil {
		t.Fatalf("Send addressed: %v", err)
	}

	if tag := testutil.RequireReceive(t, got, waitTimeout, "addressed message"); tag != "right" {
		t.Fatalf("first delivery = %q, want right", tag)
	}
	testutil.RequireNoReceive(t, got, 100*time.Millisecond, "misaddressed message")
}

func TestLifecycle(t *testing.T) {
	endpoint, err := transport.NewTCP(transport.Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	cfg := config.Default()
	cfg.Node.Name = "solo"
	cfg.Peers = map[string]config.PeerConfig{"quiet": {Host: "127.0.0.1", Port: deadPort(t)}}
	node, err := New(cfg, Options{Transport: endpoint})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s := node.Status(); s != StatusInitializing {
		t.Fatalf("Status before Start = %s, want INITIALIZING", s)
	}
	if _, err := node.Send(context.Background(), "quiet", message.TypeData, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Send before Start: err = %v, want ErrNotRunning", err)
	}

	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := node.Status(); s != StatusRunning {
		t.Fatalf("Status after Start = %s, want RUNNING", s)
	}
	if err := node.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}

	report := node.StatusReport()
	if report.NodeName != "solo" || len(report.Peers) != 1 {
		t.Fatalf("StatusReport = %+v, want solo with one peer", report)
	}

	if err := node.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s := node.Status(); s != StatusStopped {
		t.Fatalf("Status after Stop = %s, want STOPPED", s)
	}
	if err := node.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if node.Address() != "" {
		t.Fatalf("Address after Stop = %q, want empty", node.Address())
	}
}

func TestPendingQueryResolvedAtStop(t *testing.T) {
	nodes := cluster(t, nil, "control", "mute")
	nodes["mute"].HandleFunc("ignore", func(context.Context, message.Message, string) {})

	results := make(chan correlator.Result, 1)
	control := nodes["control"]
	_, err := control.Query(context.Background(), "mute", map[string]any{"command": "ignore"}, time.Minute, func(r correlator.Result) {
		results <- r
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	control.Stop()

	result := testutil.RequireReceive(t, results, waitTimeout, "stop resolution")
	if !errors.Is(result.Err, correlator.ErrStopped) {
		t.Fatalf("result error = %v, want ErrStopped", result.Err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Peers = map[string]config.PeerConfig{"Arm": {Port: 9000}, "arm": {Port: 9001}}
	_, err := New(cfg, Options{})
	var invalid *config.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("New: err = %v, want *config.ValidationError", err)
	}
	if len(invalid.Problems) < 2 {
		t.Fatalf("problems = %v, want missing name and ambiguous peers", invalid.Problems)
	}
}
