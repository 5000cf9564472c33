// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/obs-foundation/nodemesh/lib/cli"
	"github.com/obs-foundation/nodemesh/lib/dbquery"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/node"
)

// exitPartial is the exit status when some destinations failed.
const exitPartial = 2

func sendCommand() *cli.Command {
	var (
		flags    nodeFlags
		to       []string
		kind     string
		priority string
		payload  string
		ttl      time.Duration
		ack      time.Duration
	)
	return &cli.Command{
		Name:    "send",
		Summary: "Send one message to one or more peers",
		Description: `Start a one-shot node with the configured identity, send one message,
and exit. The payload is a JSON or YAML mapping.`,
		Examples: []cli.Example{
			{
				Description: "Command the motor node to move",
				Command:     `nodemesh send -c planner.yaml --to motor --payload '{"command": "move", "x": 1.5}'`,
			},
		},
		Flags: func() *pflag.FlagSet {
			set := pflag.NewFlagSet("send", pflag.ContinueOnError)
			flags.register(set, true)
			set.StringSliceVar(&to, "to", nil, "destination peer names")
			set.StringVar(&kind, "type", "command", "message type: command, response, status, heartbeat, or data")
			set.StringVar(&priority, "priority", "normal", "priority: low, normal, high, or critical")
			set.StringVar(&payload, "payload", "{}", "payload mapping as JSON or YAML")
			set.DurationVar(&ttl, "ttl", 0, "drop the message at receivers after this long (0 never expires)")
			set.DurationVar(&ack, "ack", 0, "request acknowledgements and wait this long for them")
			return set
		},
		Run: func(ctx context.Context, args []string) error {
			if len(to) == 0 {
				return errors.New("send: --to is required")
			}
			t, err := message.ParseType(kind)
			if err != nil {
				return err
			}
			if t == message.TypeEmergency {
				return errors.New("send: use the emergency command for emergencies")
			}
			p, err := message.ParsePriority(priority)
			if err != nil {
				return err
			}
			body, err := parsePayload(payload)
			if err != nil {
				return err
			}

			runtime, _, err := flags.start(ctx)
			if err != nil {
				return err
			}
			defer runtime.Stop()

			m := runtime.NewMessage(t, p, message.To(to...), body)
			if ttl > 0 {
				m.ExpiresAt = time.Unix(0, m.Timestamp).Add(ttl).UnixNano()
			}
			m.RequiresAck = ack > 0
			sendErr := runtime.SendMessage(ctx, m)
			fmt.Printf("sent %s\n", m.ID)
			if ack > 0 {
				acked := awaitAcks(ctx, runtime, m.ID, to, ack)
				fmt.Printf("acknowledged by: %s\n", strings.Join(acked, ", "))
			}
			return sendErr
		},
	}
}

func emergencyCommand() *cli.Command {
	var (
		flags   nodeFlags
		to      []string
		payload string
		ack     time.Duration
	)
	return &cli.Command{
		Name:    "emergency",
		Summary: "Send an emergency to every emergency peer",
		Description: `Send one EMERGENCY message to each destination (default: emergency.peers)
and print the outcome per destination. The remaining arguments, when
given, become the payload's "reason". Exits 2 when any destination
could not be reached.`,
		Examples: []cli.Example{
			{Command: "nodemesh emergency -c safety.yaml obstacle detected"},
		},
		Flags: func() *pflag.FlagSet {
			set := pflag.NewFlagSet("emergency", pflag.ContinueOnError)
			flags.register(set, true)
			set.StringSliceVar(&to, "to", nil, "destinations (default emergency.peers)")
			set.StringVar(&payload, "payload", "{}", "payload mapping as JSON or YAML")
			set.DurationVar(&ack, "ack-wait", time.Second, "how long to wait for acknowledgements")
			return set
		},
		Run: func(ctx context.Context, args []string) error {
			body, err := parsePayload(payload)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				body["reason"] = strings.Join(args, " ")
			}

			runtime, _, err := flags.start(ctx)
			if err != nil {
				return err
			}
			defer runtime.Stop()

			report, err := runtime.SendEmergency(ctx, to, body)
			if err != nil {
				return err
			}
			for _, outcome := range report.Outcomes {
				if outcome.Err != nil {
					fmt.Printf("%-16s FAILED  %v\n", outcome.Peer, outcome.Err)
				} else {
					fmt.Printf("%-16s sent\n", outcome.Peer)
				}
			}
			if delivered := report.Delivered(); len(delivered) > 0 && ack > 0 {
				acked := awaitAcks(ctx, runtime, report.Message.ID, delivered, ack)
				fmt.Printf("acknowledged by: %s\n", strings.Join(acked, ", "))
			}
			if !report.OK() {
				return &cli.ExitError{Code: exitPartial}
			}
			return nil
		},
	}
}

func queryCommand() *cli.Command {
	var (
		flags      nodeFlags
		collection string
		filter     string
		sort       []string
		limit      int
		skip       int
		timeout    time.Duration
	)
	return &cli.Command{
		Name:    "query",
		Summary: "Query the database client node",
		Description: `Send a query_data request to the "` + dbquery.NodeName + `" node and print the matching
documents as JSON, one per line.`,
		Examples: []cli.Example{
			{
				Description: "Latest heading",
				Command:     `nodemesh query -c control.yaml --collection Navigation --filter '{"title": "heading"}' --sort -timestamp --limit 1`,
			},
		},
		Flags: func() *pflag.FlagSet {
			set := pflag.NewFlagSet("query", pflag.ContinueOnError)
			flags.register(set, true)
			set.StringVar(&collection, "collection", "", "collection to query")
			set.StringVar(&filter, "filter", "{}", "filter mapping as JSON or YAML")
			set.StringSliceVar(&sort, "sort", nil, "sort fields; prefix with - for descending")
			set.IntVar(&limit, "limit", dbquery.DefaultLimit, "maximum documents")
			set.IntVar(&skip, "skip", 0, "documents to skip")
			set.DurationVar(&timeout, "timeout", 0, "response timeout (default query.default_timeout)")
			return set
		},
		Run: func(ctx context.Context, args []string) error {
			parsed, err := parsePayload(filter)
			if err != nil {
				return err
			}
			request := dbquery.Request{
				Collection: collection,
				Filter:     parsed,
				Sort:       parseSort(sort),
				Limit:      limit,
				Skip:       skip,
			}
			if err := request.Validate(); err != nil {
				return err
			}

			runtime, _, err := flags.start(ctx)
			if err != nil {
				return err
			}
			defer runtime.Stop()

			type answer struct {
				response dbquery.Response
				err      error
			}
			answers := make(chan answer, 1)
			_, err = runtime.QueryDB(ctx, request, timeout, func(response dbquery.Response, err error) {
				answers <- answer{response, err}
			})
			if err != nil {
				return err
			}
			got := <-answers
			if got.err != nil {
				return got.err
			}
			if err := got.response.Err(); err != nil {
				return err
			}
			encoder := json.NewEncoder(os.Stdout)
			for _, document := range got.response.Results {
				if err := encoder.Encode(document); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// parsePayload reads a JSON or YAML mapping. JSON is valid YAML, and
// the YAML decoder keeps integers as integers.
func parsePayload(text string) (map[string]any, error) {
	payload := map[string]any{}
	if strings.TrimSpace(text) == "" {
		return payload, nil
	}
	if err := yaml.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return payload, nil
}

func parseSort(fields []string) []dbquery.SortKey {
	keys := make([]dbquery.SortKey, 0, len(fields))
	for _, field := range fields {
		direction := dbquery.Ascending
		if name, found := strings.CutPrefix(field, "-"); found {
			field, direction = name, dbquery.Descending
		}
		keys = append(keys, dbquery.SortKey{Field: field, Direction: direction})
	}
	return keys
}

// awaitAcks waits until every peer has acknowledged id or wait
// elapses, and returns the peers that did.
func awaitAcks(ctx context.Context, runtime *node.Runtime, id string, peers []string, wait time.Duration) []string {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		acked := runtime.Acknowledged(id)
		complete := true
		for _, peer := range peers {
			if !slices.Contains(acked, peer) {
				complete = false
				break
			}
		}
		if complete {
			return acked
		}
		select {
		case <-ctx.Done():
			return acked
		case <-ticker.C:
		}
	}
}
