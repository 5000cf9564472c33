// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/obs-foundation/nodemesh/lib/cli"
	"github.com/obs-foundation/nodemesh/lib/dbquery"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/node"
)

func runCommand() *cli.Command {
	var flags nodeFlags
	return &cli.Command{
		Name:    "run",
		Summary: "Run a node until interrupted",
		Description: `Run a node: bind its endpoint, beacon heartbeats to every peer,
and answer status requests until SIGINT or SIGTERM.`,
		Examples: []cli.Example{
			{Description: "Run the planner node", Command: "nodemesh run --config planner.yaml"},
		},
		Flags: func() *pflag.FlagSet {
			set := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flags.register(set, false)
			return set
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("run takes no arguments, got %q", args)
			}
			runtime, _, err := flags.start(ctx)
			if err != nil {
				return err
			}
			<-ctx.Done()
			return runtime.Stop()
		},
	}
}

func dbClientCommand() *cli.Command {
	var flags nodeFlags
	return &cli.Command{
		Name:    "dbclient",
		Summary: "Run the database client node",
		Description: `Run the database client node. It serves query_data and insert_data
commands from a SQLite document store at db.path. Peers address it
as "` + dbquery.NodeName + `".`,
		Flags: func() *pflag.FlagSet {
			set := pflag.NewFlagSet("dbclient", pflag.ContinueOnError)
			flags.register(set, false)
			return set
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Node.Name != dbquery.NodeName {
				logger.Warn("database client is not using the well-known name",
					"name", cfg.Node.Name,
					"expected", dbquery.NodeName,
				)
			}
			store, err := dbquery.OpenStore(dbquery.StoreConfig{
				Path:     cfg.DB.Path,
				PoolSize: cfg.DB.PoolSize,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			runtime, err := node.New(cfg, node.Options{Logger: logger})
			if err != nil {
				return err
			}
			serveStore(runtime, store)
			if err := runtime.Start(ctx); err != nil {
				return err
			}
			logger.Info("database client ready", "path", cfg.DB.Path)
			<-ctx.Done()
			return runtime.Stop()
		},
	}
}

// serveStore answers the store commands on runtime.
func serveStore(runtime *node.Runtime, store *dbquery.Store) {
	handler := func(ctx context.Context, m message.Message, from string) {
		// A failed reply is logged by the runtime; the requester times out.
		_ = runtime.Reply(ctx, m, from, store.Execute(ctx, m.Payload))
	}
	runtime.HandleFunc(dbquery.CommandQuery, handler)
	runtime.HandleFunc(dbquery.CommandInsert, handler)
}
