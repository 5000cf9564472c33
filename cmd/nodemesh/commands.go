// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/obs-foundation/nodemesh/lib/cli"
	"github.com/obs-foundation/nodemesh/lib/config"
	"github.com/obs-foundation/nodemesh/lib/node"
	"github.com/obs-foundation/nodemesh/lib/version"
)

func root() *cli.Command {
	return &cli.Command{
		Name: "nodemesh",
		Description: `nodemesh runs nodes of a peer-to-peer message mesh and sends
messages, queries, and emergencies to them.

Every command reads one configuration file, named by --config or by
the NODEMESH_CONFIG environment variable.`,
		Subcommands: []*cli.Command{
			runCommand(),
			dbClientCommand(),
			sendCommand(),
			emergencyCommand(),
			queryCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print build information",
		Run: func(context.Context, []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}

// nodeFlags are shared by every command that starts a node.
type nodeFlags struct {
	config string
	port   int
	level  string
}

func (f *nodeFlags) register(flags *pflag.FlagSet, ephemeral bool) {
	flags.StringVarP(&f.config, "config", "c", "", "configuration file (default $"+config.EnvVar+")")
	flags.StringVar(&f.level, "log-level", "", "override logging.level")
	if ephemeral {
		flags.IntVar(&f.port, "port", 0, "local port for this one-shot node (0 picks a free port)")
	} else {
		f.port = -1
	}
}

// load reads the configuration and applies flag overrides.
func (f *nodeFlags) load() (*config.Config, *slog.Logger, error) {
	var cfg *config.Config
	var err error
	if f.config != "" {
		cfg, err = config.LoadFile(f.config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if f.port >= 0 {
		cfg.Node.Port = f.port
		// A one-shot client must not tie up the configured metrics port.
		cfg.Metrics.Address = ""
		cfg.Discovery.EtcdEndpoints = nil
	}
	if f.level != "" {
		cfg.Logging.Level = f.level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// start loads the configuration and starts a node. The caller stops it.
func (f *nodeFlags) start(ctx context.Context) (*node.Runtime, *config.Config, error) {
	cfg, logger, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	runtime, err := node.New(cfg, node.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	if err := runtime.Start(ctx); err != nil {
		return nil, nil, err
	}
	return runtime, cfg, nil
}
