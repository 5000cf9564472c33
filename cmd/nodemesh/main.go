// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Command nodemesh runs mesh nodes and talks to them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/obs-foundation/nodemesh/lib/cli"
)

func main() {
	err := run()
	code, silent := cli.ExitCode(err)
	if !silent {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root().Execute(ctx, os.Args[1:])
}
