// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is a small command tree on top of pflag.
//
// A [Command] either runs or dispatches to a subcommand named by its
// first positional argument. Unknown commands and flags are reported
// with the closest known name when one is within a few edits. Help is
// printed for -h, --help, and a bare "help" argument.
package cli
