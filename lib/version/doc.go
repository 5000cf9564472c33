// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports what build of nodemesh is running.
//
// The variables are stamped at link time:
//
//	go build -ldflags "-X github.com/obs-foundation/nodemesh/lib/version.Commit=$(git rev-parse --short HEAD)"
//
// When a binary is built without -ldflags, Commit and BuildTime fall
// back to the VCS settings the Go toolchain embeds in the binary.
package version
