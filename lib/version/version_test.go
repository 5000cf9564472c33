// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoUsesStampedValues(t *testing.T) {
	saved := [...]string{Version, Commit, BuildTime, Dirty}
	t.Cleanup(func() { Version, Commit, BuildTime, Dirty = saved[0], saved[1], saved[2], saved[3] })

	Version, Commit, BuildTime, Dirty = "1.2.3", "abc1234", "2026-10-01T00:00:00Z", "true"
	if got, want := Info(), "1.2.3 (abc1234-dirty, 2026-10-01T00:00:00Z)"; got != want {
		t.Fatalf("Info() = %q, want %q", got, want)
	}
	if full := Full(); !strings.HasPrefix(full, "1.2.3 (abc1234-dirty") || !strings.Contains(full, "go: go") {
		t.Fatalf("Full() = %q", full)
	}
}
