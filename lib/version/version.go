// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags -X.
var (
	Version   = "0.1.0-dev"
	Commit    = ""
	BuildTime = ""
	Dirty     = ""
)

// Info is the one-line form printed by "nodemesh version".
func Info() string {
	commit, built, dirty := buildSettings()
	if commit == "" {
		commit = "unknown"
	}
	if dirty {
		commit += "-dirty"
	}
	if built == "" {
		return fmt.Sprintf("%s (%s)", Version, commit)
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, built)
}

// Full adds the Go version and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  go: %s\n  platform: %s/%s", Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func buildSettings() (commit, built string, dirty bool) {
	commit, built, dirty = Commit, BuildTime, Dirty == "true"
	if commit != "" {
		return commit, built, dirty
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", built, dirty
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case "vcs.time":
			if built == "" {
				built = setting.Value
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return commit, built, dirty
}
