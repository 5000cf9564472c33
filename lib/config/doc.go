// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads node configuration.
//
// Configuration comes from exactly one file, named by the
// NODEMESH_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no search path and no environment
// override of individual values, so the file alone says how a node
// behaves.
//
// YAML (.yaml, .yml) and JSON (.json, .jsonc) are both accepted; JSON
// files may carry comments and trailing commas. Unknown keys are an
// error in either format. Durations are written as Go duration
// strings ("1500ms") or as numbers of seconds (1.5).
//
// [Config.Validate] reports every problem at once as a
// [*ValidationError]. Names that are equal after case folding are
// rejected there, so a destination name never resolves ambiguously
// at runtime.
//
// db.path is expanded for ${HOME} and ${VAR:-default} references.
package config
