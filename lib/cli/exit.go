// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
)

// ExitError asks main to exit with Code without printing anything
// further. The command has already reported the outcome itself, for
// example an emergency that reached only some destinations.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit code %d", e.Code) }

// ExitCode maps err to a process exit status: 0 for nil, the code of
// an *ExitError, and 1 otherwise. silent reports whether the error
// has already been shown to the user.
func ExitCode(err error) (code int, silent bool) {
	if err == nil {
		return 0, true
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code, true
	}
	return 1, false
}
