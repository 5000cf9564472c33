// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// maxSuggestDistance is the largest edit distance still worth
// suggesting.
const maxSuggestDistance = 3

// suggestCommand returns the quoted name of the subcommand closest to
// typed, or "".
func suggestCommand(typed string, commands []*Command) string {
	names := make([]string, len(commands))
	for i, command := range commands {
		names[i] = command.Name
	}
	if best := closest(typed, names); best != "" {
		return strconv.Quote(best)
	}
	return ""
}

// suggestFlag finds the first flag in args that flags does not define
// and returns the closest defined flag with its dashes, or "".
func suggestFlag(args []string, flags *pflag.FlagSet) string {
	var defined []string
	flags.VisitAll(func(f *pflag.Flag) { defined = append(defined, f.Name) })

	for _, arg := range args {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if flags.Lookup(name) != nil || (len(name) == 1 && flags.ShorthandLookup(name) != nil) {
			continue
		}
		best := closest(name, defined)
		if best == "" {
			return ""
		}
		return "--" + best
	}
	return ""
}

func closest(typed string, candidates []string) string {
	best, bestDistance := "", maxSuggestDistance+1
	for _, candidate := range candidates {
		if d := editDistance(typed, candidate); d < bestDistance {
			best, bestDistance = candidate, d
		}
	}
	return best
}

// editDistance is the Levenshtein distance between a and b, in bytes.
func editDistance(a, b string) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		diagonal := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			above := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = min(above+1, row[j-1]+1, diagonal+cost)
			diagonal = above
		}
	}
	return row[len(b)]
}
