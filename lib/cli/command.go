// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// ErrUsage is wrapped by errors that come from bad command lines
// rather than from running a command.
var ErrUsage = errors.New("usage error")

// Command is one node of the command tree.
type Command struct {
	// Name as typed, e.g. "emergency".
	Name string

	// Summary is the one-line entry in the parent's command list.
	Summary string

	// Description is the body of this command's own help.
	Description string

	// Usage overrides the synthesized usage line.
	Usage string

	Examples []Example

	// Flags builds the command's flag set. It is called once per
	// parse, so the returned set may bind to fresh variables.
	Flags func() *pflag.FlagSet

	Subcommands []*Command

	// Run receives the positional arguments left after flag parsing.
	// When Subcommands are also set, Run handles arguments that name
	// no subcommand.
	Run func(ctx context.Context, args []string) error

	// Output receives help text. Subcommands inherit it from their
	// parent; the root defaults to stderr.
	Output io.Writer

	parent *Command
}

// Example is one entry of the help's Examples section.
type Example struct {
	Description string
	Command     string
}

// Execute dispatches args through the tree and runs the selected
// command with ctx.
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) > 0 && isHelp(args[0]) {
		c.PrintHelp(c.output())
		return nil
	}

	if len(c.Subcommands) > 0 && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if sub := c.find(args[0]); sub != nil {
			sub.parent = c
			return sub.Execute(ctx, args[1:])
		}
		if c.Run == nil {
			return c.usageError("unknown command %q%s", args[0], hint(suggestCommand(args[0], c.Subcommands)))
		}
	}

	if c.Run == nil {
		c.PrintHelp(c.output())
		if len(args) == 0 {
			return c.usageError("a command is required")
		}
		return c.usageError("a command is required, got flag %q", args[0])
	}

	if c.Flags != nil {
		flags := c.Flags()
		flags.SetOutput(io.Discard)
		if err := flags.Parse(args); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				c.PrintHelp(c.output())
				return nil
			}
			message := err.Error()
			if strings.Contains(message, "unknown") {
				message += hint(suggestFlag(args, c.Flags()))
			}
			return c.usageError("%s", message)
		}
		args = flags.Args()
	}
	return c.Run(ctx, args)
}

// PrintHelp writes the command's help to w.
func (c *Command) PrintHelp(w io.Writer) {
	path := c.Path()
	switch {
	case c.Description != "":
		fmt.Fprintf(w, "%s\n\n", strings.TrimSpace(c.Description))
	case c.Summary != "":
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	usage := c.Usage
	if usage == "" {
		usage = path + " [flags]"
		if len(c.Subcommands) > 0 {
			usage = path + " <command> [flags]"
		}
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", usage)

	if len(c.Subcommands) > 0 {
		fmt.Fprintln(w, "\nCommands:")
		table := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(table, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		table.Flush()
	}

	if c.Flags != nil {
		if defaults := c.Flags().FlagUsages(); defaults != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", defaults)
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintln(w, "\nExamples:")
		for _, example := range c.Examples {
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n", example.Command)
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for details on a command.\n", path)
	}
}

// Path is the command's full name, e.g. "nodemesh emergency".
func (c *Command) Path() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.Path() + " " + c.Name
}

func (c *Command) find(name string) *Command {
	for _, sub := range c.Subcommands {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

func (c *Command) output() io.Writer {
	for node := c; node != nil; node = node.parent {
		if node.Output != nil {
			return node.Output
		}
	}
	return os.Stderr
}

func (c *Command) usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s\n\nRun '%s --help' for usage", ErrUsage, fmt.Sprintf(format, args...), c.Path())
}

func hint(suggestion string) string {
	if suggestion == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean %s?)", suggestion)
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
