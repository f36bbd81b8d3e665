// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements cmdsh, the terminal client for cmdd. It
// attaches the local terminal to a shell or command running under a
// remote daemon, and queries a local daemon's control socket for
// live-session information.
package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/cmdd/cmd/cmdsh/cli"
	"github.com/bureau-foundation/cmdd/lib/version"
)

func main() {
	if err := root().Execute(os.Args[1:]); err != nil {
		// Commands that already produced their own output (an
		// interrupted attach, for instance) return an error carrying
		// the desired exit code. Don't print a redundant "error:"
		// line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// root builds the cmdsh command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "cmdsh",
		Description: `cmdsh: remote terminal client for cmdd.

Attaches the local terminal to a shell or command spawned by a cmdd
daemon, with full terminal semantics: raw keystrokes, control
characters, and window resizes all pass through to the remote
pseudo-terminal.`,
		Subcommands: []*cli.Command{
			attachCommand(),
			sessionsCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("cmdsh %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Open an interactive login shell on a remote daemon",
				Command:     "cmdsh attach --host build1 --token $CMDD_TOKEN",
			},
			{
				Description: "Run a single program remotely",
				Command:     "cmdsh attach --host build1 -- htop",
			},
			{
				Description: "List the sessions of a local daemon",
				Command:     "cmdsh sessions --socket /run/cmdd/control.sock",
			},
		},
	}
}
