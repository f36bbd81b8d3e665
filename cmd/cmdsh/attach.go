// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cmdd/bridge"
	"github.com/bureau-foundation/cmdd/cmd/cmdsh/cli"
	"github.com/bureau-foundation/cmdd/wire"
)

type attachParams struct {
	Host           string        `flag:"host" desc:"daemon host ($CMDD_HOST, default 127.0.0.1)"`
	Port           int           `flag:"port" desc:"daemon port ($CMDD_PORT, default 7070)"`
	Token          string        `flag:"token" desc:"authentication token ($CMDD_TOKEN)"`
	ShellLine      string        `flag:"sh" desc:"run a shell command line instead of an interactive shell"`
	ConnectTimeout time.Duration `flag:"connect-timeout" default:"5s" desc:"TCP connect timeout"`
}

func attachCommand() *cli.Command {
	var params attachParams

	return &cli.Command{
		Name:    "attach",
		Summary: "Attach the local terminal to a remote shell",
		Description: `Attach the local terminal to a shell or command running under a cmdd
daemon.

With no trailing command, the daemon spawns its configured login
shell. A trailing command (after --) is executed verbatim, without
shell interpretation. Use --sh to run a command line through the
remote shell instead, with pipes and expansions intact.

While attached, the local terminal is in raw mode: every keystroke
goes to the remote process, and window resizes follow. The session
ends when the remote process exits, the connection drops, or the
client is interrupted.`,
		Usage: "cmdsh attach [flags] [-- command [args...]]",
		Examples: []cli.Example{
			{
				Description: "Interactive login shell",
				Command:     "cmdsh attach --host build1",
			},
			{
				Description: "Run a program with arguments, no shell in between",
				Command:     "cmdsh attach --host build1 -- tail -f /var/log/syslog",
			},
			{
				Description: "Run a pipeline through the remote shell",
				Command:     "cmdsh attach --host build1 --sh 'dmesg | tail -20'",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("attach", &params)
		},
		Run: func(args []string) error {
			return runAttach(params, args)
		},
	}
}

func runAttach(params attachParams, args []string) error {
	host := params.Host
	if host == "" {
		host = envDefault("CMDD_HOST", "127.0.0.1")
	}
	port := params.Port
	if port == 0 {
		var err error
		port, err = envIntDefault("CMDD_PORT", 7070)
		if err != nil {
			return fmt.Errorf("CMDD_PORT: %w", err)
		}
	}
	token := params.Token
	if token == "" {
		token = os.Getenv("CMDD_TOKEN")
	}

	command, err := remoteCommand(params.ShellLine, args)
	if err != nil {
		return err
	}

	rows, columns := bridge.TerminalSize(os.Stdin)

	session, err := bridge.Connect(bridge.Options{
		Addr:           net.JoinHostPort(host, strconv.Itoa(port)),
		Token:          token,
		Command:        command,
		Rows:           rows,
		Columns:        columns,
		ConnectTimeout: params.ConnectTimeout,
		Logger:         cli.NewCommandLogger().With("command", "attach"),
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Run(os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, bridge.ErrInterrupted) {
			// Match what a local shell reports for SIGINT. The
			// terminal is already restored and the error already
			// told its story through the session output.
			return &cli.ExitError{Code: 130}
		}
		return err
	}
	return nil
}

// remoteCommand maps the --sh flag and trailing arguments onto the
// handshake command. Trailing arguments are an exec argv, passed to
// the daemon verbatim with no shell in between; --sh sends a single
// command line for the remote shell to interpret. Neither means an
// interactive login shell.
func remoteCommand(shellLine string, args []string) (wire.CommandSpec, error) {
	switch {
	case shellLine != "" && len(args) > 0:
		return wire.CommandSpec{}, fmt.Errorf("--sh and a trailing command are mutually exclusive")
	case shellLine != "":
		return wire.ShellLineCommand(shellLine), nil
	case len(args) > 0:
		return wire.ExecCommand(args), nil
	default:
		return wire.CommandSpec{}, nil
	}
}

// envDefault returns the environment variable's value, or fallback
// when it is unset or empty.
func envDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envIntDefault returns the environment variable parsed as an
// integer, or fallback when it is unset or empty.
func envIntDefault(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", value, err)
	}
	return parsed, nil
}
