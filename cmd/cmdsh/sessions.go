// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cmdd/cmd/cmdsh/cli"
	"github.com/bureau-foundation/cmdd/server"
)

// controlCallTimeout bounds one control-socket round trip. The daemon
// answers from in-memory state, so anything slower than this is a
// wedged daemon, not a slow query.
const controlCallTimeout = 10 * time.Second

type sessionsParams struct {
	cli.JSONOutput
	Socket   string `flag:"socket" desc:"daemon control socket path ($CMDD_CONTROL_SOCKET)"`
	Peek     string `flag:"peek" desc:"dump recent output of the given session instead of listing"`
	MaxBytes int    `flag:"max-bytes" desc:"maximum bytes to fetch with --peek (0 uses the daemon default)"`
	Stats    bool   `flag:"stats" desc:"show daemon counters instead of the session list"`
}

func sessionsCommand() *cli.Command {
	var params sessionsParams

	return &cli.Command{
		Name:    "sessions",
		Summary: "List a local daemon's live sessions",
		Description: `Query a cmdd daemon's control socket.

By default, lists the daemon's live sessions. --stats shows daemon
counters instead; --peek dumps a snapshot of one session's recent
output to stdout.

The control socket is local to the daemon's machine and must be
enabled in the daemon's configuration.`,
		Usage: "cmdsh sessions [flags]",
		Examples: []cli.Example{
			{
				Description: "List live sessions",
				Command:     "cmdsh sessions --socket /run/cmdd/control.sock",
			},
			{
				Description: "Daemon counters as JSON",
				Command:     "cmdsh sessions --socket /run/cmdd/control.sock --stats --json",
			},
			{
				Description: "Peek at what a session is printing",
				Command:     "cmdsh sessions --socket /run/cmdd/control.sock --peek 6c55e1a2f3d44b09",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("sessions", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			return runSessions(params)
		},
	}
}

func runSessions(params sessionsParams) error {
	socket := params.Socket
	if socket == "" {
		socket = os.Getenv("CMDD_CONTROL_SOCKET")
	}
	if socket == "" {
		return fmt.Errorf("control socket path required (--socket or CMDD_CONTROL_SOCKET)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
	defer cancel()

	client := server.NewControlClient(socket)

	switch {
	case params.Peek != "":
		return runPeek(ctx, client, params)
	case params.Stats:
		return runStats(ctx, client, params)
	default:
		return runList(ctx, client, params)
	}
}

func runList(ctx context.Context, client *server.ControlClient, params sessionsParams) error {
	sessions, err := client.Sessions(ctx)
	if err != nil {
		return err
	}

	if done, err := params.EmitJSON(sessions); done {
		return err
	}

	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "no active sessions")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATE\tCOMMAND\tREMOTE\tSIZE\tAGE\tIN\tOUT")
	for _, info := range sessions {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%dx%d\t%s\t%s\t%s\n",
			info.ID, info.State, info.Command, info.RemoteAddr,
			info.Columns, info.Rows,
			formatAge(time.Since(info.StartedAt)),
			formatByteCount(info.BytesIn), formatByteCount(info.BytesOut))
	}
	writer.Flush()

	return nil
}

func runStats(ctx context.Context, client *server.ControlClient, params sessionsParams) error {
	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}

	if done, err := params.EmitJSON(stats); done {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "started\t%s\n", stats.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(writer, "uptime\t%s\n", formatAge(time.Duration(stats.UptimeSeconds)*time.Second))
	fmt.Fprintf(writer, "active sessions\t%d\n", stats.SessionsActive)
	fmt.Fprintf(writer, "total sessions\t%d\n", stats.SessionsTotal)
	fmt.Fprintf(writer, "total connections\t%d\n", stats.ConnectionsTotal)
	fmt.Fprintf(writer, "handshake failures\t%d\n", stats.HandshakeFailures)
	writer.Flush()

	return nil
}

func runPeek(ctx context.Context, client *server.ControlClient, params sessionsParams) error {
	result, err := client.Peek(ctx, params.Peek, params.MaxBytes)
	if err != nil {
		return err
	}

	if done, err := params.EmitJSON(result); done {
		return err
	}

	// Raw bytes, exactly as the session printed them. The snapshot
	// may hold escape sequences; piping through less -R or col is the
	// caller's business.
	_, err = os.Stdout.Write(result.Data)
	return err
}

// formatAge renders a duration in coarse human units. Sub-second ages
// round up to 1s so a brand-new session never shows an empty age.
func formatAge(age time.Duration) string {
	if age < time.Second {
		return "1s"
	}
	age = age.Round(time.Second)
	if age >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(age.Hours()), int(age.Minutes())%60)
	}
	if age >= time.Minute {
		return fmt.Sprintf("%dm%ds", int(age.Minutes()), int(age.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(age.Seconds()))
}

// formatByteCount formats a byte counter for display, using K/M
// suffixes for large values.
func formatByteCount(count uint64) string {
	switch {
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(count)/1_000_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fK", float64(count)/1_000)
	default:
		return fmt.Sprintf("%d", count)
	}
}
