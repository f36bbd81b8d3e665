// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package integration_test

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/cmdd/bridge"
	"github.com/bureau-foundation/cmdd/lib/config"
	"github.com/bureau-foundation/cmdd/wire"
)

// TestExecRoundTrip runs a one-shot program through the full stack:
// bridge handshake over TCP, PTY spawn, output pumped back as data
// frames, exit frame on child exit. The remote side ends the session,
// so every byte the child wrote is delivered before the exit frame.
func TestExecRoundTrip(t *testing.T) {
	_, addr := startDaemon(t, nil)

	attached := attach(t, addr, bridge.Options{
		Command: wire.ExecCommand([]string{"/bin/echo", "integration-exec-marker"}),
		Rows:    24,
		Columns: 80,
	})

	if err := attached.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := attached.output.String(); !strings.Contains(got, "integration-exec-marker") {
		t.Errorf("output missing marker: %q", got)
	}
	if got := attached.errorOutput.String(); got != "" {
		t.Errorf("unexpected error output: %q", got)
	}
}

// TestShellLineRoundTrip sends a single command line for the remote
// shell to interpret, the handshake's string-typed cmd variant.
func TestShellLineRoundTrip(t *testing.T) {
	_, addr := startDaemon(t, nil)

	attached := attach(t, addr, bridge.Options{
		Command: wire.ShellLineCommand("echo integration-shell-marker"),
		Rows:    24,
		Columns: 80,
	})

	if err := attached.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := attached.output.String(); !strings.Contains(got, "integration-shell-marker") {
		t.Errorf("output missing marker: %q", got)
	}
}

// TestInteractiveShell omits the command entirely, driving the
// daemon's configured shell through stdin like a person typing.
func TestInteractiveShell(t *testing.T) {
	_, addr := startDaemon(t, nil)

	attached := attach(t, addr, bridge.Options{
		Rows:    24,
		Columns: 80,
	})

	if _, err := attached.stdinWriter.WriteString("echo interactive-marker\nexit\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	if err := attached.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := attached.output.String(); !strings.Contains(got, "interactive-marker") {
		t.Errorf("output missing marker: %q", got)
	}
}

// TestWrongTokenRejected verifies the auth failure path end to end:
// the daemon answers a bad token with an error frame and closes, the
// bridge prints the reason to the error stream, and the session ends
// without an error return. Remote failures report through the
// terminal, not the client's exit status.
func TestWrongTokenRejected(t *testing.T) {
	_, addr := startDaemon(t, func(cfg *config.Config) {
		cfg.Auth.Token = "integration-secret"
	})

	attached := attach(t, addr, bridge.Options{
		Token:   "not-the-secret",
		Command: wire.ExecCommand([]string{"/bin/echo", "should-not-run"}),
		Rows:    24,
		Columns: 80,
	})

	if err := attached.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := attached.errorOutput.String(); !strings.Contains(got, "unauthorized") {
		t.Errorf("error output = %q, want it to contain %q", got, "unauthorized")
	}
	if got := attached.output.String(); got != "" {
		t.Errorf("output should be empty on rejection, got %q", got)
	}
}

// TestCorrectTokenAccepted is the matching happy path.
func TestCorrectTokenAccepted(t *testing.T) {
	_, addr := startDaemon(t, func(cfg *config.Config) {
		cfg.Auth.Token = "integration-secret"
	})

	attached := attach(t, addr, bridge.Options{
		Token:   "integration-secret",
		Command: wire.ExecCommand([]string{"/bin/echo", "authorized-marker"}),
		Rows:    24,
		Columns: 80,
	})

	if err := attached.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := attached.output.String(); !strings.Contains(got, "authorized-marker") {
		t.Errorf("output missing marker: %q", got)
	}
}
