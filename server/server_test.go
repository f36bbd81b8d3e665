// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/cmdd/lib/config"
	"github.com/bureau-foundation/cmdd/lib/testutil"
	"github.com/bureau-foundation/cmdd/wire"
)

// testLogger discards output; failures surface through the protocol,
// not the daemon log.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer runs a daemon on an ephemeral port and returns it
// with its dial address. The server is shut down and drained when the
// test finishes.
func startTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string) {
	t.Helper()

	cfg := config.Default()
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	server, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down within 5s")
		}
	})

	return server, server.Addr().String()
}

// dialSession connects and sends a handshake. The connection is
// closed when the test finishes.
func dialSession(t *testing.T, addr string, handshake wire.Handshake) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })

	frame, err := wire.NewHandshakeFrame(handshake)
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := wire.WriteFrame(conn, frame); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	return conn
}

// readFrame reads one frame under a deadline so a hung server fails
// the test rather than the whole run.
func readFrame(t *testing.T, conn net.Conn) (wire.Frame, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return wire.ReadFrame(conn)
}

// readUntilContains accumulates data-frame payloads until want
// appears in them.
func readUntilContains(t *testing.T, conn net.Conn, want string) string {
	t.Helper()
	var output bytes.Buffer
	for !strings.Contains(output.String(), want) {
		frame, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("stream ended before %q appeared: %v (collected %q)", want, err, output.String())
		}
		switch frame.Type {
		case wire.FrameTypeData:
			output.Write(frame.Payload)
		case wire.FrameTypeError:
			t.Fatalf("error frame while waiting for %q: %s", want, frame.Payload)
		case wire.FrameTypeExit:
			t.Fatalf("session ended before %q appeared (collected %q)", want, output.String())
		}
	}
	return output.String()
}

// collectUntilExit accumulates data frames until the server's final
// exit frame arrives.
func collectUntilExit(t *testing.T, conn net.Conn) string {
	t.Helper()
	var output bytes.Buffer
	for {
		frame, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("stream ended without an exit frame: %v (collected %q)", err, output.String())
		}
		switch frame.Type {
		case wire.FrameTypeData:
			output.Write(frame.Payload)
		case wire.FrameTypeError:
			t.Fatalf("unexpected error frame: %s", frame.Payload)
		case wire.FrameTypeExit:
			return output.String()
		}
	}
}

// expectErrorFrame asserts that the next meaningful frame is an error
// frame with exactly the given text.
func expectErrorFrame(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	frame, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("reading expected error frame: %v", err)
	}
	if frame.Type != wire.FrameTypeError {
		t.Fatalf("frame type = %#x, want error frame", frame.Type)
	}
	if got := string(frame.Payload); got != want {
		t.Fatalf("error text = %q, want %q", got, want)
	}
}

// waitFor polls a condition for up to 5 seconds.
func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestEndToEndEcho(t *testing.T) {
	t.Parallel()
	_, addr := startTestServer(t, nil)

	conn := dialSession(t, addr, wire.Handshake{
		Rows: 24, Cols: 80,
		Command: wire.ExecCommand([]string{"echo", "hello"}),
	})

	output := collectUntilExit(t, conn)
	if !strings.Contains(output, "hello") {
		t.Errorf("output = %q, want it to contain %q", output, "hello")
	}

	// After the exit frame the server closes the socket.
	if _, err := readFrame(t, conn); err == nil {
		t.Error("expected stream end after exit frame")
	}
}

func TestShellLineCommand(t *testing.T) {
	t.Parallel()
	_, addr := startTestServer(t, nil)

	conn := dialSession(t, addr, wire.Handshake{
		Command: wire.ShellLineCommand("echo first && echo second"),
	})

	output := collectUntilExit(t, conn)
	for _, want := range []string{"first", "second"} {
		if !strings.Contains(output, want) {
			t.Errorf("output = %q, want it to contain %q", output, want)
		}
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		presented  string
		wantError  string
	}{
		{"no token configured, none presented", "", "", ""},
		{"no token configured, token presented", "", "whatever", ""},
		{"token match", "secret", "secret", ""},
		{"token mismatch", "secret", "wrong", "unauthorized"},
		{"token missing", "secret", "", "unauthorized"},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, addr := startTestServer(t, func(cfg *config.Config) {
				cfg.Auth.Token = test.configured
			})

			conn := dialSession(t, addr, wire.Handshake{
				Token:   test.presented,
				Command: wire.ExecCommand([]string{"true"}),
			})

			if test.wantError != "" {
				expectErrorFrame(t, conn, test.wantError)
				return
			}
			// Accepted: the session runs to completion and the server
			// signs off with an exit frame, never an error frame.
			collectUntilExit(t, conn)
		})
	}
}

func TestHandshakeWrongFrameType(t *testing.T) {
	t.Parallel()
	_, addr := startTestServer(t, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.NewDataFrame([]byte("hi"))); err != nil {
		t.Fatalf("send data frame: %v", err)
	}
	expectErrorFrame(t, conn, "expected handshake frame")
}

func TestHandshakeBadJSON(t *testing.T) {
	t.Parallel()
	_, addr := startTestServer(t, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := wire.Frame{Type: wire.FrameTypeHandshake, Payload: []byte("{not json")}
	if err := wire.WriteFrame(conn, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	expectErrorFrame(t, conn, "invalid handshake json")
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	server, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	server.handshakeTimeout = 100 * time.Millisecond
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()
	defer func() {
		cancel()
		<-served
	}()

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Send nothing: the server must give up on its own and say why.
	expectErrorFrame(t, conn, "handshake timeout")
}

func TestResizeAppliesAndSurvivesMalformed(t *testing.T) {
	t.Parallel()
	server, addr := startTestServer(t, nil)

	conn := dialSession(t, addr, wire.Handshake{
		Command: wire.ExecCommand([]string{"cat"}),
	})

	if err := wire.WriteFrame(conn, wire.NewResizeFrame(40, 120)); err != nil {
		t.Fatalf("send resize: %v", err)
	}
	waitFor(t, func() bool {
		for _, info := range server.Registry().Snapshot() {
			if info.Rows == 40 && info.Columns == 120 {
				return true
			}
		}
		return false
	}, "resize to 40x120 never reached the session")

	// A wrong-length resize payload is dropped without killing the
	// connection.
	malformed := wire.Frame{Type: wire.FrameTypeResize, Payload: []byte{0, 1, 2}}
	if err := wire.WriteFrame(conn, malformed); err != nil {
		t.Fatalf("send malformed resize: %v", err)
	}
	if err := wire.WriteFrame(conn, wire.NewDataFrame([]byte("alive\n"))); err != nil {
		t.Fatalf("send data: %v", err)
	}
	readUntilContains(t, conn, "alive")

	if err := wire.WriteFrame(conn, wire.NewExitFrame()); err != nil {
		t.Fatalf("send exit: %v", err)
	}
	collectUntilExit(t, conn)
}

func TestExitFrameEndsSession(t *testing.T) {
	t.Parallel()
	server, addr := startTestServer(t, nil)

	conn := dialSession(t, addr, wire.Handshake{
		Command: wire.ExecCommand([]string{"cat"}),
	})
	waitFor(t, func() bool { return server.Registry().Count() == 1 },
		"session never registered")

	if err := wire.WriteFrame(conn, wire.NewExitFrame()); err != nil {
		t.Fatalf("send exit: %v", err)
	}
	collectUntilExit(t, conn)

	waitFor(t, func() bool { return server.Registry().Count() == 0 },
		"session not removed from registry after exit")
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	t.Parallel()
	_, addr := startTestServer(t, nil)

	conn := dialSession(t, addr, wire.Handshake{
		Command: wire.ExecCommand([]string{"cat"}),
	})

	unknown := wire.Frame{Type: 0x7E, Payload: []byte("future extension")}
	if err := wire.WriteFrame(conn, unknown); err != nil {
		t.Fatalf("send unknown frame: %v", err)
	}
	if err := wire.WriteFrame(conn, wire.NewDataFrame([]byte("still-here\n"))); err != nil {
		t.Fatalf("send data: %v", err)
	}
	readUntilContains(t, conn, "still-here")

	if err := wire.WriteFrame(conn, wire.NewExitFrame()); err != nil {
		t.Fatalf("send exit: %v", err)
	}
	collectUntilExit(t, conn)
}

func TestTwoConnectionIsolation(t *testing.T) {
	t.Parallel()
	server, addr := startTestServer(t, nil)

	first := dialSession(t, addr, wire.Handshake{
		Command: wire.ExecCommand([]string{"cat"}),
	})
	second := dialSession(t, addr, wire.Handshake{
		Command: wire.ExecCommand([]string{"cat"}),
	})
	waitFor(t, func() bool { return server.Registry().Count() == 2 },
		"both sessions never registered")

	if err := wire.WriteFrame(first, wire.NewDataFrame([]byte("alpha-marker\n"))); err != nil {
		t.Fatalf("write to first: %v", err)
	}
	if err := wire.WriteFrame(second, wire.NewDataFrame([]byte("beta-marker\n"))); err != nil {
		t.Fatalf("write to second: %v", err)
	}

	firstOutput := readUntilContains(t, first, "alpha-marker")
	secondOutput := readUntilContains(t, second, "beta-marker")
	if strings.Contains(firstOutput, "beta-marker") {
		t.Error("first connection saw the second connection's bytes")
	}
	if strings.Contains(secondOutput, "alpha-marker") {
		t.Error("second connection saw the first connection's bytes")
	}

	// Ending one session leaves the other fully functional.
	if err := wire.WriteFrame(first, wire.NewExitFrame()); err != nil {
		t.Fatalf("send exit to first: %v", err)
	}
	collectUntilExit(t, first)

	if err := wire.WriteFrame(second, wire.NewDataFrame([]byte("beta-still-up\n"))); err != nil {
		t.Fatalf("write to surviving session: %v", err)
	}
	readUntilContains(t, second, "beta-still-up")

	if err := wire.WriteFrame(second, wire.NewExitFrame()); err != nil {
		t.Fatalf("send exit to second: %v", err)
	}
	collectUntilExit(t, second)
}

func TestSessionStartFailure(t *testing.T) {
	t.Parallel()
	_, addr := startTestServer(t, nil)

	conn := dialSession(t, addr, wire.Handshake{
		Command: wire.ExecCommand([]string{"/nonexistent/cmdd-test-binary"}),
	})

	frame, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("reading expected error frame: %v", err)
	}
	if frame.Type != wire.FrameTypeError {
		t.Fatalf("frame type = %#x, want error frame", frame.Type)
	}
	if !strings.Contains(string(frame.Payload), "spawn") {
		t.Errorf("error text = %q, want it to name the spawn failure", frame.Payload)
	}
}

func TestClientDisconnectTearsDownSession(t *testing.T) {
	t.Parallel()
	server, addr := startTestServer(t, nil)

	conn := dialSession(t, addr, wire.Handshake{
		Command: wire.ExecCommand([]string{"cat"}),
	})
	waitFor(t, func() bool { return server.Registry().Count() == 1 },
		"session never registered")

	// Drop the connection without an exit frame, as a crashed client
	// would.
	conn.Close()

	waitFor(t, func() bool { return server.Registry().Count() == 0 },
		"session not torn down after client disconnect")
}

func TestShutdownEndsLiveSessions(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	server, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	conn := dialSession(t, server.Addr().String(), wire.Handshake{
		Command: wire.ExecCommand([]string{"cat"}),
	})
	waitFor(t, func() bool { return server.Registry().Count() == 1 },
		"session never registered")

	cancel()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve return after context cancellation"); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	// The client side observes the teardown: an exit frame or the
	// closed socket, never a hang.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			break
		}
		if frame.Type == wire.FrameTypeExit {
			break
		}
	}
	if server.Registry().Count() != 0 {
		t.Errorf("registry count = %d after shutdown, want 0", server.Registry().Count())
	}
}

func TestTranscriptRecordsSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	cfg.Transcript.Dir = dir
	cfg.Transcript.Compression = "zstd"
	server, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	conn := dialSession(t, server.Addr().String(), wire.Handshake{
		Command: wire.ExecCommand([]string{"echo", "transcript-marker"}),
	})
	collectUntilExit(t, conn)

	// Shutdown flushes and closes the transcript.
	cancel()
	testutil.RequireReceive(t, served, 5*time.Second, "server shutdown")

	matches, err := filepath.Glob(filepath.Join(dir, "ses-*.transcript.zst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("transcript files = %v, want exactly one", matches)
	}
	recorded, err := ReadTranscript(matches[0])
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if !strings.Contains(string(recorded), "transcript-marker") {
		t.Errorf("transcript = %q, want it to contain the session output", recorded)
	}
}
