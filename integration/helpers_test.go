// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test exercises a daemon and client together over
// real TCP connections and real pseudo-terminals: the daemon listens
// on an ephemeral localhost port, the client bridges to it exactly as
// cmdsh attach does, and sessions spawn real processes. Everything
// runs in-process, so the tests need no prebuilt binaries, only a
// POSIX shell and coreutils.
package integration_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bureau-foundation/cmdd/bridge"
	"github.com/bureau-foundation/cmdd/lib/config"
	"github.com/bureau-foundation/cmdd/lib/testutil"
	"github.com/bureau-foundation/cmdd/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// os/signal starts a delivery goroutine on the first Notify
		// call that lives for the rest of the process.
		goleak.IgnoreTopFunction("os/signal.signal_recv"),
		// Session teardown signals the child but never waits for it;
		// the reaper for a child that is still dying can outlive the
		// test that spawned it.
		goleak.IgnoreAnyFunction("github.com/bureau-foundation/cmdd/session.Start.func1"),
	)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startDaemon runs a daemon on an ephemeral localhost port and returns
// it with its dial address. Shut down and drained via t.Cleanup.
func startDaemon(t *testing.T, mutate func(*config.Config)) (*server.Server, string) {
	t.Helper()

	cfg := config.Default()
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	cfg.Shell = "/bin/sh"
	if mutate != nil {
		mutate(cfg)
	}

	daemon, err := server.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := daemon.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- daemon.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("daemon did not shut down within 10s")
		}
	})

	return daemon, daemon.Addr().String()
}

// startControl serves the daemon's control socket from a short-path
// temporary directory and returns a client for it.
func startControl(t *testing.T, daemon *server.Server, socketPath string) *server.ControlClient {
	t.Helper()

	control := server.NewControlServer(socketPath, daemon)
	if err := control.Listen(); err != nil {
		t.Fatalf("control Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- control.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("control Serve returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("control socket did not shut down within 10s")
		}
	})

	return server.NewControlClient(socketPath)
}

// attachedSession is a client bridge running against a live daemon,
// with handles on its standard streams.
type attachedSession struct {
	stdinWriter *os.File
	output      bytes.Buffer
	errorOutput bytes.Buffer
	runErr      error
	runDone     chan struct{}
}

// attach connects a bridge session to addr and runs it in the
// background, the way cmdsh attach does with a piped stdin. The
// output buffers are safe to read only after waitRun returns: Run
// drains its pumps before returning.
func attach(t *testing.T, addr string, options bridge.Options) *attachedSession {
	t.Helper()

	stdinReader, stdinWriter, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}

	options.Addr = addr
	options.Logger = testLogger()
	session, err := bridge.Connect(options)
	if err != nil {
		stdinReader.Close()
		stdinWriter.Close()
		t.Fatalf("Connect: %v", err)
	}

	attached := &attachedSession{
		stdinWriter: stdinWriter,
		runDone:     make(chan struct{}),
	}
	go func() {
		defer close(attached.runDone)
		attached.runErr = session.Run(stdinReader, &attached.output, &attached.errorOutput)
	}()

	t.Cleanup(func() {
		stdinWriter.Close()
		select {
		case <-attached.runDone:
		case <-time.After(10 * time.Second):
			t.Error("bridge Run did not return within 10s")
		}
		session.Close()
		stdinReader.Close()
	})

	return attached
}

// waitRun blocks until the bridge session ends and returns Run's
// error.
func (a *attachedSession) waitRun(t *testing.T) error {
	t.Helper()
	testutil.RequireClosed(t, a.runDone, 10*time.Second, "bridge Run return")
	return a.runErr
}

// waitFor polls until check passes or the deadline expires.
func waitFor(t *testing.T, description string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
