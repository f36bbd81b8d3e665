// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/bureau-foundation/cmdd/wire"
)

// State is a session lifecycle phase. Transitions only move forward:
// Created → Active → Closing → Closed.
type State int32

const (
	// StateCreated: child spawned, PTY allocated, initial size applied.
	StateCreated State = iota
	// StateActive: the connection handler is pumping I/O.
	StateActive
	// StateClosing: teardown has begun; I/O paths are shutting down.
	StateClosing
	// StateClosed: teardown finished. The session must not be reused.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a new session.
type Options struct {
	// Command is the parsed handshake command spec.
	Command wire.CommandSpec

	// ShellOverride is the daemon's configured shell path, consulted
	// for interactive sessions before $SHELL.
	ShellOverride string

	// Rows and Columns are the initial PTY dimensions. Callers pass
	// the handshake values after defaulting (see wire.Handshake).
	Rows    int
	Columns int

	// RemoteAddr identifies the owning connection for logs and the
	// session registry.
	RemoteAddr string

	// ScrollbackSize is the ring buffer capacity in bytes. Zero means
	// DefaultScrollbackSize.
	ScrollbackSize int

	// Logger receives session lifecycle events. Nil means slog.Default.
	Logger *slog.Logger
}

// Session is a child process attached to a PTY master, owned by one
// connection. Read and Write operate on the master descriptor; Resize
// changes the window size; Close tears everything down exactly once.
//
// Read and Write are each called from a single goroutine (the two pump
// directions of the owning handler), never concurrently with
// themselves. Resize and Close may race with the pumps and with each
// other; both are safe.
type Session struct {
	// ID is the unique session identifier (e.g. "ses-9f3ac80d12e4").
	ID string

	argv       []string
	cmd        *exec.Cmd
	ptmx       *os.File
	ring       *RingBuffer
	startedAt  time.Time
	remoteAddr string
	logger     *slog.Logger

	state atomic.Int32

	rows    atomic.Uint32
	columns atomic.Uint32

	bytesIn  atomic.Uint64 // client → PTY
	bytesOut atomic.Uint64 // PTY → client

	closeOnce sync.Once
	// exited is closed by the reaper goroutine once the child has been
	// collected. exitCode is valid only after exited is closed.
	exited   chan struct{}
	exitCode atomic.Int32
}

// Start resolves the command, spawns it on a new PTY with the given
// initial window size, and returns the session in StateCreated. The
// child is reaped by a detached goroutine, so callers never wait on it.
func Start(options Options) (*Session, error) {
	argv := ResolveCommand(options.Command, options.ShellOverride)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = childEnv()

	rows, columns := options.Rows, options.Columns
	if rows <= 0 {
		rows = wire.DefaultRows
	}
	if columns <= 0 {
		columns = wire.DefaultColumns
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: clampDimension(rows),
		Cols: clampDimension(columns),
	})
	if err != nil {
		return nil, fmt.Errorf("spawn %s on PTY: %w", argv[0], err)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scrollback := options.ScrollbackSize
	if scrollback <= 0 {
		scrollback = DefaultScrollbackSize
	}

	session := &Session{
		argv:       argv,
		cmd:        cmd,
		ptmx:       ptmx,
		ring:       NewRingBuffer(scrollback),
		startedAt:  time.Now(),
		remoteAddr: options.RemoteAddr,
		exited:     make(chan struct{}),
	}
	session.ID = newSessionID(options.RemoteAddr, session.startedAt, argv)
	session.logger = logger.With("session", session.ID)
	session.rows.Store(uint32(rows))
	session.columns.Store(uint32(columns))
	session.state.Store(int32(StateCreated))

	// Detached reaper: collects the child's exit status so no zombie
	// is left, whether the session ends via Close or child exit.
	go func() {
		err := cmd.Wait()
		session.exitCode.Store(int32(exitCodeFrom(err)))
		close(session.exited)
	}()

	session.logger.Info("session started",
		"command", strings.Join(argv, " "),
		"rows", rows,
		"columns", columns,
		"remote", options.RemoteAddr)

	return session, nil
}

// Activate marks the session active. Called by the handler when it
// begins pumping I/O.
func (s *Session) Activate() {
	s.state.CompareAndSwap(int32(StateCreated), int32(StateActive))
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Read yields child output from the PTY master. On Linux the master
// returns EIO once the child side is gone; that and a close during
// teardown both surface as io.EOF so the handler sees one uniform
// end-of-session signal.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.ptmx.Read(p)
	if n > 0 {
		s.ring.Write(p[:n])
		s.bytesOut.Add(uint64(n))
	}
	if err != nil && isSessionEnd(err) {
		return n, io.EOF
	}
	return n, err
}

// Write forwards client bytes to the PTY master (child stdin).
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.ptmx.Write(p)
	if n > 0 {
		s.bytesIn.Add(uint64(n))
	}
	return n, err
}

// Resize applies a new window size to the PTY. The kernel delivers
// SIGWINCH to the child's foreground process group. Dimensions beyond
// the kernel's uint16 window field are clamped rather than rejected.
func (s *Session) Resize(rows, columns uint32) error {
	if err := pty.Setsize(s.ptmx, &pty.Winsize{
		Rows: clampDimension(int(rows)),
		Cols: clampDimension(int(columns)),
	}); err != nil {
		return fmt.Errorf("resize PTY to %dx%d: %w", rows, columns, err)
	}
	s.rows.Store(rows)
	s.columns.Store(columns)
	return nil
}

// Close tears the session down: close the PTY master (unblocking any
// in-flight Read), then SIGHUP the child. Close never waits for the
// child; the reaper goroutine collects it. Safe to call from any
// goroutine, any number of times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		closeErr := s.ptmx.Close()

		// SIGHUP is what a terminal hangup delivers; well-behaved
		// shells exit on it. The signal is best-effort: the child may
		// already be gone.
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGHUP)
		}

		s.state.Store(int32(StateClosed))
		s.logger.Info("session closed",
			"bytes_in", s.bytesIn.Load(),
			"bytes_out", s.bytesOut.Load(),
			"err", closeErr)
	})
	return nil
}

// Exited is closed once the child has been reaped. After that,
// ExitCode reports how it ended.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// ExitCode returns the child's exit code, or -1 if it was killed by a
// signal. Valid only after Exited is closed.
func (s *Session) ExitCode() int {
	return int(s.exitCode.Load())
}

// Scrollback returns up to maxBytes of the most recent child output.
func (s *Session) Scrollback(maxBytes int) []byte {
	return s.ring.Tail(maxBytes)
}

// Info captures a point-in-time snapshot for the control socket and
// cmdsh sessions output.
func (s *Session) Info() Info {
	return Info{
		ID:         s.ID,
		Command:    strings.Join(s.argv, " "),
		RemoteAddr: s.remoteAddr,
		StartedAt:  s.startedAt,
		State:      s.State().String(),
		Rows:       s.rows.Load(),
		Columns:    s.columns.Load(),
		BytesIn:    s.bytesIn.Load(),
		BytesOut:   s.bytesOut.Load(),
	}
}

// isSessionEnd reports whether a PTY master read error means the
// session is over rather than something actionable: EIO after child
// exit, or the descriptor closed mid-read by teardown.
func isSessionEnd(err error) bool {
	if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		return true
	}
	return errors.Is(err, io.EOF)
}

// exitCodeFrom extracts the child's exit code from cmd.Wait's error.
// Signal deaths (including the SIGHUP we send ourselves) report -1.
func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// clampDimension narrows a window dimension to the kernel's uint16
// winsize field.
func clampDimension(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}
