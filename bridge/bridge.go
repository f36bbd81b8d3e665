// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/bureau-foundation/cmdd/lib/netutil"
	"github.com/bureau-foundation/cmdd/wire"
)

const (
	// defaultConnectTimeout bounds the TCP dial when Options does not
	// specify one.
	defaultConnectTimeout = 5 * time.Second

	// exitFrameTimeout bounds the best-effort exit frame during
	// teardown so a dead peer cannot stall the client. The deadline
	// also fails any pump write already blocked on the connection,
	// releasing the frame writer's mutex.
	exitFrameTimeout = time.Second

	// inputBufferSize is the read chunk for the input pump. Matches
	// the server's PTY pump buffer.
	inputBufferSize = 4096
)

// ErrInterrupted reports that an interrupt signal ended the session.
// Callers map it to the conventional interrupt exit code; the
// terminal has already been restored when Run returns it.
var ErrInterrupted = errors.New("interrupted")

// Options configures Connect.
type Options struct {
	// Addr is the daemon address as host:port.
	Addr string

	// Token is the shared-secret authentication token carried in the
	// handshake. Empty omits the field.
	Token string

	// Command selects what the daemon runs on the PTY. The zero value
	// requests an interactive login shell.
	Command wire.CommandSpec

	// Rows and Columns are the local terminal dimensions announced in
	// the handshake. Non-positive values let the daemon apply its
	// defaults.
	Rows    int
	Columns int

	// ConnectTimeout bounds the TCP dial. Zero or negative selects
	// the default.
	ConnectTimeout time.Duration

	// Logger receives connection diagnostics. Nil selects
	// slog.Default().
	Logger *slog.Logger
}

// Session is a connected cmdd session ready to bridge. Connect
// creates it; Run consumes it. A session bridges exactly once.
type Session struct {
	conn   net.Conn
	writer *wire.Writer
	logger *slog.Logger
}

// Connect dials the daemon and sends the handshake frame. The
// returned session owns the connection until Run tears it down or
// Close abandons it.
func Connect(options Options) (*Session, error) {
	timeout := options.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	frame, err := wire.NewHandshakeFrame(wire.Handshake{
		Token:   options.Token,
		Rows:    options.Rows,
		Cols:    options.Columns,
		Command: options.Command,
	})
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", options.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", options.Addr, err)
	}
	writer := wire.NewWriter(conn)
	if err := writer.WriteFrame(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return &Session{
		conn:   conn,
		writer: writer,
		logger: logger.With("addr", options.Addr),
	}, nil
}

// Close releases the connection without bridging. Run performs its
// own teardown; Close is for abandoning a session when a setup step
// between Connect and Run fails.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run bridges the local streams and the remote PTY until the session
// ends. It returns nil when the daemon announces exit, the connection
// closes, or input reaches EOF; ErrInterrupted when an interrupt
// signal ended the session; any other error only when a terminal that
// should enter raw mode could not.
//
// When input is a terminal, Run switches it to raw mode for the whole
// session and watches SIGWINCH to forward size changes. The original
// terminal state is restored on every exit path before teardown
// touches the connection.
func (s *Session) Run(input *os.File, output, errorOutput io.Writer) error {
	inputFd := int(input.Fd())
	interactive := term.IsTerminal(inputFd)

	restoreTerminal := func() {}
	if interactive {
		previousState, err := term.MakeRaw(inputFd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		var restoreOnce sync.Once
		restoreTerminal = func() {
			restoreOnce.Do(func() {
				term.Restore(inputFd, previousState)
			})
		}
		defer restoreTerminal()
	}

	// First terminal condition wins: pumps and watchers all funnel
	// into done, and the single teardown below runs once it closes.
	done := make(chan struct{})
	var doneOnce sync.Once
	triggerDone := func() { doneOnce.Do(func() { close(done) }) }

	var interrupted atomic.Bool
	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, os.Interrupt, unix.SIGTERM)

	// waiters covers every goroutine teardown waits for. The input
	// pump stays out: a read blocked on an interactive terminal
	// cannot be unblocked portably, so that goroutine exits with the
	// process instead.
	var waiters sync.WaitGroup

	waiters.Add(1)
	go func() {
		defer waiters.Done()
		select {
		case <-interruptChannel:
			interrupted.Store(true)
			triggerDone()
		case <-done:
		}
	}()

	var resizeChannel chan os.Signal
	if interactive {
		resizeChannel = make(chan os.Signal, 1)
		signal.Notify(resizeChannel, unix.SIGWINCH)
		waiters.Add(1)
		go func() {
			defer waiters.Done()
			for range resizeChannel {
				s.sendResize(inputFd)
			}
		}()
		// The handshake carried the size queried before Connect; one
		// immediate refresh closes the window where the terminal
		// resized in between.
		s.sendResize(inputFd)
	}

	// Input pump: raw chunks become data frames.
	go func() {
		buffer := make([]byte, inputBufferSize)
		for {
			n, readError := input.Read(buffer)
			if n > 0 {
				if writeError := s.writer.WriteFrame(wire.NewDataFrame(buffer[:n])); writeError != nil {
					triggerDone()
					return
				}
			}
			if readError != nil {
				triggerDone()
				return
			}
		}
	}()

	// Socket pump: render incoming frames until the stream ends.
	waiters.Add(1)
	go func() {
		defer waiters.Done()
		defer triggerDone()
		for {
			frame, err := wire.ReadFrame(s.conn)
			if err != nil {
				if !netutil.IsExpectedCloseError(err) && !errors.Is(err, wire.ErrTruncated) {
					s.logger.Warn("connection read failed", "error", err)
				}
				return
			}
			switch frame.Type {
			case wire.FrameTypeData:
				if len(frame.Payload) == 0 {
					continue
				}
				if _, err := output.Write(frame.Payload); err != nil {
					s.logger.Warn("output write failed", "error", err)
					return
				}
			case wire.FrameTypeError:
				fmt.Fprintf(errorOutput, "%s\n", frame.Payload)
			case wire.FrameTypeExit:
				return
			default:
				// Unknown frame types are ignored for forward
				// compatibility.
			}
		}
	}()

	<-done

	// Single teardown path. The terminal comes back first so anything
	// printed below renders sanely.
	restoreTerminal()
	signal.Stop(interruptChannel)
	if resizeChannel != nil {
		signal.Stop(resizeChannel)
		close(resizeChannel)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(exitFrameTimeout)); err == nil {
		if err := s.writer.WriteFrame(wire.NewExitFrame()); err != nil {
			s.logger.Debug("exit frame not delivered", "error", err)
		}
	}
	s.conn.Close()
	waiters.Wait()

	if interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// sendResize queries the current terminal size and forwards it as a
// resize frame. Failures are logged and skipped; the next window
// change retries.
func (s *Session) sendResize(inputFd int) {
	width, height, err := term.GetSize(inputFd)
	if err != nil {
		s.logger.Debug("terminal size query failed", "error", err)
		return
	}
	if err := s.writer.WriteFrame(wire.NewResizeFrame(uint32(height), uint32(width))); err != nil {
		s.logger.Debug("resize frame not delivered", "error", err)
	}
}
