// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/cmdd/lib/netutil"
	"github.com/bureau-foundation/cmdd/session"
	"github.com/bureau-foundation/cmdd/wire"
)

// defaultHandshakeTimeout bounds how long a freshly accepted
// connection may take to deliver its handshake frame. A peer that
// connects and stalls is cut loose rather than holding a handler
// goroutine open.
const defaultHandshakeTimeout = 5 * time.Second

// exitFrameTimeout bounds the best-effort exit frame written during
// teardown. The write shares the connection's frame writer with the
// PTY pump; the deadline also unwedges a pump write stuck on a peer
// that stopped reading.
const exitFrameTimeout = time.Second

// outputBufferSize is the read buffer for the PTY-to-socket pump. PTY
// reads return at most a line-discipline buffer's worth of data, so a
// small buffer suffices; each read becomes one data frame.
const outputBufferSize = 4096

// Handshake failure reasons. The exact strings are part of the
// protocol: clients print them verbatim, and other implementations
// produce the same texts.
var (
	errHandshakeTimeout     = errors.New("handshake timeout")
	errExpectedHandshake    = errors.New("expected handshake frame")
	errInvalidHandshakeJSON = errors.New("invalid handshake json")
	errUnauthorized         = errors.New("unauthorized")
)

// handleConnection owns one accepted connection from handshake to
// teardown. Any return closes the connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())

	handshake, err := s.readHandshake(conn)
	if err != nil {
		s.handshakeFailures.Add(1)
		logger.Warn("handshake failed", "error", err)
		s.sendError(conn, err.Error())
		return
	}

	rows, columns := handshake.WindowSize()
	sess, err := session.Start(session.Options{
		Command:       handshake.Command,
		ShellOverride: s.config.Shell,
		Rows:          rows,
		Columns:       columns,
		RemoteAddr:    conn.RemoteAddr().String(),
		Logger:        s.logger,
	})
	if err != nil {
		logger.Error("session start failed", "error", err)
		s.sendError(conn, err.Error())
		return
	}
	s.sessionsStarted.Add(1)
	s.registry.Add(sess)
	defer s.registry.Remove(sess.ID)

	var transcript *Transcript
	if s.recorder != nil {
		transcript, err = s.recorder.Open(sess.ID)
		if err != nil {
			// The session runs without a transcript; recording is a
			// side channel, never a reason to refuse a connection.
			logger.Warn("transcript disabled for session",
				"session", sess.ID, "error", err)
		}
	}

	sess.Activate()
	s.runSession(conn, sess, transcript, logger.With("session", sess.ID))
}

// readHandshake reads and validates the first frame under a deadline.
// On success the deadline is cleared and the parsed handshake
// returned. On failure the returned error's text is what the peer
// sees in the error frame.
func (s *Server) readHandshake(conn net.Conn) (wire.Handshake, error) {
	conn.SetDeadline(time.Now().Add(s.handshakeTimeout))

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return wire.Handshake{}, errHandshakeTimeout
		}
		return wire.Handshake{}, err
	}
	if frame.Type != wire.FrameTypeHandshake {
		return wire.Handshake{}, errExpectedHandshake
	}
	handshake, err := wire.ParseHandshake(frame.Payload)
	if err != nil {
		return wire.Handshake{}, errInvalidHandshakeJSON
	}
	if !s.authorized(handshake.Token) {
		return wire.Handshake{}, errUnauthorized
	}

	// Streaming phase: the session lives as long as both sides want
	// it to, so no further deadlines.
	conn.SetDeadline(time.Time{})
	return handshake, nil
}

// authorized checks the handshake token against the configured one.
// No configured token means open access. The comparison is constant
// time so response timing reveals nothing about the configured value.
func (s *Server) authorized(token string) bool {
	configured := s.config.Auth.Token
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(configured)) == 1
}

// sendError writes an error frame with the given text, under a short
// deadline. Best effort: the peer may already be gone, and the
// connection is closing either way.
func (s *Server) sendError(conn net.Conn, text string) {
	conn.SetWriteDeadline(time.Now().Add(exitFrameTimeout))
	if err := wire.WriteFrame(conn, wire.NewErrorFrame(text)); err != nil && !netutil.IsExpectedCloseError(err) {
		s.logger.Debug("error frame not delivered", "error", err)
	}
}

// runSession pumps bytes between the connection and the session until
// either side ends, then tears both down. Exactly one teardown runs
// regardless of which pump finishes first or why.
func (s *Server) runSession(conn net.Conn, sess *session.Session, transcript *Transcript, logger *slog.Logger) {
	writer := wire.NewWriter(conn)

	// done fires when either pump hits a terminal condition. The
	// sync.Once lets both pumps signal without coordinating.
	done := make(chan struct{})
	var doneOnce sync.Once
	triggerDone := func() {
		doneOnce.Do(func() { close(done) })
	}

	var pumps sync.WaitGroup

	// PTY to socket: child output becomes data frames. Frame writes
	// are synchronous on this goroutine, so a slow client blocks the
	// pump (and ultimately the child's writes) instead of queueing
	// unbounded output.
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		defer triggerDone()
		buffer := make([]byte, outputBufferSize)
		for {
			n, readErr := sess.Read(buffer)
			if n > 0 {
				if transcript != nil {
					transcript.Record(buffer[:n])
				}
				if writeErr := writer.WriteFrame(wire.NewDataFrame(buffer[:n])); writeErr != nil {
					if !netutil.IsExpectedCloseError(writeErr) {
						logger.Warn("write to client failed", "error", writeErr)
					}
					return
				}
			}
			if readErr != nil {
				// io.EOF: the child exited or the session closed
				// under us. Either way this direction is finished.
				return
			}
		}
	}()

	// Socket to PTY: decode frames and dispatch by type.
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		defer triggerDone()
		for {
			frame, readErr := wire.ReadFrame(conn)
			if readErr != nil {
				if !netutil.IsExpectedCloseError(readErr) && !errors.Is(readErr, wire.ErrTruncated) {
					logger.Warn("read from client failed", "error", readErr)
				}
				return
			}
			switch frame.Type {
			case wire.FrameTypeData:
				if len(frame.Payload) == 0 {
					continue
				}
				if _, writeErr := sess.Write(frame.Payload); writeErr != nil {
					return
				}
			case wire.FrameTypeResize:
				rows, columns, parseErr := wire.ParseResizePayload(frame.Payload)
				if parseErr != nil {
					// Malformed resize is dropped, not fatal: the
					// session is still perfectly usable at its
					// current size.
					logger.Debug("ignoring malformed resize frame", "error", parseErr)
					continue
				}
				if resizeErr := sess.Resize(rows, columns); resizeErr != nil {
					logger.Warn("resize failed", "error", resizeErr)
				}
			case wire.FrameTypeExit:
				return
			default:
				logger.Debug("ignoring unknown frame type", "type", frame.Type)
			}
		}
	}()

	<-done

	// Teardown. Each step is attempted independently; a failure in one
	// never skips the rest. Order: end the session first (closes the
	// PTY master and unblocks the output pump), tell the client, then
	// close the socket (unblocks the input pump).
	sess.Close()
	conn.SetWriteDeadline(time.Now().Add(exitFrameTimeout))
	if err := writer.WriteFrame(wire.NewExitFrame()); err != nil && !netutil.IsExpectedCloseError(err) {
		logger.Debug("exit frame not delivered", "error", err)
	}
	conn.Close()
	pumps.Wait()
	if transcript != nil {
		transcript.Close()
	}
}
