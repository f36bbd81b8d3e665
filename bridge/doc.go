// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the client side of a cmdd session: it
// connects the local terminal to a remote PTY over the framed wire
// protocol.
//
// [Connect] dials the daemon and sends the handshake frame carrying
// the token, the terminal dimensions, and the command to run. The
// returned [Session] bridges the connection with [Session.Run]: when
// the input stream is a terminal it enters raw mode for the duration
// of the session, and a pump goroutine per direction moves bytes
// between the local streams and the wire. Incoming data frames are
// written to the output stream verbatim; error frames render on the
// error stream with a trailing newline. A SIGWINCH watcher re-queries
// the terminal size on every window change and forwards it as a
// resize frame.
//
// Whichever pump finishes first wins. The first terminal condition
// (exit frame, connection close, input EOF, interrupt signal)
// triggers a single teardown that restores the terminal state first,
// then sends a best-effort exit frame and closes the connection.
// Interrupts surface as [ErrInterrupted] so callers can map them to
// the conventional exit code; a session ended by the daemon returns
// nil even when error frames were rendered, because remote failures
// are reported through the terminal, not through the client's exit
// status.
//
// A read blocked on an interactive terminal cannot be interrupted
// portably, so teardown does not wait for the input pump; it exits
// with the process.
package bridge
