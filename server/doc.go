// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the cmdd daemon: a TCP listener that
// attaches each authenticated connection to a PTY session and pumps
// bytes between the two until either side ends.
//
// [Server.Serve] runs the accept loop. Each connection gets its own
// handler goroutine: first the handshake (one frame within a 5 second
// deadline, carrying token, window size, and the command to run), then
// a [session.Session] is spawned and two pumps run until either
// reports a terminal condition. PTY output is wrapped in data frames
// and written synchronously, so a slow client exerts backpressure
// instead of growing a buffer. Inbound frames are dispatched by type:
// data to the PTY, resize to the window, exit ends the session, and
// unknown types are skipped for forward compatibility. Teardown is a
// single path that runs exactly once: close the session, send a
// best-effort exit frame, close the socket.
//
// Handshake failures are never silent. The peer always receives an
// error frame naming the reason (timeout, wrong frame type, bad JSON,
// or unauthorized) before the connection closes. Token comparison is
// constant-time.
//
// Two optional side channels ride along:
//
//   - [ControlServer]: a Unix socket serving CBOR queries about live
//     sessions (list, daemon stats, scrollback peek). cmdsh talks to
//     it via [ControlClient].
//   - [Recorder]: per-session transcript files of PTY output, with
//     selectable compression (none, lz4, zstd). Recording failures
//     disable the transcript for that session and never disturb it.
package server
