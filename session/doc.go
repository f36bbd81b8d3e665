// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements cmdd's PTY session primitive: a child
// process attached to a pseudo-terminal, owned by exactly one network
// connection.
//
// [Start] resolves the requested command ([ResolveCommand]), spawns it
// with a PTY of the requested initial size, and returns a [Session].
// The session is an io.ReadWriter over the PTY master: Read yields
// child output (mapping the Linux EIO-after-exit behavior to io.EOF),
// Write forwards client keystrokes. [Session.Resize] applies a window
// size change, which delivers SIGWINCH to the child's foreground
// process group.
//
// Sessions move through Created, Active, Closing, Closed. Teardown via
// [Session.Close] runs exactly once regardless of how many paths race
// into it: the master descriptor is closed, the child receives SIGHUP,
// and a detached reaper collects the exit status so no zombie is left
// behind. A closed session is never reused.
//
// All child output also lands in a [RingBuffer] (default 1 MB), so the
// daemon's control socket can serve recent scrollback to cmdsh
// without touching the live connection. The [Registry] tracks active
// sessions for the same purpose.
package session
