// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors for the cmdd transport
// layer.
//
// IsExpectedCloseError distinguishes normal connection teardown from
// genuine I/O failures. The server and client both run paired pump
// goroutines over a single socket; when either side tears the
// connection down, the surviving pump's in-flight read or write fails
// with one of a small set of close errors that should end the pump
// quietly rather than be logged as failures.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. Teardown here uses full close (there is no half-close in the
// session lifecycle; an ended session closes the whole socket), so
// the surviving side sees ECONNRESET or EPIPE rather than EOF. All
// of these are expected and end the pump loop without an error log.
// io.ErrClosedPipe is the self-closed form for in-memory pipe
// connections, which report it where a real socket reports
// net.ErrClosed.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
