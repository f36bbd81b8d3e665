// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for cmdd packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. Tests for
// the server and bridge wait on goroutine results over channels; a
// missing send would otherwise hang the whole test binary.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. This exists because Unix domain sockets have a
// 108-byte path limit (sun_path in sockaddr_un) and test tempdirs can
// be nested deeply enough to exceed it, making t.TempDir() unsuitable
// for the control socket tests.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no cmdd-internal dependencies.
package testutil
