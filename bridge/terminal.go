// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/cmdd/wire"
)

// TerminalSize reports the dimensions of the terminal attached to
// file. When file is not a terminal, or the size query fails or
// returns nonsense, it falls back to the wire protocol's 24x80
// defaults so a handshake can always carry a usable size.
func TerminalSize(file *os.File) (rows, columns int) {
	fd := int(file.Fd())
	if !term.IsTerminal(fd) {
		return wire.DefaultRows, wire.DefaultColumns
	}
	width, height, err := term.GetSize(fd)
	if err != nil || width <= 0 || height <= 0 {
		return wire.DefaultRows, wire.DefaultColumns
	}
	return height, width
}
