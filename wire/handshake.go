// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// Default terminal dimensions applied when a handshake omits rows or
// cols (or sends non-positive values).
const (
	DefaultRows    = 24
	DefaultColumns = 80
)

// CommandKind tags the three shapes the handshake "cmd" field can
// take. The shape is decided exactly once, while parsing the
// handshake; nothing downstream re-inspects the raw JSON.
type CommandKind int

const (
	// CommandInteractive means no command was requested: the server
	// execs the configured login shell with a login flag.
	CommandInteractive CommandKind = iota

	// CommandShellLine means the client sent a single command line to
	// be run through a shell: exec [shell, "-lc", line].
	CommandShellLine

	// CommandExec means the client sent an explicit argument vector to
	// exec verbatim, no shell involved.
	CommandExec
)

// String returns the kind name for logs and error messages.
func (kind CommandKind) String() string {
	switch kind {
	case CommandInteractive:
		return "interactive"
	case CommandShellLine:
		return "shell-line"
	case CommandExec:
		return "exec"
	default:
		return fmt.Sprintf("unknown(%d)", int(kind))
	}
}

// CommandSpec is the parsed form of the handshake "cmd" field. On the
// wire the field is absent (interactive), a JSON string (shell line),
// or a JSON array of strings (exec argv); CommandSpec carries the
// decided variant. The zero value is CommandInteractive.
type CommandSpec struct {
	Kind CommandKind

	// Line is the shell command line. Set only for CommandShellLine.
	Line string

	// Argv is the verbatim argument vector. Set only for CommandExec.
	Argv []string
}

// ShellLineCommand builds a shell-line command spec.
func ShellLineCommand(line string) CommandSpec {
	return CommandSpec{Kind: CommandShellLine, Line: line}
}

// ExecCommand builds an exec-argv command spec.
func ExecCommand(argv []string) CommandSpec {
	return CommandSpec{Kind: CommandExec, Argv: argv}
}

// IsZero reports whether the spec is the interactive default. Lets
// the handshake struct's omitzero tag drop the field from emitted
// JSON, matching the wire convention that interactive sessions simply
// omit "cmd".
func (spec CommandSpec) IsZero() bool {
	return spec.Kind == CommandInteractive
}

// UnmarshalJSON decides the command variant from the wire shape. An
// empty string, empty array, or JSON null collapses to interactive —
// a peer that sends `"cmd": ""` gets a login shell, same as omitting
// the field.
func (spec *CommandSpec) UnmarshalJSON(data []byte) error {
	// A JSON null leaves the string untouched and errors on neither
	// branch, so it lands here as the interactive default.
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		if line == "" {
			*spec = CommandSpec{}
			return nil
		}
		*spec = CommandSpec{Kind: CommandShellLine, Line: line}
		return nil
	}

	var argv []string
	if err := json.Unmarshal(data, &argv); err == nil {
		if len(argv) == 0 {
			*spec = CommandSpec{}
			return nil
		}
		*spec = CommandSpec{Kind: CommandExec, Argv: argv}
		return nil
	}

	return fmt.Errorf("cmd must be a string or an array of strings")
}

// MarshalJSON emits the wire shape for the decided variant.
func (spec CommandSpec) MarshalJSON() ([]byte, error) {
	switch spec.Kind {
	case CommandInteractive:
		return []byte("null"), nil
	case CommandShellLine:
		return json.Marshal(spec.Line)
	case CommandExec:
		return json.Marshal(spec.Argv)
	default:
		return nil, fmt.Errorf("unknown command kind %d", int(spec.Kind))
	}
}

// Handshake is the JSON payload of the first frame on every
// connection. All fields are optional on the wire; WindowSize applies
// the dimension defaults.
type Handshake struct {
	// Token is the shared-secret authentication token. Compared
	// against the server's configured token; ignored when the server
	// has none configured.
	Token string `json:"token,omitempty"`

	// Rows and Cols are the client terminal dimensions at connect
	// time. Non-positive or absent values fall back to 24x80.
	Rows int `json:"rows,omitempty"`
	Cols int `json:"cols,omitempty"`

	// Command is what to run on the PTY. See [CommandSpec].
	Command CommandSpec `json:"cmd,omitzero"`
}

// ParseHandshake decodes a handshake frame payload. Any JSON-level
// failure (syntax, wrong field types) is reported as a single parse
// error; the server surfaces it to the peer as "invalid handshake
// json".
func ParseHandshake(payload []byte) (Handshake, error) {
	var handshake Handshake
	if err := json.Unmarshal(payload, &handshake); err != nil {
		return Handshake{}, fmt.Errorf("parse handshake: %w", err)
	}
	return handshake, nil
}

// NewHandshakeFrame encodes a handshake into its wire frame.
func NewHandshakeFrame(handshake Handshake) (Frame, error) {
	payload, err := json.Marshal(handshake)
	if err != nil {
		return Frame{}, fmt.Errorf("encode handshake: %w", err)
	}
	return Frame{Type: FrameTypeHandshake, Payload: payload}, nil
}

// WindowSize returns the requested terminal dimensions with defaults
// applied for absent or non-positive values.
func (h Handshake) WindowSize() (rows, columns int) {
	rows, columns = h.Rows, h.Cols
	if rows <= 0 {
		rows = DefaultRows
	}
	if columns <= 0 {
		columns = DefaultColumns
	}
	return rows, columns
}
