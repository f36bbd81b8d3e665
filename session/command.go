// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/bureau-foundation/cmdd/wire"
)

// DefaultTerm is the TERM value set for the child when the daemon's
// own environment does not already carry one.
const DefaultTerm = "xterm-256color"

// ResolveCommand turns a handshake command spec into the argument
// vector to exec on the PTY.
//
// Resolution policy:
//
//   - Shell line: run under a non-interactive login shell, the first
//     of bash or sh found on PATH, falling back to /bin/sh. The
//     per-user shell preference is deliberately not consulted here —
//     one-off command lines want predictable POSIX semantics, not
//     whatever exotic shell the operator logs in with.
//   - Exec: the argument vector is used verbatim.
//   - Interactive: a login shell, resolved from shellOverride (the
//     daemon's configured shell), then $SHELL, then bash or sh on
//     PATH, then /bin/sh.
//
// The returned vector is never empty. If the final fallback /bin/sh
// does not exist either, the failure surfaces when the child is
// spawned, not here.
func ResolveCommand(spec wire.CommandSpec, shellOverride string) []string {
	switch spec.Kind {
	case wire.CommandShellLine:
		return []string{lookupShell("", ""), "-lc", spec.Line}
	case wire.CommandExec:
		return spec.Argv
	default:
		return []string{lookupShell(shellOverride, os.Getenv("SHELL")), "-l"}
	}
}

// lookupShell returns the first usable shell path: override, then
// preferred (typically $SHELL), then bash or sh located on PATH, then
// the literal /bin/sh.
func lookupShell(override, preferred string) string {
	if override != "" {
		return override
	}
	if preferred != "" {
		return preferred
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path
	}
	if path, err := exec.LookPath("sh"); err == nil {
		return path
	}
	return "/bin/sh"
}

// childEnv builds the environment for the spawned child: the daemon's
// environment with TERM defaulted when absent.
func childEnv() []string {
	env := os.Environ()
	for _, entry := range env {
		if len(entry) >= 5 && entry[:5] == "TERM=" {
			return env
		}
	}
	return append(env, fmt.Sprintf("TERM=%s", DefaultTerm))
}
