// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the cmdsh client.
//
// The central type is [Command], which represents a named subcommand with
// optional nested [Command.Subcommands], a [pflag.FlagSet] factory, and a
// Run function. Commands are assembled into a tree in cmd/cmdsh/main.go
// and dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and structured help output with examples.
//
// When a user types an unknown subcommand or flag, the framework computes
// Levenshtein edit distance against all known names and suggests the
// closest match (threshold: distance <= 3). This is implemented in
// suggest.go.
//
// Flag declaration is struct-tag driven: a command declares a params
// struct with flag/desc/default tags and binds it with
// [FlagsFromParams]. Embedding [JSONOutput] in a params struct adds a
// --json flag and the [JSONOutput.EmitJSON] method for machine-readable
// output.
//
// [ExitError] lets a command propagate a specific process exit code --
// cmdsh attach uses it to report interrupted sessions as 130 the way a
// local shell would.
package cli
