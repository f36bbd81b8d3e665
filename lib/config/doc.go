// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the cmdd daemon.
//
// Configuration is loaded from a single file specified by either the
// CMDD_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. A missing CMDD_CONFIG is not an
// error: the daemon runs on defaults plus CMDD_* variables, matching
// its zero-setup deployment story.
//
// Precedence, lowest to highest: built-in defaults from [Default],
// the config file, CMDD_* environment variables applied by
// [Config.ApplyEnvironment], then command-line flags applied by the
// daemon itself.
//
// Variable expansion is performed on string fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded, so a checked-in
// file can say `token: ${CMDD_TOKEN}` without embedding the secret.
//
// Key exports:
//
//   - [Config] -- master struct with Listen, Auth, Control, Transcript, Log
//   - [Default] -- returns a Config with the standard defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other cmdd packages.
package config
