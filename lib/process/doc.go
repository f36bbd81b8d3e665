// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. These centralize
// the one legitimate raw-stderr pattern in the daemon: fatal error
// reporting from main(), where the failure may have happened before
// the structured logger was configured (flag parsing, config loading,
// listener binding). Everything after logger setup reports through
// slog instead.
package process
