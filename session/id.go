// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// sessionDomainKey is the BLAKE3 key for session ID derivation. The
// byte values are the ASCII encoding of the domain name, zero-padded
// to 32 bytes, so the key is readable in hex dumps while keeping IDs
// from colliding with any other keyed-hash use.
var sessionDomainKey = [32]byte{
	'c', 'm', 'd', 'd', '.', 's', 'e', 's', 's', 'i', 'o', 'n', 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// newSessionID derives a session identifier from the owning
// connection's remote address, the start timestamp, and the resolved
// argv. The nanosecond timestamp makes collisions between two sessions
// on one daemon implausible; hashing rather than concatenating keeps
// the ID fixed-width and free of address characters that would need
// escaping in logs and file names.
func newSessionID(remoteAddr string, startedAt time.Time, argv []string) string {
	hasher, err := blake3.NewKeyed(sessionDomainKey[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which the fixed
		// array rules out.
		panic("session: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var timestamp [8]byte
	binary.BigEndian.PutUint64(timestamp[:], uint64(startedAt.UnixNano()))

	hasher.Write([]byte(remoteAddr))
	hasher.Write(timestamp[:])
	hasher.Write([]byte(strings.Join(argv, "\x00")))

	digest := hasher.Sum(nil)
	return "ses-" + hex.EncodeToString(digest[:6])
}
