// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "sync"

// DefaultScrollbackSize is the default ring buffer capacity in bytes.
// 1 MB of raw terminal output covers a long interactive session while
// keeping per-session memory bounded on a daemon with many clients.
const DefaultScrollbackSize = 1024 * 1024

// RingBuffer is a fixed-size circular buffer over raw terminal output.
// It preserves escape sequences byte-for-byte so a peek renders the
// same as the live terminal did. New writes overwrite the oldest data
// when the buffer is full.
//
// All methods are safe for concurrent use: the session's read pump
// writes while the control socket reads.
type RingBuffer struct {
	mutex    sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next position to write within the circular
	// buffer (0 to capacity-1).
	writePosition int
	// totalWritten counts every byte ever written. The buffer holds
	// the last min(totalWritten, capacity) of them.
	totalWritten uint64
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
// Use DefaultScrollbackSize for the standard 1 MB buffer.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends bytes, overwriting the oldest data once full.
func (ring *RingBuffer) Write(data []byte) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	for offset := 0; offset < len(data); {
		available := ring.capacity - ring.writePosition
		copyLength := len(data) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(ring.data[ring.writePosition:ring.writePosition+copyLength], data[offset:offset+copyLength])
		ring.writePosition = (ring.writePosition + copyLength) % ring.capacity
		offset += copyLength
	}
	ring.totalWritten += uint64(len(data))
}

// Tail returns a copy of up to maxBytes of the most recently written
// data, in write order. Returns nil when nothing has been written or
// maxBytes is not positive.
func (ring *RingBuffer) Tail(maxBytes int) []byte {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	if maxBytes <= 0 || ring.totalWritten == 0 {
		return nil
	}

	stored := int(ring.totalWritten)
	if stored > ring.capacity {
		stored = ring.capacity
	}
	if maxBytes > stored {
		maxBytes = stored
	}

	result := make([]byte, maxBytes)

	// The newest byte sits just before writePosition; walk back
	// maxBytes from there, wrapping around the buffer start.
	readPosition := (ring.writePosition - maxBytes) % ring.capacity
	if readPosition < 0 {
		readPosition += ring.capacity
	}

	for copied := 0; copied < maxBytes; {
		available := ring.capacity - readPosition
		copyLength := maxBytes - copied
		if copyLength > available {
			copyLength = available
		}
		copy(result[copied:copied+copyLength], ring.data[readPosition:readPosition+copyLength])
		readPosition = (readPosition + copyLength) % ring.capacity
		copied += copyLength
	}

	return result
}

// TotalWritten returns the total number of bytes ever written,
// including bytes that have since been overwritten.
func (ring *RingBuffer) TotalWritten() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.totalWritten
}
