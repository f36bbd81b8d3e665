// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the cmdd remote-shell wire protocol: framed
// binary messages over a byte stream, plus the JSON handshake payload
// exchanged in the first frame.
//
// The package is organized around the protocol layers:
//
//   - frame.go: frame format (5-byte header + payload) and codec
//   - handshake.go: handshake payload and the command variant carried in it
//
// The frame format is a 5-byte header (1 byte type + 4 byte big-endian
// payload length) followed by the payload. Data frames carry raw PTY
// bytes in both directions; all control traffic (resize, exit, errors)
// rides the same framed channel as distinguished types.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Frame type constants. The values are protocol constants shared with
// every peer implementation — changing them breaks the wire format.
const (
	// FrameTypeData carries raw terminal bytes. Bidirectional: client
	// keystrokes flow client→server, PTY output flows server→client.
	// Payload is opaque bytes passed through unmodified.
	FrameTypeData byte = 0x00

	// FrameTypeResize carries terminal dimensions. Client→server only.
	// Payload is exactly 8 bytes: rows (uint32 big-endian) then columns
	// (uint32 big-endian). The server applies the new size to the PTY.
	FrameTypeResize byte = 0x01

	// FrameTypeExit requests or announces session termination. Empty
	// payload. The client sends it to end the session gracefully; the
	// server sends a final one during teardown.
	FrameTypeExit byte = 0x02

	// FrameTypeHandshake is the first frame on every connection.
	// Payload is a JSON object: token?, rows?, cols?, cmd?. See
	// [Handshake].
	FrameTypeHandshake byte = 0x10

	// FrameTypeError carries UTF-8 error text. Server→client only. The
	// client renders the text to its standard error stream.
	FrameTypeError byte = 0xFF
)

// frameHeaderLength is the fixed size of a frame header: 1 byte type
// + 4 bytes payload length.
const frameHeaderLength = 5

// MaxPayloadLength is the maximum payload size ReadFrame accepts.
// 16 MB is generous for terminal traffic; the bound exists so a
// malicious or corrupted length field cannot force an unbounded
// allocation. WriteFrame does not enforce it — the cap is a decoder
// policy, not a format constraint.
const MaxPayloadLength = 16 * 1024 * 1024

// ErrTruncated reports a stream that ended mid-frame: after some but
// not all header bytes, or before the payload declared by the header
// was delivered. It is distinct from io.EOF, which ReadFrame returns
// only when the stream ends cleanly on a frame boundary. Callers use
// the distinction to tell "peer hung up" from "malformed frame".
var ErrTruncated = errors.New("truncated frame")

// Frame is a single protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a framed message to w. The frame format is:
// [1 byte type] [4 bytes payload length, big-endian uint32] [payload].
// Fails only on writer errors or a payload too large for the 32-bit
// length field.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > math.MaxUint32 {
		return fmt.Errorf("payload length %d exceeds the 32-bit frame limit", len(frame.Payload))
	}
	var header [frameHeaderLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a framed message from r.
//
// A stream that ends cleanly between frames returns io.EOF. A stream
// that ends mid-header or mid-payload returns an error wrapping
// [ErrTruncated]. A declared payload length above [MaxPayloadLength]
// fails before any allocation.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("read frame header: %w", ErrTruncated)
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxPayloadLength {
		return Frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, MaxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, fmt.Errorf("read frame payload: %w", ErrTruncated)
			}
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// NewDataFrame creates a data frame carrying raw terminal bytes.
func NewDataFrame(data []byte) Frame {
	return Frame{Type: FrameTypeData, Payload: data}
}

// NewResizeFrame creates a resize frame with the given terminal
// dimensions, rows first.
func NewResizeFrame(rows, columns uint32) Frame {
	payload := make([]byte, resizePayloadLength)
	binary.BigEndian.PutUint32(payload[0:4], rows)
	binary.BigEndian.PutUint32(payload[4:8], columns)
	return Frame{Type: FrameTypeResize, Payload: payload}
}

// NewExitFrame creates an empty exit frame.
func NewExitFrame() Frame {
	return Frame{Type: FrameTypeExit}
}

// NewErrorFrame creates an error frame carrying UTF-8 text.
func NewErrorFrame(text string) Frame {
	return Frame{Type: FrameTypeError, Payload: []byte(text)}
}

// resizePayloadLength is the exact payload size of a resize frame:
// two big-endian uint32 values, rows then columns.
const resizePayloadLength = 8

// ParseResizePayload extracts rows and columns from a resize frame
// payload. Returns an error if the payload is not exactly 8 bytes;
// dispatch layers treat that as an ignorable malformed frame, not a
// connection-fatal condition.
func ParseResizePayload(payload []byte) (rows, columns uint32, err error) {
	if len(payload) != resizePayloadLength {
		return 0, 0, fmt.Errorf("resize payload must be %d bytes, got %d", resizePayloadLength, len(payload))
	}
	rows = binary.BigEndian.Uint32(payload[0:4])
	columns = binary.BigEndian.Uint32(payload[4:8])
	return rows, columns, nil
}

// Writer serializes frame writes from concurrent goroutines. The
// server's handler emits data frames from its PTY pump while teardown
// may emit exit or error frames from another goroutine; the mutex
// keeps each frame's header and payload contiguous on the stream.
type Writer struct {
	mutex  sync.Mutex
	stream io.Writer
}

// NewWriter wraps w for concurrent framed writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{stream: w}
}

// WriteFrame writes a single frame atomically with respect to other
// WriteFrame calls on the same Writer.
func (w *Writer) WriteFrame(frame Frame) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return WriteFrame(w.stream, frame)
}
