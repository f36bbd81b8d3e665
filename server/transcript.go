// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the transcript compression algorithm.
type Compression uint8

const (
	// CompressionNone writes raw PTY output. Zero CPU cost; terminal
	// traffic is small enough that this is a reasonable default for
	// short-lived daemons.
	CompressionNone Compression = 0

	// CompressionLZ4 writes an LZ4 frame stream. Fast with a modest
	// ratio; the safe pick when sessions may carry binary-heavy
	// output (file transfers over the terminal, curses redraws).
	CompressionLZ4 Compression = 1

	// CompressionZstd writes a zstd stream at the default level.
	// Terminal output is text-like, so this typically achieves the
	// best ratio; cmdd's config default.
	CompressionZstd Compression = 2
)

// String returns the configuration name of the compression mode.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration value into a compression
// mode. An empty string selects CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown transcript compression: %q", name)
	}
}

// suffix returns the file name suffix appended after ".transcript".
func (c Compression) suffix() string {
	switch c {
	case CompressionLZ4:
		return ".lz4"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// Recorder creates per-session transcript files under a fixed
// directory. One recorder serves the whole daemon; each session opens
// its own [Transcript].
type Recorder struct {
	dir         string
	compression Compression
	logger      *slog.Logger
}

// NewRecorder validates the compression mode and creates the
// transcript directory.
func NewRecorder(dir, compression string, logger *slog.Logger) (*Recorder, error) {
	mode, err := ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{dir: dir, compression: mode, logger: logger}, nil
}

// Open creates the transcript file for a session. The file name is
// the session ID plus ".transcript" and a compression suffix, so the
// reader can pick a decompressor from the name alone.
func (r *Recorder) Open(sessionID string) (*Transcript, error) {
	path := filepath.Join(r.dir, sessionID+".transcript"+r.compression.suffix())
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create transcript %s: %w", path, err)
	}

	transcript := &Transcript{
		Path:   path,
		file:   file,
		logger: r.logger,
	}
	switch r.compression {
	case CompressionZstd:
		encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		transcript.writer = encoder
		transcript.compressor = encoder
	case CompressionLZ4:
		encoder := lz4.NewWriter(file)
		transcript.writer = encoder
		transcript.compressor = encoder
	default:
		transcript.writer = file
	}
	return transcript, nil
}

// Transcript is one session's output recording. Record and Close are
// called only from the session's handler goroutine, Record never
// concurrently with Close.
type Transcript struct {
	// Path is the transcript file location.
	Path string

	file       *os.File
	writer     io.Writer
	compressor io.Closer
	logger     *slog.Logger
	broken     bool
}

// Record appends a chunk of PTY output. The first write failure marks
// the transcript broken and drops all further chunks: recording never
// degrades the session it records.
func (t *Transcript) Record(output []byte) {
	if t.broken {
		return
	}
	if _, err := t.writer.Write(output); err != nil {
		t.broken = true
		t.logger.Warn("transcript write failed, recording stopped",
			"path", t.Path, "error", err)
	}
}

// Close flushes the compressor and closes the file.
func (t *Transcript) Close() {
	if t.compressor != nil {
		if err := t.compressor.Close(); err != nil && !t.broken {
			t.logger.Warn("transcript flush failed", "path", t.Path, "error", err)
		}
	}
	if err := t.file.Close(); err != nil && !t.broken {
		t.logger.Warn("transcript close failed", "path", t.Path, "error", err)
	}
}

// ReadTranscript reads a transcript file back, picking the
// decompressor from the file name suffix.
func ReadTranscript(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	switch {
	case strings.HasSuffix(path, ".zst"):
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		data, err := io.ReadAll(decoder)
		if err != nil {
			return nil, fmt.Errorf("read transcript %s: %w", path, err)
		}
		return data, nil
	case strings.HasSuffix(path, ".lz4"):
		data, err := io.ReadAll(lz4.NewReader(file))
		if err != nil {
			return nil, fmt.Errorf("read transcript %s: %w", path, err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("read transcript %s: %w", path, err)
		}
		return data, nil
	}
}
