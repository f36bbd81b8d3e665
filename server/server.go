// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/cmdd/lib/config"
	"github.com/bureau-foundation/cmdd/session"
)

// Server accepts TCP connections and runs one PTY session per
// connection. Construct with [New], bind with [Listen], then run
// [Serve] until the context is cancelled.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	registry *session.Registry
	recorder *Recorder

	listener net.Listener

	// handshakeTimeout is defaultHandshakeTimeout in production;
	// tests shrink it to exercise the timeout path quickly.
	handshakeTimeout time.Duration

	startedAt time.Time

	// handlers tracks in-flight connection handlers so Serve can wait
	// for them during shutdown.
	handlers sync.WaitGroup

	connectionsTotal  atomic.Uint64
	handshakeFailures atomic.Uint64
	sessionsStarted   atomic.Uint64
}

// New creates a server from a validated configuration. If the
// configuration enables transcripts, the recorder is initialized here
// so a bad transcript directory fails startup rather than the first
// session.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		config:           cfg,
		logger:           logger,
		registry:         session.NewRegistry(),
		handshakeTimeout: defaultHandshakeTimeout,
		startedAt:        time.Now(),
	}
	if cfg.Transcript.Dir != "" {
		recorder, err := NewRecorder(cfg.Transcript.Dir, cfg.Transcript.Compression, logger)
		if err != nil {
			return nil, fmt.Errorf("transcript recorder: %w", err)
		}
		server.recorder = recorder
	}
	return server, nil
}

// Registry exposes the live session registry. The control server and
// shutdown path read it; tests use it to observe session lifecycle.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Listen binds the configured TCP address. Called implicitly by Serve
// when not called first; calling it explicitly lets the caller log the
// bound address (and lets tests bind port 0 and read the real port
// back from Addr).
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr(), err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound listener address. Nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener, tears down live sessions, and waits for every handler to
// finish. Always returns nil after a clean shutdown; only a listener
// failure unrelated to shutdown is returned as an error.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	logAttrs := []any{"addr", s.listener.Addr().String()}
	if s.config.Auth.Token != "" {
		logAttrs = append(logAttrs, "token_fingerprint", tokenFingerprint(s.config.Auth.Token))
	}
	if s.recorder != nil {
		logAttrs = append(logAttrs, "transcript_dir", s.config.Transcript.Dir,
			"transcript_compression", s.config.Transcript.Compression)
	}
	s.logger.Info("listening", logAttrs...)

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.connectionsTotal.Add(1)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConnection(conn)
		}()
	}

	// Closing every session unblocks the PTY pumps, which drives each
	// handler through its normal teardown path.
	s.registry.CloseAll()
	s.handlers.Wait()
	s.logger.Info("shut down", "connections_total", s.connectionsTotal.Load())
	return nil
}

// tokenDomainKey is the BLAKE3 key for token fingerprints: the ASCII
// domain name zero-padded to 32 bytes, distinct from the session-ID
// domain so the two derivations can never collide.
var tokenDomainKey = [32]byte{
	'c', 'm', 'd', 'd', '.', 't', 'o', 'k', 'e', 'n', 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// tokenFingerprint derives a short stable identifier for a configured
// token, safe to log. The token itself never appears in logs.
func tokenFingerprint(token string) string {
	hasher, err := blake3.NewKeyed(tokenDomainKey[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which the fixed
		// array rules out.
		panic("server: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	digest := hasher.Sum(nil)
	return hex.EncodeToString(digest[:6])
}
