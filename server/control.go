// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/cmdd/lib/codec"
	"github.com/bureau-foundation/cmdd/session"
)

// controlReadTimeout is how long the control server waits for a
// client to send its request. A well-behaved client sends the request
// immediately after connecting.
const controlReadTimeout = 30 * time.Second

// controlWriteTimeout is how long the control server waits for the
// response write to complete.
const controlWriteTimeout = 10 * time.Second

// maxControlMessageSize caps a single CBOR request or response. The
// largest response is a peek at a full 1 MB scrollback ring, plus
// envelope overhead.
const maxControlMessageSize = 2 * 1024 * 1024

// defaultPeekBytes is how much scrollback a peek returns when the
// request does not say.
const defaultPeekBytes = 64 * 1024

// ControlResponse is the envelope for every control-socket response.
type ControlResponse struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SessionList is the "sessions" action's response payload.
type SessionList struct {
	Sessions []session.Info `cbor:"sessions"`
}

// Stats is the "stats" action's response payload: daemon-level
// counters since start.
type Stats struct {
	StartedAt         time.Time `cbor:"started_at" json:"started_at"`
	UptimeSeconds     int64     `cbor:"uptime_seconds" json:"uptime_seconds"`
	SessionsActive    int       `cbor:"sessions_active" json:"sessions_active"`
	SessionsTotal     uint64    `cbor:"sessions_total" json:"sessions_total"`
	ConnectionsTotal  uint64    `cbor:"connections_total" json:"connections_total"`
	HandshakeFailures uint64    `cbor:"handshake_failures" json:"handshake_failures"`
}

// PeekResult is the "peek" action's response payload: a snapshot of a
// session's recent output.
type PeekResult struct {
	Session string `cbor:"session" json:"session"`
	Data    []byte `cbor:"data" json:"data"`
}

// peekRequest holds the action-specific fields of a "peek" request.
type peekRequest struct {
	Session  string `cbor:"session"`
	MaxBytes int    `cbor:"max_bytes"`
}

// controlAction processes one decoded control request. The raw
// parameter is the full CBOR request including the "action" field;
// handlers that take parameters decode their own fields from it.
type controlAction func(raw []byte) (any, error)

// ControlServer serves daemon introspection queries on a Unix socket:
// one CBOR request per connection, one CBOR response back. cmdsh's
// "sessions" subcommand is the main consumer.
type ControlServer struct {
	socketPath string
	logger     *slog.Logger
	actions    map[string]controlAction
	listener   net.Listener

	// activeConnections tracks in-flight request handlers so Serve
	// can drain them during shutdown.
	activeConnections sync.WaitGroup
}

// NewControlServer creates the control server for a daemon, with the
// built-in actions bound to it.
func NewControlServer(socketPath string, daemon *Server) *ControlServer {
	return &ControlServer{
		socketPath: socketPath,
		logger:     daemon.logger,
		actions: map[string]controlAction{
			"sessions": daemon.controlSessions,
			"stats":    daemon.controlStats,
			"peek":     daemon.controlPeek,
		},
	}
}

// Listen binds the control socket, replacing any stale socket file
// from a previous run. The socket is created mode 0600: it exposes
// session scrollback, so only the daemon's own user may query it.
func (c *ControlServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(c.socketPath), 0o755); err != nil {
		return fmt.Errorf("create control socket directory: %w", err)
	}
	if err := os.Remove(c.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale control socket %s: %w", c.socketPath, err)
	}

	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket %s: %w", c.socketPath, err)
	}
	if err := os.Chmod(c.socketPath, 0o600); err != nil {
		listener.Close()
		os.Remove(c.socketPath)
		return fmt.Errorf("restrict control socket permissions: %w", err)
	}
	c.listener = listener
	return nil
}

// Serve accepts control requests until ctx is cancelled, then stops
// accepting, drains in-flight requests, and removes the socket file.
// It calls Listen itself when the caller has not.
func (c *ControlServer) Serve(ctx context.Context) error {
	if c.listener == nil {
		if err := c.Listen(); err != nil {
			return err
		}
	}
	listener := c.listener
	defer func() {
		listener.Close()
		os.Remove(c.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	c.logger.Info("control socket listening", "path", c.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			c.logger.Error("control accept failed", "error", err)
			continue
		}

		c.activeConnections.Add(1)
		go func() {
			defer c.activeConnections.Done()
			c.handleRequest(conn)
		}()
	}

	c.activeConnections.Wait()
	return nil
}

// handleRequest processes one request-response cycle.
func (c *ControlServer) handleRequest(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(controlReadTimeout))

	// Decode one CBOR value. CBOR is self-delimiting, so no framing is
	// needed; the LimitReader bounds a runaway request.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxControlMessageSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		c.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		c.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		c.writeError(conn, "missing required field: action")
		return
	}

	action, exists := c.actions[header.Action]
	if !exists {
		c.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := action([]byte(raw))
	if err != nil {
		c.logger.Debug("control action failed", "action", header.Action, "error", err)
		c.writeError(conn, err.Error())
		return
	}
	c.writeSuccess(conn, result)
}

// writeError sends {ok: false, error: message}. Write failures are
// logged at debug: the connection is closing regardless.
func (c *ControlServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	if err := codec.NewEncoder(conn).Encode(ControlResponse{
		OK:    false,
		Error: message,
	}); err != nil {
		c.logger.Debug("control error response not delivered", "error", err)
	}
}

// writeSuccess sends {ok: true} with the marshaled result in the
// "data" field when the handler returned one.
func (c *ControlServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))

	response := ControlResponse{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			c.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		c.logger.Debug("control response not delivered", "error", err)
	}
}

// controlSessions serves the "sessions" action: a snapshot of every
// live session, oldest first.
func (s *Server) controlSessions(raw []byte) (any, error) {
	return SessionList{Sessions: s.registry.Snapshot()}, nil
}

// controlStats serves the "stats" action.
func (s *Server) controlStats(raw []byte) (any, error) {
	return Stats{
		StartedAt:         s.startedAt,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		SessionsActive:    s.registry.Count(),
		SessionsTotal:     s.sessionsStarted.Load(),
		ConnectionsTotal:  s.connectionsTotal.Load(),
		HandshakeFailures: s.handshakeFailures.Load(),
	}, nil
}

// controlPeek serves the "peek" action: the tail of one session's
// output ring.
func (s *Server) controlPeek(raw []byte) (any, error) {
	var request peekRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid peek request: %w", err)
	}
	if request.Session == "" {
		return nil, errors.New("missing required field: session")
	}
	target := s.registry.Get(request.Session)
	if target == nil {
		return nil, fmt.Errorf("unknown session %q", request.Session)
	}
	maxBytes := request.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultPeekBytes
	}
	return PeekResult{Session: target.ID, Data: target.Scrollback(maxBytes)}, nil
}

// controlDialTimeout covers the client's connect phase only.
const controlDialTimeout = 5 * time.Second

// controlResponseTimeout is how long the client waits for the full
// response after sending its request.
const controlResponseTimeout = 45 * time.Second

// ControlError is returned by ControlClient calls when the daemon
// responds with ok=false.
type ControlError struct {
	Action  string
	Message string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("control error on %q: %s", e.Action, e.Message)
}

// ControlClient queries a daemon's control socket. Each call opens a
// fresh connection, matching the server's one-request-per-connection
// model.
type ControlClient struct {
	socketPath string
}

// NewControlClient creates a client for the given socket path.
func NewControlClient(socketPath string) *ControlClient {
	return &ControlClient{socketPath: socketPath}
}

// Call sends one control request and decodes the response data into
// result (when result is non-nil and the response carries data). The
// fields map holds action-specific parameters; "action" is injected
// here. A daemon-side failure comes back as a *ControlError.
func (c *ControlClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ControlError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// Sessions lists the daemon's live sessions.
func (c *ControlClient) Sessions(ctx context.Context) ([]session.Info, error) {
	var list SessionList
	if err := c.Call(ctx, "sessions", nil, &list); err != nil {
		return nil, err
	}
	return list.Sessions, nil
}

// Stats fetches daemon counters.
func (c *ControlClient) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.Call(ctx, "stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Peek fetches the tail of a session's recent output. maxBytes <= 0
// uses the server default.
func (c *ControlClient) Peek(ctx context.Context, sessionID string, maxBytes int) (PeekResult, error) {
	fields := map[string]any{"session": sessionID}
	if maxBytes > 0 {
		fields["max_bytes"] = maxBytes
	}
	var result PeekResult
	if err := c.Call(ctx, "peek", fields, &result); err != nil {
		return PeekResult{}, err
	}
	return result, nil
}

// send connects, writes the request, and reads the response envelope.
func (c *ControlClient) send(ctx context.Context, request any) (*ControlResponse, error) {
	dialer := net.Dialer{Timeout: controlDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side. CBOR is self-delimiting so this is
	// not strictly necessary, but it lets the server's read side see
	// EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(controlResponseTimeout))
	var response ControlResponse
	if err := codec.NewDecoder(io.LimitReader(conn, maxControlMessageSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
