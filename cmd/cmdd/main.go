// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

// Cmdd is the PTY remote-shell daemon. It listens on a TCP port,
// authenticates each connection with an optional shared-secret token,
// spawns the requested command (or a login shell) on a fresh
// pseudo-terminal, and pumps terminal bytes between the PTY and the
// socket using the framed wire protocol that cmdsh speaks.
//
// On startup:
//  1. Loads configuration: defaults, then the YAML file (--config or
//     CMDD_CONFIG), then CMDD_* environment variables, then flags.
//  2. Optionally writes a pidfile for the supervisor.
//  3. Binds the TCP listener and, when configured, the control socket
//     serving session queries to cmdsh.
//  4. Accepts connections until SIGINT or SIGTERM, then tears down
//     live sessions and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/cmdd/lib/config"
	"github.com/bureau-foundation/cmdd/lib/process"
	"github.com/bureau-foundation/cmdd/lib/version"
	"github.com/bureau-foundation/cmdd/server"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath    string
		host          string
		port          int
		token         string
		shell         string
		controlSocket string
		transcriptDir string
		pidfilePath   string
		showVersion   bool
	)

	flag.StringVar(&configPath, "config", "", "path to the YAML config file (default: $CMDD_CONFIG)")
	flag.StringVar(&host, "host", "", "listen address (overrides config)")
	flag.IntVar(&port, "port", 0, "listen port (overrides config)")
	flag.StringVar(&token, "token", "", "shared-secret handshake token (overrides config)")
	flag.StringVar(&shell, "shell", "", "login shell for interactive sessions (overrides config)")
	flag.StringVar(&controlSocket, "control-socket", "", "unix socket for cmdsh session queries (overrides config)")
	flag.StringVar(&transcriptDir, "transcript-dir", "", "directory for session transcripts (overrides config)")
	flag.StringVar(&pidfilePath, "pidfile", "", "write the daemon PID to this file, removed on exit")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("cmdd %s\n", version.Info())
		return nil
	}

	// Precedence: defaults < config file < environment < flags.
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnvironment(); err != nil {
		return err
	}
	if host != "" {
		cfg.Listen.Host = host
	}
	if port != 0 {
		cfg.Listen.Port = port
	}
	if token != "" {
		cfg.Auth.Token = token
	}
	if shell != "" {
		cfg.Shell = shell
	}
	if controlSocket != "" {
		cfg.Control.Socket = controlSocket
	}
	if transcriptDir != "" {
		cfg.Transcript.Dir = transcriptDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if pidfilePath != "" {
		if err := writePidfile(pidfilePath); err != nil {
			return err
		}
		defer os.Remove(pidfilePath)
	}

	daemon, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := daemon.Listen(); err != nil {
		return err
	}

	controlDone := make(chan struct{})
	if cfg.Control.Socket != "" {
		control := server.NewControlServer(cfg.Control.Socket, daemon)
		if err := control.Listen(); err != nil {
			return fmt.Errorf("starting control socket: %w", err)
		}
		go func() {
			defer close(controlDone)
			if err := control.Serve(ctx); err != nil {
				logger.Error("control socket failed", "error", err)
			}
		}()
	} else {
		close(controlDone)
	}

	err = daemon.Serve(ctx)
	<-controlDone
	return err
}

// newLogger builds the daemon logger from the log configuration. The
// level and format strings were validated with the rest of the config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

// writePidfile records the daemon PID for supervisors that track it.
func writePidfile(path string) error {
	pid := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(pid), 0o644); err != nil {
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	return nil
}
