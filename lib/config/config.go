// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Listen configures the TCP listener.
	Listen ListenConfig `yaml:"listen"`

	// Auth configures the shared-secret handshake token.
	Auth AuthConfig `yaml:"auth"`

	// Shell is the login shell override for interactive sessions.
	// Empty means resolve from $SHELL, then bash/sh on PATH.
	Shell string `yaml:"shell"`

	// Control configures the local control socket.
	Control ControlConfig `yaml:"control"`

	// Transcript configures session output recording.
	Transcript TranscriptConfig `yaml:"transcript"`

	// Log configures daemon logging.
	Log LogConfig `yaml:"log"`
}

// ListenConfig configures the TCP listener.
type ListenConfig struct {
	// Host is the listen address. Default: 0.0.0.0 (all interfaces).
	Host string `yaml:"host"`

	// Port is the listen port. Default: 7070.
	Port int `yaml:"port"`
}

// AuthConfig configures handshake authentication.
type AuthConfig struct {
	// Token is the shared secret. When empty, no authentication is
	// enforced and every handshake is accepted.
	Token string `yaml:"token"`
}

// ControlConfig configures the control socket serving session
// queries to cmdsh.
type ControlConfig struct {
	// Socket is the Unix socket path. Empty disables the control
	// socket.
	Socket string `yaml:"socket"`
}

// TranscriptConfig configures per-session output recording.
type TranscriptConfig struct {
	// Dir is the directory for transcript files. Empty disables
	// recording.
	Dir string `yaml:"dir"`

	// Compression selects the transcript codec: "none", "lz4", or
	// "zstd". Default: zstd (terminal output is text-like and
	// compresses well).
	Compression string `yaml:"compression"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text". The daemon defaults to json for
	// machine-parseable logs under a supervisor.
	Format string `yaml:"format"`
}

// Default returns the built-in defaults applied before any file,
// environment, or flag values.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 7070,
		},
		Transcript: TranscriptConfig{
			Compression: "zstd",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from the file named by the CMDD_CONFIG
// environment variable, or returns defaults when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("CMDD_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file over the defaults and expanding ${VAR} references.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// ApplyEnvironment applies CMDD_* environment variables over the
// current values. Called after file loading and before flag
// application, giving the documented precedence order.
func (c *Config) ApplyEnvironment() error {
	if host := os.Getenv("CMDD_HOST"); host != "" {
		c.Listen.Host = host
	}
	if portText := os.Getenv("CMDD_PORT"); portText != "" {
		port, err := strconv.Atoi(portText)
		if err != nil {
			return fmt.Errorf("CMDD_PORT: %w", err)
		}
		c.Listen.Port = port
	}
	if token := os.Getenv("CMDD_TOKEN"); token != "" {
		c.Auth.Token = token
	}
	if shell := os.Getenv("CMDD_SHELL"); shell != "" {
		c.Shell = shell
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// string-valued fields that can reasonably reference the environment.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Listen.Host = expandVars(c.Listen.Host, vars)
	c.Auth.Token = expandVars(c.Auth.Token, vars)
	c.Shell = expandVars(c.Shell, vars)
	c.Control.Socket = expandVars(c.Control.Socket, vars)
	c.Transcript.Dir = expandVars(c.Transcript.Dir, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting every
// problem rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Host == "" {
		errs = append(errs, fmt.Errorf("listen.host is required"))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port must be between 1 and 65535, got %d", c.Listen.Port))
	}

	compressionValues := []string{"none", "lz4", "zstd"}
	if !contains(compressionValues, c.Transcript.Compression) {
		errs = append(errs, fmt.Errorf("transcript.compression must be one of: %v", compressionValues))
	}

	levelValues := []string{"debug", "info", "warn", "error"}
	if !contains(levelValues, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levelValues))
	}

	formatValues := []string{"json", "text"}
	if !contains(formatValues, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formatValues))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
