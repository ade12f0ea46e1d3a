// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of the pipes-conformance
// binary.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Query-farm/pipes/pipes"
	"gopkg.in/yaml.v3"
)

// Config holds the binary configuration.
type Config struct {
	Channel        string        `yaml:"channel"`
	SocketDir      string        `yaml:"socket_dir"`
	PoolSize       int           `yaml:"pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	LegacyEncoding bool          `yaml:"legacy_encoding"`
	ServerID       string        `yaml:"server_id"`

	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `yaml:"addr"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// Stdout exports spans and metrics as JSON to standard output.
	Stdout bool `yaml:"stdout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Channel:        "pipes-conformance",
		PoolSize:       4,
		ConnectTimeout: pipes.DefaultConnectTimeout,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration from the given YAML file path on top of
// [Default]. If the file does not exist, the defaults are returned with
// no error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Channel == "" {
		return errors.New("channel must not be empty")
	}
	if strings.ContainsAny(c.Channel, `/\`) {
		return fmt.Errorf("channel %q must not contain path separators", c.Channel)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative, got %s", c.ConnectTimeout)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the logger described by the log section, writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Transport returns the socket transport for SocketDir.
func (c *Config) Transport() pipes.UnixTransport {
	return pipes.UnixTransport{Dir: c.SocketDir}
}

// Options converts the settings shared by clients and servers into
// pipes options.
func (c *Config) Options(logger *slog.Logger) []pipes.Option {
	opts := []pipes.Option{
		pipes.WithTransport(c.Transport()),
		pipes.WithConnectTimeout(c.ConnectTimeout),
		pipes.WithLegacyEncoding(c.LegacyEncoding),
		pipes.WithLogger(logger),
	}
	if c.ServerID != "" {
		opts = append(opts, pipes.WithServerID(c.ServerID))
	}
	return opts
}
