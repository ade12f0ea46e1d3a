// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipes.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
channel: calc
socket_dir: /run/pipes
pool_size: 8
connect_timeout: 250ms
legacy_encoding: true
server_id: calc-1
log:
  level: debug
  format: json
metrics:
  addr: 127.0.0.1:9464
telemetry:
  stdout: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Config{
		Channel:        "calc",
		SocketDir:      "/run/pipes",
		PoolSize:       8,
		ConnectTimeout: 250 * time.Millisecond,
		LegacyEncoding: true,
		ServerID:       "calc-1",
		Log:            LogConfig{Level: "debug", Format: "json"},
		Metrics:        MetricsConfig{Addr: "127.0.0.1:9464"},
		Telemetry:      TelemetryConfig{Stdout: true},
	}
	if *cfg != want {
		t.Fatalf("cfg = %+v\nwant  %+v", *cfg, want)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "pool_size: 2\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PoolSize != 2 || cfg.Channel != Default().Channel || cfg.Log.Format != "text" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeFile(t, "chanel: typo\n")); err == nil {
		t.Fatal("Load accepted an unknown key")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	if _, err := Load(writeFile(t, "connect_timeout: soon\n")); err == nil {
		t.Fatal("Load accepted an invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"empty channel", func(c *Config) { c.Channel = "" }, "channel"},
		{"path in channel", func(c *Config) { c.Channel = "a/b" }, "path separators"},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }, "pool_size"},
		{"negative timeout", func(c *Config) { c.ConnectTimeout = -time.Second }, "connect_timeout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.errSub)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}

	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "channel", "calc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"channel":"calc"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestOptions(t *testing.T) {
	cfg := Default()
	cfg.SocketDir = "/run/pipes"
	if got := cfg.Transport().Path("calc"); got != "/run/pipes/pipes-calc.sock" {
		t.Fatalf("socket path = %q", got)
	}
	if n := len(cfg.Options(nil)); n != 4 {
		t.Fatalf("%d options without server ID, want 4", n)
	}
	cfg.ServerID = "calc-1"
	if n := len(cfg.Options(nil)); n != 5 {
		t.Fatalf("%d options with server ID, want 5", n)
	}
}
