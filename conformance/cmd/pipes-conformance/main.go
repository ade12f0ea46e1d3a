// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Query-farm/pipes/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

var (
	// Global flags
	cfgFile         string
	channel         string
	socketDir       string
	poolSize        int
	connectTimeout  time.Duration
	legacyEncoding  bool
	logLevel        string
	logFormat       string
	metricsAddr     string
	telemetryStdout bool

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *slog.Logger
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipes-conformance",
		Short: "Serve and exercise the pipes conformance handlers",
		Long: `pipes-conformance hosts the conformance and benchmark handlers on a
named local channel and provides a client for calling them.

Settings come from an optional YAML file (--config) and are overridden by
flags given on the command line.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}

	f := root.PersistentFlags()
	f.StringVarP(&cfgFile, "config", "c", "", "YAML configuration file")
	f.StringVar(&channel, "channel", "", "channel name")
	f.StringVar(&socketDir, "socket-dir", "", "directory holding channel sockets")
	f.IntVar(&poolSize, "pool-size", 0, "client pool size")
	f.DurationVar(&connectTimeout, "connect-timeout", 0, "connect timeout, e.g. 100ms (0 disables)")
	f.BoolVar(&legacyEncoding, "legacy", false, "use the legacy line encoding")
	f.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&logFormat, "log-format", "", "log format: text or json")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&telemetryStdout, "telemetry-stdout", false, "export OpenTelemetry spans and metrics to stdout")

	root.AddCommand(
		serveCmd(),
		callCmd(),
		benchCmd(),
		versionCmd(),
	)
	return root
}

// loadConfig reads the config file and applies flags that were set
// explicitly.
func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("channel") {
		cfg.Channel = channel
	}
	if flags.Changed("socket-dir") {
		cfg.SocketDir = socketDir
	}
	if flags.Changed("pool-size") {
		cfg.PoolSize = poolSize
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = connectTimeout
	}
	if flags.Changed("legacy") {
		cfg.LegacyEncoding = legacyEncoding
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = metricsAddr
	}
	if flags.Changed("telemetry-stdout") {
		cfg.Telemetry.Stdout = telemetryStdout
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err = cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
