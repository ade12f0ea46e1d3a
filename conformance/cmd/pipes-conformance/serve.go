// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Query-farm/pipes/benchmark"
	"github.com/Query-farm/pipes/conformance"
	"github.com/Query-farm/pipes/pipes"
	pipesotel "github.com/Query-farm/pipes/pipes/otel"
	pipesprom "github.com/Query-farm/pipes/pipes/prom"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the conformance handlers until interrupted",
		Long: `Serve the conformance and benchmark handlers on the configured channel.

Once listening, the channel name is printed to stdout as PIPE:<channel>.
SIGINT or SIGTERM disables the server, disconnects peers and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := startTelemetry(cfg.Telemetry.Stdout, cfg.Metrics.Addr, os.Stdout)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			r := pipes.NewRouter()
			fixture := conformance.RegisterHandlers(r)
			benchmark.RegisterHandlers(r)

			server := pipes.NewServer(cfg.Channel, r, cfg.Options(logger)...)
			hook, err := serverHook(tel)
			if err != nil {
				return err
			}
			server.SetDispatchHook(hook)

			if err := server.SetEnabled(true); err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Channel, err)
			}
			logger.Info("serving", "channel", cfg.Channel, "server_id", server.ServerID(),
				"addresses", len(r.Addresses()))
			fmt.Printf("PIPE:%s\n", cfg.Channel)
			os.Stdout.Sync()

			<-ctx.Done()
			logger.Info("shutting down", "channel", cfg.Channel)
			err = server.Close()
			opened, closed := fixture.Sessions()
			logger.Info("stopped", "sessions_opened", opened, "sessions_closed", closed)
			return err
		},
	}
}

// serverHook chains the Prometheus and OpenTelemetry dispatch hooks that
// tel enables. The result is nil when neither is.
func serverHook(tel *telemetry) (pipes.DispatchHook, error) {
	var hooks []pipes.DispatchHook
	if tel.registry != nil {
		hooks = append(hooks, pipesprom.NewHook(pipesprom.WithRegistry(tel.registry)))
	}
	if otelCfg, ok := tel.otelConfig(); ok {
		h, err := pipesotel.NewHook(otelCfg)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	return pipes.ChainHooks(hooks...), nil
}

func shutdownTelemetry(tel *telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", "err", err)
	}
}
