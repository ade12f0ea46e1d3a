// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Query-farm/pipes/benchmark"
	"github.com/Query-farm/pipes/pipes"
	pipesotel "github.com/Query-farm/pipes/pipes/otel"
	pipesprom "github.com/Query-farm/pipes/pipes/prom"
)

func benchCmd() *cobra.Command {
	var (
		address     string
		message     string
		requests    int
		concurrency int
		inProcess   bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive load through a connection pool",
		Long: `Send a fixed number of requests through a pool of pool_size connections
from several concurrent workers and report throughput and latency.

With --in-process a server is started on a private channel first, so no
separate serve process is needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := startTelemetry(cfg.Telemetry.Stdout, cfg.Metrics.Addr, os.Stdout)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			name := cfg.Channel
			if inProcess {
				name = "bench-" + uuid.NewString()
				r := pipes.NewRouter()
				benchmark.RegisterHandlers(r)
				server := pipes.NewServer(name, r, cfg.Options(logger)...)
				hook, err := serverHook(tel)
				if err != nil {
					return err
				}
				server.SetDispatchHook(hook)
				if err := server.SetEnabled(true); err != nil {
					return err
				}
				defer server.Close()
			}

			pool := pipes.NewPool(name, cfg.PoolSize, cfg.Options(logger)...)
			defer pool.Close()

			if tel.registry != nil {
				tel.registry.MustRegister(pipesprom.NewPoolCollector(pool))
			}
			if tel.meterProvider != nil {
				unregister, err := pipesotel.InstrumentPool(pool, tel.meterProvider)
				if err != nil {
					return err
				}
				defer unregister()
			}

			logger.Info("benchmark starting", "channel", name, "address", address,
				"requests", requests, "concurrency", concurrency, "pool_size", cfg.PoolSize)

			res, err := benchmark.Run(ctx, pool, benchmark.Workload{
				Address:     address,
				Message:     message,
				Requests:    requests,
				Concurrency: concurrency,
			})
			if err != nil {
				return err
			}

			stats := pool.Stats()
			fmt.Println(res)
			fmt.Printf("pool: %d created, %d discarded\n", stats.Created, stats.Discarded)
			if res.Failures > 0 {
				return fmt.Errorf("%d requests failed, first: %w", res.Failures, res.FirstErr)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&address, "address", "noop", "request address")
	f.StringVar(&message, "message", "", "request message")
	f.IntVarP(&requests, "requests", "n", 10000, "total number of requests")
	f.IntVarP(&concurrency, "concurrency", "j", 8, "concurrent workers")
	f.BoolVar(&inProcess, "in-process", false, "start a server on a private channel")
	return cmd
}
