// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	pipesotel "github.com/Query-farm/pipes/pipes/otel"
)

// telemetry holds the observability backends enabled by the config.
// Any field may be nil.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
	metricsServer  *http.Server
}

// startTelemetry sets up stdout OpenTelemetry export when stdout is set
// and a Prometheus endpoint on metricsAddr when it is not empty.
func startTelemetry(stdout bool, metricsAddr string, w io.Writer) (*telemetry, error) {
	t := &telemetry{}

	if stdout {
		traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, err
		}
		metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, err
		}
		t.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(10*time.Second))),
		)
	}

	if metricsAddr != "" {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			t.shutdown(context.Background())
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry}))
		t.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		slog.Info("serving metrics", "addr", ln.Addr().String())
		go func() {
			if err := t.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "err", err)
			}
		}()
	}
	return t, nil
}

// otelConfig returns the hook configuration bound to the stdout
// providers, or false when OpenTelemetry export is disabled.
func (t *telemetry) otelConfig() (pipesotel.OtelConfig, bool) {
	if t.tracerProvider == nil {
		return pipesotel.OtelConfig{}, false
	}
	cfg := pipesotel.DefaultConfig()
	cfg.TracerProvider = t.tracerProvider
	cfg.MeterProvider = t.meterProvider
	return cfg, true
}

// shutdown flushes exporters and stops the metrics endpoint.
func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	if t.metricsServer != nil {
		errs = append(errs, t.metricsServer.Shutdown(ctx))
	}
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
