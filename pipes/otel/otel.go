// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package pipesotel provides OpenTelemetry instrumentation for pipes
// servers and pools. It implements the [pipes.DispatchHook] interface to
// add tracing and metrics to request dispatch, and reports pool usage as
// observable gauges.
//
// Usage:
//
//	server := pipes.NewServer("calc", router)
//	pipesotel.InstrumentServer(server, pipesotel.DefaultConfig())
package pipesotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Query-farm/pipes/pipes"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "pipes"

// OtelConfig configures OpenTelemetry instrumentation.
type OtelConfig struct {
	// Nil providers fall back to the global ones from the otel package.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	EnableTracing    bool // start a server span per request
	EnableMetrics    bool // record request, duration and payload instruments
	RecordExceptions bool // add an exception event to failed spans

	// Attributes appended to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig enables tracing, metrics and exception events on the
// global providers.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

func (cfg *OtelConfig) resolve() {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
}

// NewHook builds the dispatch hook without installing it, so that it can
// be combined with others through [pipes.ChainHooks].
func NewHook(cfg OtelConfig) (pipes.DispatchHook, error) {
	cfg.resolve()
	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		var err error
		hook.requests, err = meter.Int64Counter("pipes.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of dispatched requests"),
		)
		if err != nil {
			return nil, fmt.Errorf("creating request counter: %w", err)
		}
		hook.duration, err = meter.Float64Histogram("pipes.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of request dispatch"),
		)
		if err != nil {
			return nil, fmt.Errorf("creating duration histogram: %w", err)
		}
		hook.payload, err = meter.Int64Counter("pipes.server.payload",
			metric.WithUnit("By"),
			metric.WithDescription("Decoded request and response bytes"),
		)
		if err != nil {
			return nil, fmt.Errorf("creating payload counter: %w", err)
		}
	}
	return hook, nil
}

// InstrumentServer attaches OpenTelemetry instrumentation to a server.
// The hook is installed via [pipes.Server.SetDispatchHook] and replaces
// any hook set before.
func InstrumentServer(server *pipes.Server, cfg OtelConfig) error {
	hook, err := NewHook(cfg)
	if err != nil {
		return err
	}
	server.SetDispatchHook(hook)
	return nil
}

type otelHook struct {
	cfg    OtelConfig
	tracer trace.Tracer

	// Set only when metrics are enabled.
	requests metric.Int64Counter
	duration metric.Float64Histogram
	payload  metric.Int64Counter
}

type dispatchToken struct {
	span  trace.Span // nil when tracing is off
	begun time.Time
}

// requestAttrs identifies the request on spans and metrics.
func requestAttrs(info pipes.DispatchInfo) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rpc.system", "pipes"),
		attribute.String("rpc.service", info.Channel),
		attribute.String("rpc.method", info.Address),
	}
}

// OnDispatchStart starts a server span for the request.
func (h *otelHook) OnDispatchStart(ctx context.Context, info pipes.DispatchInfo) (context.Context, pipes.HookToken) {
	tok := &dispatchToken{begun: time.Now()}
	if !h.cfg.EnableTracing {
		return ctx, tok
	}

	attrs := append(requestAttrs(info),
		attribute.String("pipes.server_id", info.ServerID),
		attribute.Int64("pipes.connection_id", int64(info.ConnectionID)),
		attribute.Int("pipes.encode_version", info.EncodeVersion),
	)
	ctx, tok.span = h.tracer.Start(ctx, "pipes/"+info.Address,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(append(attrs, h.cfg.CustomAttributes...)...),
	)
	return ctx, tok
}

// OnDispatchEnd records the instruments and finishes the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token pipes.HookToken, info pipes.DispatchInfo, stats *pipes.CallStatistics, err error) {
	tok, ok := token.(*dispatchToken)
	if !ok {
		return
	}
	if h.cfg.EnableMetrics {
		h.record(ctx, info, stats, time.Since(tok.begun), err)
	}
	if tok.span == nil {
		return
	}
	defer tok.span.End()

	if stats != nil {
		tok.span.SetAttributes(
			attribute.Int64("pipes.request_bytes", stats.RequestBytes),
			attribute.Int64("pipes.response_bytes", stats.ResponseBytes),
		)
	}
	if err == nil {
		tok.span.SetStatus(codes.Ok, "")
		return
	}
	tok.span.SetAttributes(attribute.String("pipes.error_type", errorType(err)))
	tok.span.SetStatus(codes.Error, err.Error())
	if h.cfg.RecordExceptions {
		tok.span.RecordError(err)
	}
}

func (h *otelHook) record(ctx context.Context, info pipes.DispatchInfo, stats *pipes.CallStatistics, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	withStatus := metric.WithAttributes(append(requestAttrs(info), attribute.String("status", outcome))...)
	h.requests.Add(ctx, 1, withStatus)
	h.duration.Record(ctx, elapsed.Seconds(), withStatus)

	if stats == nil {
		return
	}
	service := attribute.String("rpc.service", info.Channel)
	h.payload.Add(ctx, stats.RequestBytes, metric.WithAttributes(service, attribute.String("direction", "request")))
	h.payload.Add(ctx, stats.ResponseBytes, metric.WithAttributes(service, attribute.String("direction", "response")))
}

// errorType names err the way it is reported to the client.
func errorType(err error) string {
	var remote *pipes.RemoteError
	if errors.As(err, &remote) {
		return remote.Type
	}
	return fmt.Sprintf("%T", err)
}

// InstrumentPool reports the usage of p as observable gauges. The
// returned function unregisters the callback.
func InstrumentPool(p *pipes.Pool, provider metric.MeterProvider) (func() error, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	inUse, err := meter.Int64ObservableGauge("pipes.pool.in_use",
		metric.WithUnit("{connection}"),
		metric.WithDescription("Leases currently held"),
	)
	if err != nil {
		return nil, err
	}
	idle, err := meter.Int64ObservableGauge("pipes.pool.idle",
		metric.WithUnit("{connection}"),
		metric.WithDescription("Connections waiting for reuse"),
	)
	if err != nil {
		return nil, err
	}
	created, err := meter.Int64ObservableCounter("pipes.pool.created",
		metric.WithUnit("{connection}"),
		metric.WithDescription("Connections created"),
	)
	if err != nil {
		return nil, err
	}
	discarded, err := meter.Int64ObservableCounter("pipes.pool.discarded",
		metric.WithUnit("{connection}"),
		metric.WithDescription("Faulted connections discarded"),
	)
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(attribute.String("rpc.service", p.Name()))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := p.Stats()
		o.ObserveInt64(inUse, int64(st.InUse), attrs)
		o.ObserveInt64(idle, int64(st.Idle), attrs)
		o.ObserveInt64(created, int64(st.Created), attrs)
		o.ObserveInt64(discarded, int64(st.Discarded), attrs)
		return nil
	}, inUse, idle, created, discarded)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}
