// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipesotel_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Query-farm/pipes/pipes"
	pipesotel "github.com/Query-farm/pipes/pipes/otel"
	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newRouter() *pipes.Router {
	r := pipes.NewRouter()
	r.Unary("echo", func(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
		return msg, nil
	})
	r.Unary("fail", func(context.Context, *pipes.ConnContext, string) (string, error) {
		return "", &pipes.RemoteError{Type: "ValidationError", Message: "bad input"}
	})
	return r
}

type telemetry struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	cfg    pipesotel.OtelConfig
}

func newTelemetry() telemetry {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	cfg := pipesotel.DefaultConfig()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	cfg.CustomAttributes = []attribute.KeyValue{attribute.String("deployment", "test")}
	return telemetry{spans: spans, reader: reader, cfg: cfg}
}

func (tm telemetry) collect(t *testing.T) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := tm.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func startServer(t *testing.T) *pipes.Server {
	t.Helper()
	srv := pipes.NewServer("otel-"+uuid.NewString(), newRouter(),
		pipes.WithLogger(quietLogger()), pipes.WithServerID("srv-otel"))
	if err := srv.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestInstrumentServerRecordsSpans(t *testing.T) {
	tm := newTelemetry()
	srv := startServer(t)
	if err := pipesotel.InstrumentServer(srv, tm.cfg); err != nil {
		t.Fatalf("InstrumentServer: %v", err)
	}

	conn, err := pipes.Dial(testContext(t), srv.Name(), pipes.WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.SendRequest(testContext(t), "echo", "hello"); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if _, err := conn.SendRequest(testContext(t), "fail", ""); !errors.Is(err, pipes.ErrRemote) {
		t.Fatalf("fail = %v, want remote error", err)
	}

	spans := tm.spans.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2 (handshake excluded)", len(spans))
	}

	ok := spans[0]
	if ok.Name() != "pipes/echo" || ok.SpanKind() != trace.SpanKindServer {
		t.Fatalf("span %q kind %v", ok.Name(), ok.SpanKind())
	}
	if ok.Status().Code != codes.Ok {
		t.Fatalf("status = %v", ok.Status())
	}
	attrs := ok.Attributes()
	for key, want := range map[attribute.Key]string{
		"rpc.system":      "pipes",
		"rpc.service":     srv.Name(),
		"rpc.method":      "echo",
		"pipes.server_id": "srv-otel",
		"deployment":      "test",
	} {
		if v, found := attrValue(attrs, key); !found || v.AsString() != want {
			t.Errorf("attribute %s = %v, want %q", key, v.Emit(), want)
		}
	}
	if v, _ := attrValue(attrs, "pipes.request_bytes"); v.AsInt64() != int64(len("echo")+len("hello")) {
		t.Errorf("request bytes = %d", v.AsInt64())
	}
	if v, _ := attrValue(attrs, "pipes.encode_version"); v.AsInt64() != pipes.EncodeVersionCurrent {
		t.Errorf("encode version = %d", v.AsInt64())
	}

	failed := spans[1]
	if failed.Status().Code != codes.Error || failed.Status().Description != "ValidationError: bad input" {
		t.Fatalf("failed status = %+v", failed.Status())
	}
	if v, _ := attrValue(failed.Attributes(), "pipes.error_type"); v.AsString() != "ValidationError" {
		t.Errorf("error type = %q", v.AsString())
	}
	if len(failed.Events()) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestInstrumentServerRecordsMetrics(t *testing.T) {
	tm := newTelemetry()
	srv := startServer(t)
	if err := pipesotel.InstrumentServer(srv, tm.cfg); err != nil {
		t.Fatalf("InstrumentServer: %v", err)
	}

	conn, err := pipes.Dial(testContext(t), srv.Name(), pipes.WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	for range 3 {
		conn.SendRequest(testContext(t), "echo", "abc")
	}
	conn.SendRequest(testContext(t), "fail", "")

	metrics := tm.collect(t)

	requests, ok := metrics["pipes.server.requests"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("pipes.server.requests missing: %v", metrics)
	}
	byStatus := map[string]int64{}
	for _, dp := range requests.DataPoints {
		status, _ := dp.Attributes.Value("status")
		byStatus[status.AsString()] += dp.Value
	}
	if byStatus["ok"] != 3 || byStatus["error"] != 1 {
		t.Fatalf("requests by status = %v", byStatus)
	}

	hist, ok := metrics["pipes.server.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("pipes.server.duration missing")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 4 {
		t.Fatalf("duration histogram count = %d, want 4", count)
	}

	payload, ok := metrics["pipes.server.payload"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("pipes.server.payload missing")
	}
	byDirection := map[string]int64{}
	for _, dp := range payload.DataPoints {
		dir, _ := dp.Attributes.Value("direction")
		byDirection[dir.AsString()] += dp.Value
	}
	if byDirection["response"] != 9 {
		t.Fatalf("response bytes = %d, want 9", byDirection["response"])
	}
}

func TestTracingDisabled(t *testing.T) {
	tm := newTelemetry()
	tm.cfg.EnableTracing = false
	srv := startServer(t)
	if err := pipesotel.InstrumentServer(srv, tm.cfg); err != nil {
		t.Fatalf("InstrumentServer: %v", err)
	}

	conn, err := pipes.Dial(testContext(t), srv.Name(), pipes.WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SendRequest(testContext(t), "echo", "x")

	if n := len(tm.spans.Ended()); n != 0 {
		t.Fatalf("recorded %d spans with tracing disabled", n)
	}
	if _, ok := tm.collect(t)["pipes.server.requests"]; !ok {
		t.Fatal("metrics not recorded with tracing disabled")
	}
}

func TestInstrumentPool(t *testing.T) {
	tm := newTelemetry()
	srv := startServer(t)

	pool := pipes.NewPool(srv.Name(), 3, pipes.WithConnectTimeout(time.Second), pipes.WithLogger(quietLogger()))
	defer pool.Close()
	unregister, err := pipesotel.InstrumentPool(pool, tm.cfg.MeterProvider)
	if err != nil {
		t.Fatalf("InstrumentPool: %v", err)
	}
	defer unregister()

	a, err := pool.Acquire(testContext(t))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := pool.Acquire(testContext(t))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b.Release()
	defer a.Release()

	metrics := tm.collect(t)
	gauge := func(name string) int64 {
		t.Helper()
		switch data := metrics[name].Data.(type) {
		case metricdata.Gauge[int64]:
			return data.DataPoints[0].Value
		case metricdata.Sum[int64]:
			return data.DataPoints[0].Value
		}
		t.Fatalf("metric %s missing", name)
		return 0
	}
	if got := gauge("pipes.pool.in_use"); got != 1 {
		t.Errorf("in_use = %d, want 1", got)
	}
	if got := gauge("pipes.pool.idle"); got != 1 {
		t.Errorf("idle = %d, want 1", got)
	}
	if got := gauge("pipes.pool.created"); got != 2 {
		t.Errorf("created = %d, want 2", got)
	}
}
