// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package pipesprom exports pipes server and pool metrics to Prometheus.
//
// Metrics collected by the dispatch hook:
//   - pipes_requests_total: requests by channel, address and status
//   - pipes_request_duration_seconds: dispatch duration by channel and address
//   - pipes_request_errors_total: failed requests by channel and error type
//   - pipes_payload_bytes_total: decoded payload bytes by channel and direction
//   - pipes_active_requests: requests currently being dispatched
//
// [NewPoolCollector] adds pipes_pool_* metrics for one [pipes.Pool].
package pipesprom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Query-farm/pipes/pipes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "pipes").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "pipes",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

func buildConfig(opts []MetricsOption) MetricsConfig {
	cfg := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Hook is a [pipes.DispatchHook] that records Prometheus metrics.
type Hook struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec
	payloadBytes    *prometheus.CounterVec
	activeRequests  prometheus.Gauge
}

// NewHook registers the dispatch metrics and returns the hook recording
// them. Registering twice on the same registry panics, as promauto does.
func NewHook(opts ...MetricsOption) *Hook {
	cfg := buildConfig(opts)
	factory := promauto.With(cfg.Registry)

	return &Hook{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of dispatched requests",
			ConstLabels: cfg.ConstLabels,
		}, []string{"channel", "address", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Request dispatch duration in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"channel", "address"}),

		requestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_errors_total",
			Help:        "Total number of failed requests by error type",
			ConstLabels: cfg.ConstLabels,
		}, []string{"channel", "error_type"}),

		payloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "payload_bytes_total",
			Help:        "Decoded request and response payload bytes",
			ConstLabels: cfg.ConstLabels,
		}, []string{"channel", "direction"}),

		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "active_requests",
			Help:        "Number of requests currently being dispatched",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// Instrument creates a hook and installs it on server.
func Instrument(server *pipes.Server, opts ...MetricsOption) *Hook {
	h := NewHook(opts...)
	server.SetDispatchHook(h)
	return h
}

type startToken time.Time

// OnDispatchStart implements [pipes.DispatchHook].
func (h *Hook) OnDispatchStart(ctx context.Context, _ pipes.DispatchInfo) (context.Context, pipes.HookToken) {
	h.activeRequests.Inc()
	return ctx, startToken(time.Now())
}

// OnDispatchEnd implements [pipes.DispatchHook].
func (h *Hook) OnDispatchEnd(_ context.Context, token pipes.HookToken, info pipes.DispatchInfo, stats *pipes.CallStatistics, err error) {
	h.activeRequests.Dec()

	status := "ok"
	if err != nil {
		status = "error"
		h.requestErrors.WithLabelValues(info.Channel, errorType(err)).Inc()
	}
	h.requestsTotal.WithLabelValues(info.Channel, info.Address, status).Inc()

	if start, ok := token.(startToken); ok {
		h.requestDuration.WithLabelValues(info.Channel, info.Address).
			Observe(time.Since(time.Time(start)).Seconds())
	}
	if stats != nil {
		h.payloadBytes.WithLabelValues(info.Channel, "request").Add(float64(stats.RequestBytes))
		h.payloadBytes.WithLabelValues(info.Channel, "response").Add(float64(stats.ResponseBytes))
	}
}

func errorType(err error) string {
	var remote *pipes.RemoteError
	if errors.As(err, &remote) {
		return remote.Type
	}
	return fmt.Sprintf("%T", err)
}

// PoolCollector reports the usage of one pool on every scrape.
type PoolCollector struct {
	pool      *pipes.Pool
	size      *prometheus.Desc
	inUse     *prometheus.Desc
	idle      *prometheus.Desc
	created   *prometheus.Desc
	discarded *prometheus.Desc
}

// NewPoolCollector creates a collector for p. Register it on the same
// registry as the hook; only the namespace, subsystem and const labels of
// opts are used.
func NewPoolCollector(p *pipes.Pool, opts ...MetricsOption) *PoolCollector {
	cfg := buildConfig(opts)
	labels := prometheus.Labels{"channel": p.Name()}
	for k, v := range cfg.ConstLabels {
		labels[k] = v
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, name),
			help, nil, labels,
		)
	}
	return &PoolCollector{
		pool:      p,
		size:      desc("pool_size", "Maximum number of pool leases"),
		inUse:     desc("pool_in_use", "Pool leases currently held"),
		idle:      desc("pool_idle", "Pooled connections waiting for reuse"),
		created:   desc("pool_connections_created_total", "Pooled connections created"),
		discarded: desc("pool_connections_discarded_total", "Faulted pooled connections discarded"),
	}
}

// Describe implements [prometheus.Collector].
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.inUse
	ch <- c.idle
	ch <- c.created
	ch <- c.discarded
}

// Collect implements [prometheus.Collector].
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(st.Size))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(st.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.Idle))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(st.Created))
	ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(st.Discarded))
}
