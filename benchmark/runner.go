// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Requester sends one request. *pipes.Pool, *pipes.Conn and *pipes.Lease
// satisfy it; only the pool is safe for concurrent workers.
type Requester interface {
	SendRequest(ctx context.Context, address, message string) (string, error)
}

// Workload describes a load run.
type Workload struct {
	Address     string
	Message     string
	Requests    int // total requests to send
	Concurrency int // parallel workers, at least 1
	// Expect, when set, is compared with every response.
	Expect func(response string) error
}

// Result summarises a load run.
type Result struct {
	Requests  int
	Failures  int
	Elapsed   time.Duration
	Latencies []time.Duration // sorted ascending
	FirstErr  error
}

// Throughput returns the completed requests per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

// Percentile returns the latency at p in [0, 100].
func (r Result) Percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	idx := int(float64(len(r.Latencies)-1) * p / 100)
	return r.Latencies[max(0, min(idx, len(r.Latencies)-1))]
}

func (r Result) String() string {
	return fmt.Sprintf("%d requests (%d failed) in %s: %.0f req/s, p50 %s, p99 %s",
		r.Requests, r.Failures, r.Elapsed.Round(time.Millisecond), r.Throughput(),
		r.Percentile(50), r.Percentile(99))
}

// Run sends w.Requests requests through client from w.Concurrency
// workers. Failed requests are counted, not fatal; Run only returns an
// error when the workload is invalid or ctx ends early.
func Run(ctx context.Context, client Requester, w Workload) (Result, error) {
	if w.Requests < 1 {
		return Result{}, errors.New("benchmark: requests must be positive")
	}
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}

	var (
		next      atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, w.Requests)
		firstErr  error
	)
	record := func(d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		latencies = append(latencies, d)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for range w.Concurrency {
		g.Go(func() error {
			for next.Add(1) <= int64(w.Requests) {
				if err := gctx.Err(); err != nil {
					return err
				}
				t0 := time.Now()
				resp, err := client.SendRequest(gctx, w.Address, w.Message)
				if err == nil && w.Expect != nil {
					err = w.Expect(resp)
				}
				if err != nil {
					failures.Add(1)
				}
				record(time.Since(t0), err)
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)

	slices.Sort(latencies)
	res := Result{
		Requests:  len(latencies),
		Failures:  int(failures.Load()),
		Elapsed:   elapsed,
		Latencies: latencies,
		FirstErr:  firstErr,
	}
	return res, err
}
