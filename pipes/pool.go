// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool lends up to Size connections to one channel. Connections are
// created lazily, reused after release and replaced when a previous user
// left them faulted.
type Pool struct {
	name   string
	size   int
	opts   []Option
	logger *slog.Logger
	gate   *semaphore.Weighted

	mu     sync.Mutex
	idle   []*Conn
	closed bool

	inUse     atomic.Int64
	created   atomic.Uint64
	discarded atomic.Uint64
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	Size      int    // maximum number of leases
	InUse     int    // leases currently held
	Idle      int    // connections waiting for reuse
	Created   uint64 // connections created since the pool was built
	Discarded uint64 // faulted connections thrown away
}

// NewPool creates a pool of at most size connections to the channel
// name. The options are applied to every connection. It panics when size
// is not positive.
func NewPool(name string, size int, opts ...Option) *Pool {
	if size < 1 {
		panic(fmt.Sprintf("pipes: pool size must be positive, got %d", size))
	}
	o := buildOptions(opts)
	return &Pool{
		name:   name,
		size:   size,
		opts:   opts,
		logger: o.logger,
		gate:   semaphore.NewWeighted(int64(size)),
	}
}

// Name returns the channel name.
func (p *Pool) Name() string { return p.name }

// Size returns the maximum number of simultaneous leases.
func (p *Pool) Size() int { return p.size }

// Acquire waits until fewer than Size leases are outstanding and returns a
// connected lease. When connecting fails the slot is given back before
// the error is returned.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if p.isClosed() {
		p.gate.Release(1)
		return nil, ErrPoolClosed
	}

	conn := p.take()
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		p.gate.Release(1)
		return nil, err
	}

	p.inUse.Add(1)
	return &Lease{pool: p, conn: conn}, nil
}

// SendRequest sends one request on a pooled connection and releases it
// whatever the outcome.
func (p *Pool) SendRequest(ctx context.Context, address, message string) (string, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	return lease.SendRequest(ctx, address, message)
}

// take pops a reusable connection, discarding faulted ones, or creates a
// new one.
func (p *Pool) take() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n := len(p.idle); n > 0; n = len(p.idle) {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]

		if conn.State() == StateFaulted {
			_ = conn.Close()
			p.discarded.Add(1)
			p.logger.Debug("discarded faulted connection", "channel", p.name)
			continue
		}
		return conn
	}

	p.created.Add(1)
	return NewConn(p.name, p.opts...)
}

func (p *Pool) put(conn *Conn) {
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		Size:      p.size,
		InUse:     int(p.inUse.Load()),
		Idle:      idle,
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close waits for every outstanding lease to be released, then closes
// all pooled connections. The pool cannot be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.gate.Acquire(context.Background(), int64(p.size)); err != nil {
		return err
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.Close()
	}
	return nil
}

// Lease is exclusive use of one pooled connection until Release.
type Lease struct {
	pool     *Pool
	conn     *Conn
	released atomic.Bool
}

// Name returns the channel name.
func (l *Lease) Name() string { return l.pool.name }

// Conn returns the borrowed connection, or nil after Release.
func (l *Lease) Conn() *Conn {
	if l.released.Load() {
		return nil
	}
	return l.conn
}

// Connected reports whether the borrowed connection is usable.
func (l *Lease) Connected() bool {
	conn := l.Conn()
	return conn != nil && conn.Connected()
}

// Connect reconnects the borrowed connection if it is not connected.
func (l *Lease) Connect(ctx context.Context) error {
	conn := l.Conn()
	if conn == nil {
		return ErrLeaseReleased
	}
	return conn.Connect(ctx)
}

// SendRequest sends one request on the borrowed connection.
func (l *Lease) SendRequest(ctx context.Context, address, message string) (string, error) {
	conn := l.Conn()
	if conn == nil {
		return "", ErrLeaseReleased
	}
	return conn.SendRequest(ctx, address, message)
}

// Release hands the connection back to the pool. Only the first call has
// any effect.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.put(l.conn)
	l.pool.inUse.Add(-1)
	l.pool.gate.Release(1)
}
