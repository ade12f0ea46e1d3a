// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// lastContextID is shared by every server in the process.
var lastContextID atomic.Uint64

// ConnContext is the server-side state of one accepted peer. It lives as
// long as the worker serving that peer and is passed to every handler
// invocation on the connection.
type ConnContext struct {
	id     uint64
	bag    Bag
	logger *slog.Logger

	mu        sync.Mutex
	version   int
	observers []func(*ConnContext)
	disposed  atomic.Bool
}

func newConnContext(version int, logger *slog.Logger) *ConnContext {
	return &ConnContext{
		id:      lastContextID.Add(1),
		version: version,
		logger:  logger,
	}
}

// ID returns the process-wide unique identifier of the connection.
func (c *ConnContext) ID() uint64 { return c.id }

// Bag returns the per-connection key/value store.
func (c *ConnContext) Bag() *Bag { return &c.bag }

// EncodeVersion returns the encode version currently used on the
// connection.
func (c *ConnContext) EncodeVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *ConnContext) setEncodeVersion(v int) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

// OnDisposing registers fn to run once when the connection ends, before
// the context is marked disposed. Observers run in registration order.
// Registering on a disposed context does nothing.
func (c *ConnContext) OnDisposing(fn func(*ConnContext)) {
	if fn == nil || c.disposed.Load() {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Disposed reports whether the connection has ended.
func (c *ConnContext) Disposed() bool { return c.disposed.Load() }

// dispose notifies observers and marks the context disposed. Only the
// first call has any effect.
func (c *ConnContext) dispose() {
	c.mu.Lock()
	observers := c.observers
	c.observers = nil
	already := c.disposed.Load()
	c.mu.Unlock()
	if already {
		return
	}

	defer c.disposed.Store(true)
	for _, fn := range observers {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					c.logger.Error("disposing observer panic", "conn_id", c.id, "err", rv)
				}
			}()
			fn(c)
		}()
	}
}

// Bag holds arbitrary handler-defined values for one connection. It is
// safe for concurrent use.
type Bag struct {
	mu     sync.RWMutex
	values map[string]any
}

// Get returns the value stored under key, or nil.
func (b *Bag) Get(key string) any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.values[key]
}

// Set stores value under key, replacing any previous value. A nil value
// removes the key.
func (b *Bag) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if value == nil {
		delete(b.values, key)
		return
	}
	if b.values == nil {
		b.values = make(map[string]any)
	}
	b.values[key] = value
}

// Len returns the number of stored keys.
func (b *Bag) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}

// Range calls fn for every stored value until fn returns false.
func (b *Bag) Range(fn func(key string, value any) bool) {
	b.mu.RLock()
	snapshot := make(map[string]any, len(b.values))
	for k, v := range b.values {
		snapshot[k] = v
	}
	b.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (c *ConnContext) String() string {
	return fmt.Sprintf("conn#%d", c.id)
}
