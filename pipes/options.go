// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"log/slog"
	"time"
)

// DefaultConnectTimeout is how long a client waits for a server to accept.
const DefaultConnectTimeout = 100 * time.Millisecond

// Option configures a [Conn], [Pool] or [Server]. Options that do not
// apply to the value being built are ignored.
type Option func(*options)

type options struct {
	transport      Transport
	logger         *slog.Logger
	connectTimeout time.Duration
	legacyEncoding bool
	hook           DispatchHook
	serverID       string
}

func buildOptions(opts []Option) options {
	o := options{
		transport:      UnixTransport{},
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTransport selects the transport used to dial or listen.
func WithTransport(t Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConnectTimeout bounds how long Connect waits for the server to
// accept, on top of any deadline carried by the context. Zero or negative
// disables the extra bound.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithLegacyEncoding makes the server start every connection on
// [EncodeVersionLegacy] so that clients which never negotiate keep
// working. Negotiating clients are upgraded regardless.
func WithLegacyEncoding(enabled bool) Option {
	return func(o *options) {
		o.legacyEncoding = enabled
	}
}

// WithDispatchHook installs a hook called around each handler dispatch.
func WithDispatchHook(h DispatchHook) Option {
	return func(o *options) {
		o.hook = h
	}
}

// WithServerID sets the identifier reported to dispatch hooks and logs.
func WithServerID(id string) Option {
	return func(o *options) {
		o.serverID = id
	}
}
