// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package pipes implements a small line-oriented RPC mechanism over local,
// duplex, byte-stream channels identified by a shared name.
//
// A client sends a request made of two text lines, an address and a
// message. The server reads both, dispatches them to a [Handler] and
// answers with either
//
//	ok
//	<response>
//
// or, when the handler fails,
//
//	exception
//	<error type>
//	<error message>
//	<stack trace>
//
// Every value travels as exactly one physical line, so payload text is
// escaped before it is written. Two escaping rule sets exist and are
// selected per connection by an encode version:
//
//   - Version 1 ([EncodeVersionLegacy]) only escapes CR and LF and trims
//     trailing whitespace. It cannot round-trip every string; see
//     [EncodeLegacy] for the exact limitations.
//   - Version 2 ([EncodeVersionCurrent]) uses C-style backslash escapes and
//     round-trips arbitrary text.
//
// A freshly connected [Conn] negotiates the version by sending the
// internal command [CommandConfigEncodeVersion]. Addresses starting with
// [InternalCommandPrefix] are consumed by the server and never reach the
// handler.
//
// # Clients
//
// [Conn] owns one stream and performs one exchange at a time. [Pool]
// hands out up to N connections to concurrent callers as [Lease] values
// and replaces connections that failed mid-exchange.
//
// # Servers
//
// [Server] accepts peers on the named channel while enabled and runs one
// worker goroutine per peer. Each worker owns a [ConnContext] that
// handlers can use to keep per-connection state in its [Bag]. [Router]
// maps addresses to handler functions and can bind the methods of a
// service value by reflection.
//
// # Transports
//
// The default [UnixTransport] maps a channel name onto a Unix domain
// socket in the system temporary directory. Any ordered, reliable stream
// transport can be plugged in through the [Transport] interface.
package pipes
