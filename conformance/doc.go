// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides test fixtures for the pipes protocol
// conformance suite. It registers a set of handlers that exercise every
// feature of the protocol: payload escaping, error propagation, panics,
// per-connection state kept in the connection bag, disposal callbacks
// and encode version negotiation.
//
// The entry points intended for external use are [RegisterHandlers],
// which registers all conformance handlers on a [pipes.Router], and
// [Fixture], which reports the sessions opened and cleaned up by them.
// The domain types [Status] and [Point] are exported because they serve
// as examples of values carried as text payloads.
package conformance
