// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

// Well-known line values of the wire protocol.
const (
	// InternalCommandPrefix marks addresses handled by the protocol layer.
	InternalCommandPrefix = "--"
	// CommandConfigEncodeVersion negotiates the encode version of a
	// connection. The message is the proposed version as a decimal integer
	// and the response is the version the server settled on.
	CommandConfigEncodeVersion = "--config-encode-version"

	ResponseOK        = "ok"
	ResponseException = "exception"
)

// Encode versions understood by this package.
const (
	EncodeVersionLegacy  = 1
	EncodeVersionCurrent = 2
)

// clampEncodeVersion limits v to the supported version range.
func clampEncodeVersion(v int) int {
	return max(EncodeVersionLegacy, min(EncodeVersionCurrent, v))
}
