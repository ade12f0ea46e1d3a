// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"bufio"
	"io"
	"strings"
)

// readLine reads one frame and decodes it with the given encode version.
// A final line without terminator is returned as is; io.EOF is only
// reported when no bytes were read.
func readLine(r *bufio.Reader, version int) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err != io.EOF || line == "" {
			return "", err
		}
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return DecoderFor(version)(line), nil
}

// writeLine encodes value with the given encode version and buffers it as
// one frame. Nothing reaches the peer before the writer is flushed.
func writeLine(w *bufio.Writer, version int, value string) error {
	if _, err := w.WriteString(EncoderFor(version)(value)); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// writeResponse buffers a success response.
func writeResponse(w *bufio.Writer, version int, response string) error {
	if err := writeLine(w, version, ResponseOK); err != nil {
		return err
	}
	return writeLine(w, version, response)
}

// writeException buffers a failure response for err.
func writeException(w *bufio.Writer, version int, err error) error {
	typ, msg, trace := marshalError(err)
	for _, line := range []string{ResponseException, typ, msg, trace} {
		if err := writeLine(w, version, line); err != nil {
			return err
		}
	}
	return nil
}
