// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"strconv"
	"strings"

	"github.com/Query-farm/pipes/pipes"
)

// generate answers "n" with n lines of the form "i value" where
// value = i * 10.
func generate(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	n, err := strconv.Atoi(msg)
	if err != nil || n < 0 {
		return "", &pipes.RemoteError{Type: "ValueError", Message: "count must be a non-negative integer"}
	}
	var b strings.Builder
	for i := range n {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(i * 10))
	}
	return b.String(), nil
}

// transform scales the values on every line after the first by the
// factor on the first line.
func transform(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	header, body, _ := strings.Cut(msg, "\n")
	factor, err := strconv.ParseFloat(header, 64)
	if err != nil {
		return "", &pipes.RemoteError{Type: "ValueError", Message: "invalid factor"}
	}
	if body == "" {
		return "", nil
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return "", &pipes.RemoteError{Type: "ValueError", Message: "invalid value " + strconv.Quote(line)}
		}
		lines[i] = strconv.FormatFloat(v*factor, 'g', -1, 64)
	}
	return strings.Join(lines, "\n"), nil
}
