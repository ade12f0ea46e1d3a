// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"strconv"
	"strings"

	"github.com/Query-farm/pipes/pipes"
)

// maxProducedLines bounds produce_lines so a client cannot make the
// server build an arbitrarily large response.
const maxProducedLines = 100_000

// produceLines answers "n" with the numbers 0 to n-1, one per line. The
// whole sequence travels as a single escaped payload.
func produceLines(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(msg))
	if err != nil || n < 0 || n > maxProducedLines {
		return "", valueError("count must be an integer between 0 and %d, got %q", maxProducedLines, msg)
	}
	var b strings.Builder
	for i := range n {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i))
	}
	return b.String(), nil
}

// scaleLines multiplies every line after the first by the factor on the
// first line.
func scaleLines(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	lines := strings.Split(msg, "\n")
	factor, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil {
		return "", valueError("invalid factor %q", lines[0])
	}
	out := make([]string, 0, len(lines)-1)
	for i, line := range lines[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			return "", valueError("line %d: invalid number %q", i+1, line)
		}
		out = append(out, formatFloat(v*factor))
	}
	return strings.Join(out, "\n"), nil
}

// accumulate adds the message to a running total kept for the
// connection and returns the new total.
func accumulate(_ context.Context, cc *pipes.ConnContext, msg string) (string, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(msg), 64)
	if err != nil {
		return "", valueError("could not convert string to float: %q", msg)
	}
	total, _ := cc.Bag().Get("accumulate").(float64)
	total += v
	cc.Bag().Set("accumulate", total)
	return formatFloat(total), nil
}
