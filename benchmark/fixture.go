// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark provides the handler fixture and load driver used to
// measure pipes throughput.
package benchmark

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Query-farm/pipes/pipes"
)

// RegisterHandlers registers the benchmark fixture handlers on the router.
func RegisterHandlers(r *pipes.Router) {
	r.Unary("noop", noop)
	r.Unary("add", add)
	r.Unary("greet", greet)
	r.Unary("roundtrip_types", roundtripTypes)
	r.Unary("generate", generate)
	r.Unary("transform", transform)
}

// Handler implementations

func noop(context.Context, *pipes.ConnContext, string) (string, error) {
	return "", nil
}

// add expects "a b".
func add(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	a, b, ok := strings.Cut(msg, " ")
	if !ok {
		return "", &pipes.RemoteError{Type: "TypeError", Message: "add takes exactly 2 arguments"}
	}
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return "", &pipes.RemoteError{Type: "ValueError", Message: fmt.Sprintf("could not convert %q to floats", msg)}
	}
	return strconv.FormatFloat(x+y, 'g', -1, 64), nil
}

func greet(_ context.Context, _ *pipes.ConnContext, name string) (string, error) {
	return "Hello, " + name + "!", nil
}

// roundtripTypes expects "COLOR;k=v,k=v;t,t" and answers in the form
// COLOR:true:{'k': v, ...}:[t, ...] with mapping keys and tags sorted.
func roundtripTypes(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	parts := strings.SplitN(msg, ";", 3)
	if len(parts) != 3 {
		return "", &pipes.RemoteError{Type: "ValueError", Message: "want COLOR;mapping;tags"}
	}
	color := parts[0]

	mapping := map[string]int64{}
	if parts[1] != "" {
		for _, kv := range strings.Split(parts[1], ",") {
			k, v, _ := strings.Cut(kv, "=")
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return "", &pipes.RemoteError{Type: "ValueError", Message: fmt.Sprintf("mapping value %q", v)}
			}
			mapping[k] = n
		}
	}
	var tags []int64
	if parts[2] != "" {
		for _, s := range strings.Split(parts[2], ",") {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return "", &pipes.RemoteError{Type: "ValueError", Message: fmt.Sprintf("tag %q", s)}
			}
			tags = append(tags, n)
		}
	}

	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mappingParts []string
	for _, k := range keys {
		mappingParts = append(mappingParts, fmt.Sprintf("'%s': %d", k, mapping[k]))
	}
	mappingStr := "{" + strings.Join(mappingParts, ", ") + "}"

	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	var tagParts []string
	for _, t := range tags {
		tagParts = append(tagParts, strconv.FormatInt(t, 10))
	}
	tagsStr := "[" + strings.Join(tagParts, ", ") + "]"

	return fmt.Sprintf("%s:true:%s:%s", color, mappingStr, tagsStr), nil
}
