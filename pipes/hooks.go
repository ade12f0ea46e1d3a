// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import "context"

// DispatchHook provides observability callpoints around handler dispatch.
// Implementations must be safe for concurrent use; every peer is served
// by its own goroutine.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo describes the request being dispatched.
type DispatchInfo struct {
	Channel       string // channel name the server listens on
	Address       string // request address
	ServerID      string // server identifier
	ConnectionID  uint64 // ConnContext.ID of the peer
	EncodeVersion int    // encode version of the connection
}

// CallStatistics holds per-call payload sizes in decoded bytes.
type CallStatistics struct {
	RequestBytes  int64
	ResponseBytes int64
}

// RecordRequest records the decoded size of a request.
func (s *CallStatistics) RecordRequest(address, message string) {
	s.RequestBytes += int64(len(address) + len(message))
}

// RecordResponse records the decoded size of a response.
func (s *CallStatistics) RecordResponse(response string) {
	s.ResponseBytes += int64(len(response))
}

// ChainHooks combines hooks into one. Start callbacks run in order and
// may each replace the context; end callbacks run in reverse order.
func ChainHooks(hooks ...DispatchHook) DispatchHook {
	var live []DispatchHook
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return hookChain(live)
}

type hookChain []DispatchHook

func (c hookChain) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	tokens := make([]HookToken, len(c))
	for i, h := range c {
		var next context.Context
		next, tokens[i] = h.OnDispatchStart(ctx, info)
		if next != nil {
			ctx = next
		}
	}
	return ctx, tokens
}

func (c hookChain) OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	tokens, _ := token.([]HookToken)
	for i := len(c) - 1; i >= 0; i-- {
		var t HookToken
		if i < len(tokens) {
			t = tokens[i]
		}
		c[i].OnDispatchEnd(ctx, t, info, stats, err)
	}
}
