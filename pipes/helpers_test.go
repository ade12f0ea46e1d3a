// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

// quietLogger discards all log output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// channelName returns a channel name no other test uses.
func channelName() string {
	return "test-" + uuid.NewString()
}

// startServer enables a server for handler on a fresh channel and closes
// it when the test ends.
func startServer(t *testing.T, handler Handler, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	srv := NewServer(channelName(), handler, opts...)
	if err := srv.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// dialServer connects a client to srv and closes it when the test ends.
func dialServer(t *testing.T, srv *Server, opts ...Option) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts = append([]Option{WithConnectTimeout(time.Second)}, opts...)
	conn, err := Dial(ctx, srv.Name(), opts...)
	if err != nil {
		t.Fatalf("Dial(%q): %v", srv.Name(), err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// testContext returns a context bounded by a few seconds.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// echoHandler answers every request with its message.
var echoHandler = HandlerFunc(func(_ context.Context, req *Request) error {
	req.Response = req.Message
	return nil
})

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
