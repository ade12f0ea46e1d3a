// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRequestResponse(t *testing.T) {
	var mu sync.Mutex
	var gotAddress, gotMessage string
	srv := startServer(t, HandlerFunc(func(_ context.Context, req *Request) error {
		mu.Lock()
		gotAddress, gotMessage = req.Address, req.Message
		mu.Unlock()
		req.Response = "ok"
		return nil
	}))
	conn := dialServer(t, srv)

	resp, err := conn.SendRequest(testContext(t), "1", "2")
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("response = %q, want %q", resp, "ok")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAddress != "1" || gotMessage != "2" {
		t.Fatalf("server received (%q, %q), want (\"1\", \"2\")", gotAddress, gotMessage)
	}
}

func TestRequestResponseEncoding(t *testing.T) {
	inputs := []string{
		`\`,
		`\\`,
		`\\\`,
		"\r",
		"\n",
		"\n\r\r\n",
		"\\n\n",
		"\\r\r",
		"\\r\r\\n\n",
		"",
		"quote ' and \" and \t tab",
		"ünïcødé ✓",
	}

	type received struct{ address, message string }
	got := make(chan received, 1)
	srv := startServer(t, HandlerFunc(func(_ context.Context, req *Request) error {
		got <- received{req.Address, req.Message}
		req.Response = req.Message
		return nil
	}))
	conn := dialServer(t, srv)

	for _, in := range inputs {
		resp, err := conn.SendRequest(testContext(t), in, in)
		if err != nil {
			t.Fatalf("SendRequest(%q): %v", in, err)
		}
		r := <-got
		if r.address != in || r.message != in {
			t.Errorf("server received (%q, %q), want %q", r.address, r.message, in)
		}
		if resp != in {
			t.Errorf("response = %q, want %q", resp, in)
		}
	}
}

func TestRemoteError(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(context.Context, *Request) error {
		return errors.New("boom")
	}))
	conn := dialServer(t, srv)

	_, err := conn.SendRequest(testContext(t), "any", "thing")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v (%T), want *RemoteError", err, err)
	}
	if remote.Message != "boom" {
		t.Errorf("Message = %q, want %q", remote.Message, "boom")
	}
	if remote.Type == "" {
		t.Error("Type is empty")
	}
	if remote.StackTrace == "" {
		t.Error("StackTrace is empty")
	}
	if !errors.Is(err, ErrRemote) || errors.Is(err, ErrConnectionLost) {
		t.Errorf("error classification wrong for %v", err)
	}

	// A remote failure leaves the connection usable.
	if !conn.Connected() {
		t.Fatalf("state after remote error = %v, want connected", conn.State())
	}
}

func TestSendBeforeConnect(t *testing.T) {
	conn := NewConn(channelName())
	if _, err := conn.SendRequest(testContext(t), "a", "b"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendRequest before Connect = %v, want ErrNotConnected", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	srv := startServer(t, echoHandler)
	conn := dialServer(t, srv)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := conn.SendRequest(testContext(t), "a", "b"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendRequest after Close = %v, want ErrClosed", err)
	}
	if err := conn.Connect(testContext(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	conn := NewConn(channelName(), WithConnectTimeout(50*time.Millisecond))
	defer conn.Close()

	start := time.Now()
	err := conn.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect = %v, want ErrConnectTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Connect took %v", elapsed)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", conn.State())
	}
}

func TestConnectCancelled(t *testing.T) {
	conn := NewConn(channelName(), WithConnectTimeout(0))
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if err := conn.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect = %v, want context.Canceled", err)
	}
}

func TestConnectWaitsForServer(t *testing.T) {
	name := channelName()
	srv := NewServer(name, echoHandler, WithLogger(quietLogger()))
	t.Cleanup(func() { srv.Close() })

	time.AfterFunc(50*time.Millisecond, func() {
		if err := srv.SetEnabled(true); err != nil {
			t.Errorf("SetEnabled: %v", err)
		}
	})

	conn, err := Dial(testContext(t), name, WithConnectTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if resp, err := conn.SendRequest(testContext(t), "a", "late"); err != nil || resp != "late" {
		t.Fatalf("SendRequest = (%q, %v)", resp, err)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := startServer(t, echoHandler)
	conn := dialServer(t, srv)

	if err := conn.Connect(testContext(t)); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if resp, err := conn.SendRequest(testContext(t), "a", "still here"); err != nil || resp != "still here" {
		t.Fatalf("SendRequest = (%q, %v)", resp, err)
	}
}

func TestConnectNegotiatesCurrentVersion(t *testing.T) {
	srv := startServer(t, echoHandler)
	conn := dialServer(t, srv)

	if v := conn.EncodeVersion(); v != EncodeVersionCurrent {
		t.Fatalf("EncodeVersion = %d, want %d", v, EncodeVersionCurrent)
	}
}

func TestGoDeliversCall(t *testing.T) {
	srv := startServer(t, echoHandler)
	conn := dialServer(t, srv)

	call := conn.Go(testContext(t), "addr", "async", nil)
	select {
	case done := <-call.Done:
		if done != call {
			t.Fatal("Done delivered a different call")
		}
		if done.Error != nil || done.Response != "async" {
			t.Fatalf("call finished with (%q, %v)", done.Response, done.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not finish")
	}
}

func TestGoPanicsOnUnbufferedDone(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Go with an unbuffered channel did not panic")
		}
	}()
	NewConn(channelName()).Go(context.Background(), "a", "b", make(chan *Call))
}

func TestDeadlineMidExchangeFaultsConnection(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req *Request) error {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return nil
	}))
	conn := dialServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.SendRequest(ctx, "slow", "call")
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("SendRequest = %v, want ErrConnectionLost", err)
	}
	if conn.State() != StateFaulted {
		t.Fatalf("state = %v, want faulted", conn.State())
	}
	if _, err := conn.SendRequest(testContext(t), "a", "b"); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("SendRequest on faulted connection = %v, want ErrConnectionLost", err)
	}
}

// scriptedServer accepts one peer on a fresh channel, answers the
// encode version handshake and hands the stream to script.
func scriptedServer(t *testing.T, script func(r *bufio.Reader, w *bufio.Writer, nc net.Conn)) string {
	t.Helper()
	name := channelName()
	ln, err := UnixTransport{}.Listen(name)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		r := bufio.NewReader(nc)
		w := bufio.NewWriter(nc)

		// Handshake.
		for range 2 {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
		w.WriteString("ok\n2\n")
		w.Flush()

		script(r, w, nc)
	}()
	return name
}

func readRequest(r *bufio.Reader) bool {
	for range 2 {
		if _, err := r.ReadString('\n'); err != nil {
			return false
		}
	}
	return true
}

func TestConnectionLostWhenPeerCloses(t *testing.T) {
	name := scriptedServer(t, func(r *bufio.Reader, _ *bufio.Writer, nc net.Conn) {
		readRequest(r)
		nc.Close()
	})
	conn, err := Dial(testContext(t), name, WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.SendRequest(testContext(t), "a", "b")
	var lost *ConnectionLostError
	if !errors.As(err, &lost) {
		t.Fatalf("SendRequest = %v, want *ConnectionLostError", err)
	}
	if errors.Is(err, ErrRemote) || errors.Is(err, ErrProtocol) {
		t.Fatalf("connection loss misclassified: %v", err)
	}
	if conn.State() != StateFaulted {
		t.Fatalf("state = %v, want faulted", conn.State())
	}
}

func TestUnsupportedResponseType(t *testing.T) {
	name := scriptedServer(t, func(r *bufio.Reader, w *bufio.Writer, _ net.Conn) {
		readRequest(r)
		w.WriteString("weird\n")
		w.Flush()
		r.ReadString('\n')
	})
	conn, err := Dial(testContext(t), name, WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.SendRequest(testContext(t), "a", "b")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("SendRequest = %v, want *ProtocolError", err)
	}
	if perr.Got != "weird" {
		t.Fatalf("Got = %q, want %q", perr.Got, "weird")
	}
	if !strings.Contains(err.Error(), "unsupported response type") {
		t.Fatalf("error text = %q", err.Error())
	}
	if conn.State() != StateFaulted {
		t.Fatalf("state = %v, want faulted", conn.State())
	}
}

func TestOKAtEndOfStreamYieldsEmptyResponse(t *testing.T) {
	name := scriptedServer(t, func(r *bufio.Reader, w *bufio.Writer, _ net.Conn) {
		readRequest(r)
		w.WriteString("ok\n")
		w.Flush()
	})
	conn, err := Dial(testContext(t), name, WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	resp, err := conn.SendRequest(testContext(t), "a", "b")
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp != "" {
		t.Fatalf("response = %q, want empty", resp)
	}
}

func TestRemoteErrorLinesAreDecoded(t *testing.T) {
	name := scriptedServer(t, func(r *bufio.Reader, w *bufio.Writer, _ net.Conn) {
		readRequest(r)
		w.WriteString("exception\nValueError\nbad\\nvalue\nframe 1\\nframe 2\n")
		w.Flush()
		r.ReadString('\n')
	})
	conn, err := Dial(testContext(t), name, WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.SendRequest(testContext(t), "a", "b")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("SendRequest = %v, want *RemoteError", err)
	}
	want := RemoteError{Type: "ValueError", Message: "bad\nvalue", StackTrace: "frame 1\nframe 2"}
	if *remote != want {
		t.Fatalf("remote error = %+v, want %+v", *remote, want)
	}
}

func TestNegotiateWithServerIgnoringCommand(t *testing.T) {
	// An old server answers unknown addresses through its handler, which
	// fails; the client falls back to the legacy encoding.
	name := channelName()
	ln, err := UnixTransport{}.Listen(name)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		r := bufio.NewReader(nc)
		readRequest(r)
		nc.Write([]byte("exception\nKeyNotFoundException\nunknown address\n\n"))
		readRequest(r)
		nc.Write([]byte("ok\npong\n"))
		r.ReadString('\n')
	}()

	conn, err := Dial(testContext(t), name, WithConnectTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if v := conn.EncodeVersion(); v != EncodeVersionLegacy {
		t.Fatalf("EncodeVersion = %d, want %d", v, EncodeVersionLegacy)
	}
	if resp, err := conn.SendRequest(testContext(t), "ping", ""); err != nil || resp != "pong" {
		t.Fatalf("SendRequest = (%q, %v)", resp, err)
	}
}
