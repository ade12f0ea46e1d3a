// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Transport opens and accepts named duplex channels.
type Transport interface {
	// Dial opens a stream to the server listening on name. It may fail
	// immediately when nobody is listening; callers retry until their
	// deadline.
	Dial(ctx context.Context, name string) (net.Conn, error)
	// Listen starts accepting peers on name.
	Listen(name string) (net.Listener, error)
}

// DefaultSocketPrefix is prepended to channel names by [UnixTransport].
const DefaultSocketPrefix = "pipes-"

// UnixTransport binds channel names to Unix domain sockets.
type UnixTransport struct {
	// Dir holds the socket files. Defaults to os.TempDir().
	Dir string
	// Prefix is prepended to the channel name. Defaults to
	// DefaultSocketPrefix.
	Prefix string
}

// Path returns the socket path used for name.
func (t UnixTransport) Path(name string) string {
	dir := t.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultSocketPrefix
	}
	return filepath.Join(dir, prefix+name+".sock")
}

// Dial connects to the socket for name.
func (t UnixTransport) Dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", t.Path(name))
}

// Listen creates the socket for name. A socket file left behind by a
// process that no longer listens is removed first; a live one is an
// error.
func (t UnixTransport) Listen(name string) (net.Listener, error) {
	path := t.Path(name)

	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if probe, err := net.DialTimeout("unix", path, 50*time.Millisecond); err == nil {
			probe.Close()
			return nil, fmt.Errorf("pipes: channel %q is already being served at %s", name, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return ln, nil
}

// isTransportClosed returns true for errors that indicate the peer went
// away or the stream was closed locally.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
