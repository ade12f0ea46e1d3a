// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// State is the lifecycle state of a [Conn].
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	// StateFaulted marks a connection whose stream failed mid-exchange.
	// It is never used again; Connect replaces the stream.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// dialRetryInterval is the pause between dial attempts while waiting for a
// server to start listening.
const dialRetryInterval = 10 * time.Millisecond

// errFaulted is wrapped in a ConnectionLostError when a faulted
// connection is used again.
var errFaulted = errors.New("connection faulted by an earlier failure")

// Conn is the client end of one channel. It owns its stream exclusively
// and performs one exchange at a time.
type Conn struct {
	name string
	opts options

	mu      sync.Mutex
	state   State
	version int
	closed  bool
	nc      net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
}

// NewConn creates an unconnected client for the channel name.
func NewConn(name string, opts ...Option) *Conn {
	return &Conn{
		name: name,
		opts: buildOptions(opts),
	}
}

// Dial creates a Conn and connects it.
func Dial(ctx context.Context, name string, opts ...Option) (*Conn, error) {
	c := NewConn(name, opts...)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Name returns the channel name.
func (c *Conn) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection can carry requests.
func (c *Conn) Connected() bool { return c.State() == StateConnected }

// EncodeVersion returns the negotiated encode version, or 0 before the
// handshake completed.
func (c *Conn) EncodeVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Connect opens the stream and negotiates the encode version. It waits
// for a server to accept until ctx is done or the connect timeout
// elapses, whichever comes first; the latter fails with
// [ErrConnectTimeout]. Connecting an already connected Conn is a no-op.
// A faulted stream is closed and replaced.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state == StateConnected {
		return nil
	}
	if c.nc != nil {
		c.closeStream()
	}

	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.nc = nc
	c.r = bufio.NewReader(nc)
	c.w = bufio.NewWriter(nc)
	c.state = StateConnected

	if c.version == 0 {
		if _, err := c.negotiate(ctx, EncodeVersionCurrent); err != nil {
			return fmt.Errorf("negotiating encode version: %w", err)
		}
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	if c.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.opts.connectTimeout, ErrConnectTimeout)
		defer cancel()
	}

	for {
		nc, err := c.opts.transport.Dial(ctx, c.name)
		if err == nil {
			return nc, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), ErrConnectTimeout) {
				return nil, fmt.Errorf("connecting to %q: %w", c.name, ErrConnectTimeout)
			}
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}

// Negotiate proposes an encode version to the server and adopts the one
// it answers with. Servers that do not know the command leave the
// connection on the legacy version.
func (c *Conn) Negotiate(ctx context.Context, proposed int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.negotiate(ctx, proposed)
}

func (c *Conn) negotiate(ctx context.Context, proposed int) (int, error) {
	resp, err := c.exchange(ctx, CommandConfigEncodeVersion, strconv.Itoa(proposed))
	if err != nil {
		if !errors.Is(err, ErrRemote) {
			return 0, err
		}
		resp = ""
	}

	v, err := strconv.Atoi(resp)
	if err != nil {
		v = EncodeVersionLegacy
	}
	c.version = clampEncodeVersion(v)
	return c.version, nil
}

// SendRequest sends one request and waits for its response. Failures are
// reported as [*RemoteError] when the handler failed, [*ProtocolError]
// when the response cannot be understood and [*ConnectionLostError] when
// the stream broke; the last two leave the Conn faulted.
func (c *Conn) SendRequest(ctx context.Context, address, message string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return "", err
	}
	return c.exchange(ctx, address, message)
}

func (c *Conn) ready() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state == StateFaulted:
		return &ConnectionLostError{Op: "send", Err: errFaulted}
	case c.state != StateConnected:
		return ErrNotConnected
	}
	return nil
}

// exchange runs one request/response cycle. c.mu must be held.
func (c *Conn) exchange(ctx context.Context, address, message string) (string, error) {
	nc := c.nc
	if dl, ok := ctx.Deadline(); ok {
		nc.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() && ctx.Err() != nil {
			// The deadline may have been forced after the exchange
			// finished; the stream is no longer trustworthy.
			c.state = StateFaulted
			return
		}
		nc.SetDeadline(time.Time{})
	}()

	version := c.version
	if err := writeLine(c.w, version, address); err != nil {
		return "", c.fault(ctx, "write", err)
	}
	if err := writeLine(c.w, version, message); err != nil {
		return "", c.fault(ctx, "write", err)
	}
	if err := c.w.Flush(); err != nil {
		return "", c.fault(ctx, "flush", err)
	}

	kind, err := readLine(c.r, version)
	if err != nil {
		return "", c.fault(ctx, "read", err)
	}

	switch kind {
	case ResponseOK:
		resp, err := readLine(c.r, version)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.state = StateFaulted
				return "", nil
			}
			return "", c.fault(ctx, "read", err)
		}
		return resp, nil

	case ResponseException:
		var lines [3]string
		for i := range lines {
			if lines[i], err = readLine(c.r, version); err != nil {
				return "", c.fault(ctx, "read", err)
			}
		}
		return "", &RemoteError{Type: lines[0], Message: lines[1], StackTrace: lines[2]}

	default:
		c.state = StateFaulted
		return "", &ProtocolError{Got: kind}
	}
}

func (c *Conn) fault(ctx context.Context, op string, err error) error {
	c.state = StateFaulted
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return &ConnectionLostError{Op: op, Err: err}
}

// closeStream releases the stream and forgets the negotiated version,
// which belongs to the stream on the server side. c.mu must be held.
func (c *Conn) closeStream() {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.nc, c.r, c.w = nil, nil, nil
	c.version = 0
	c.state = StateDisconnected
}

// Close releases the stream. Errors during teardown are ignored and
// closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeStream()
	return nil
}

// Call is an asynchronous request started with [Conn.Go].
type Call struct {
	Address  string
	Message  string
	Response string
	Error    error
	Done     chan *Call // receives the call when it completes
}

// Go starts SendRequest in its own goroutine and returns immediately. The
// finished Call is delivered on done, which must be buffered; a nil done
// gets a channel with capacity one.
func (c *Conn) Go(ctx context.Context, address, message string, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("pipes: done channel is unbuffered")
	}
	call := &Call{Address: address, Message: message, Done: done}
	go func() {
		call.Response, call.Error = c.SendRequest(ctx, address, message)
		call.Done <- call
	}()
	return call
}
