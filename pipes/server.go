// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Request is one application request read from a peer.
type Request struct {
	// Context is the state of the connection the request arrived on.
	Context *ConnContext
	Address string
	Message string
	// Response is sent back to the client when the handler returns nil.
	// Leaving it empty sends an empty line.
	Response string
}

// Handler serves application requests. A returned error is marshaled to
// the client as a remote error; so is a panic.
type Handler interface {
	ServeRequest(ctx context.Context, req *Request) error
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(ctx context.Context, req *Request) error

// ServeRequest calls f(ctx, req).
func (f HandlerFunc) ServeRequest(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// Server accepts peers on a named channel and answers their requests.
type Server struct {
	name         string
	handler      Handler
	transport    Transport
	logger       *slog.Logger
	legacy       bool
	serverID     string
	dispatchHook DispatchHook

	mu       sync.Mutex
	enabled  bool
	cancel   context.CancelFunc
	listener net.Listener
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a disabled server for the channel name.
func NewServer(name string, handler Handler, opts ...Option) *Server {
	o := buildOptions(opts)
	if o.serverID == "" {
		o.serverID = uuid.NewString()
	}
	return &Server{
		name:         name,
		handler:      handler,
		transport:    o.transport,
		logger:       o.logger,
		legacy:       o.legacyEncoding,
		serverID:     o.serverID,
		dispatchHook: o.hook,
	}
}

// Name returns the channel name.
func (s *Server) Name() string { return s.name }

// ServerID returns the identifier reported to hooks and logs.
func (s *Server) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

// SetServerID sets the identifier reported to hooks and logs.
func (s *Server) SetServerID(id string) {
	s.mu.Lock()
	s.serverID = id
	s.mu.Unlock()
}

// SetDispatchHook registers a hook that is called around each dispatch.
// It takes effect for requests read after the call.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.mu.Lock()
	s.dispatchHook = hook
	s.mu.Unlock()
}

// Enabled reports whether the server is accepting peers.
func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled starts or stops the server. Enabling starts listening and
// returns the listen error, if any. Disabling cancels the accept loop and
// every worker and returns without waiting for them; use [Server.Wait]
// for that. Setting the current value again does nothing.
func (s *Server) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled == enabled {
		return nil
	}
	if !enabled {
		s.enabled = false
		s.cancel()
		_ = s.listener.Close()
		s.listener = nil
		return nil
	}

	// The previous accept loop exits right after its listener is closed.
	if s.loopDone != nil {
		<-s.loopDone
	}

	ln, err := s.transport.Listen(s.name)
	if err != nil {
		return fmt.Errorf("pipes server: listen %q: %w", s.name, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.enabled = true
	s.cancel = cancel
	s.listener = ln
	s.loopDone = done

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.acceptLoop(ctx, ln)
	}()
	return nil
}

// Wait blocks until the accept loop and all workers have exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close disables the server and waits for every worker to finish.
func (s *Server) Close() error {
	err := s.SetEnabled(false)
	s.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept error", "channel", s.name, "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			_ = nc.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, nc)
		}()
	}
}

// serveConn runs the request loop for one peer until the server is
// disabled or the stream fails.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	version := EncodeVersionCurrent
	if s.legacy {
		version = EncodeVersionLegacy
	}
	cc := newConnContext(version, s.logger)

	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer func() {
		stop()
		_ = nc.Close()
		cc.dispose()
		s.logger.Debug("peer disconnected", "channel", s.name, "conn_id", cc.ID())
	}()
	s.logger.Debug("peer connected", "channel", s.name, "conn_id", cc.ID())

	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	for ctx.Err() == nil {
		if err := s.serveOne(ctx, cc, r, w); err != nil {
			if ctx.Err() == nil && !isTransportClosed(err) {
				s.logger.Error("serve loop error", "channel", s.name, "conn_id", cc.ID(), "err", err)
			}
			return
		}
	}
}

// serveOne handles one complete request/response cycle. The response is
// flushed to the peer before it returns.
func (s *Server) serveOne(ctx context.Context, cc *ConnContext, r *bufio.Reader, w *bufio.Writer) error {
	version := cc.EncodeVersion()
	address, err := readLine(r, version)
	if err != nil {
		return err
	}
	message, err := readLine(r, version)
	if err != nil {
		return err
	}

	var response string
	var callErr error
	if strings.HasPrefix(address, InternalCommandPrefix) {
		response = s.serveCommand(cc, address, message)
	} else {
		response, callErr = s.dispatch(ctx, cc, address, message)
	}

	version = cc.EncodeVersion()
	if callErr != nil {
		err = writeException(w, version, callErr)
	} else {
		err = writeResponse(w, version, response)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// serveCommand answers an internal command. Unknown commands and
// malformed arguments get an empty response.
func (s *Server) serveCommand(cc *ConnContext, address, message string) string {
	switch address {
	case CommandConfigEncodeVersion:
		v, err := strconv.Atoi(strings.TrimSpace(message))
		if err != nil {
			return ""
		}
		v = clampEncodeVersion(v)
		cc.setEncodeVersion(v)
		s.logger.Debug("encode version negotiated", "channel", s.name, "conn_id", cc.ID(), "version", v)
		return strconv.Itoa(v)
	default:
		s.logger.Debug("unknown internal command", "channel", s.name, "conn_id", cc.ID(), "command", address)
		return ""
	}
}

// dispatch invokes the handler for one application request.
func (s *Server) dispatch(ctx context.Context, cc *ConnContext, address, message string) (response string, err error) {
	s.mu.Lock()
	hook := s.dispatchHook
	serverID := s.serverID
	s.mu.Unlock()

	info := DispatchInfo{
		Channel:       s.name,
		Address:       address,
		ServerID:      serverID,
		ConnectionID:  cc.ID(),
		EncodeVersion: cc.EncodeVersion(),
	}
	stats := &CallStatistics{}
	stats.RecordRequest(address, message)

	var hookToken HookToken
	var hookActive bool
	if hook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = hook.OnDispatchStart(ctx, info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	req := &Request{Context: cc, Address: address, Message: message}
	err = s.invoke(ctx, req)
	if err == nil {
		response = req.Response
		stats.RecordResponse(response)
	}

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook end panic", "err", rv)
				}
			}()
			hook.OnDispatchEnd(ctx, hookToken, info, stats, unwrapInvocation(err))
		}()
	}
	return response, err
}

func (s *Server) invoke(ctx context.Context, req *Request) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = &PanicError{Value: rv, Stack: string(debug.Stack())}
		}
	}()
	if s.handler == nil {
		return &RemoteError{Type: "HandlerNotSet", Message: "no request handler is installed"}
	}
	return s.handler.ServeRequest(ctx, req)
}
