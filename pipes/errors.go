package pipes

import (
	"errors"
	"fmt"
	"runtime"
)

// Precondition errors. They are raised locally and never cross the wire.
var (
	ErrNotConnected   = errors.New("pipes: connection is not connected")
	ErrClosed         = errors.New("pipes: connection is closed")
	ErrPoolClosed     = errors.New("pipes: pool is closed")
	ErrLeaseReleased  = errors.New("pipes: lease already released")
	ErrConnectTimeout = errors.New("pipes: timed out waiting for the server")
)

// Sentinels for use with errors.Is to classify failed exchanges.
var (
	ErrConnectionLost = &ConnectionLostError{}
	ErrProtocol       = &ProtocolError{}
	ErrRemote         = &RemoteError{}
)

// ConnectionLostError reports an I/O failure during an exchange. The
// connection that produced it is faulted and must be discarded; retrying
// on a fresh connection is up to the caller.
type ConnectionLostError struct {
	Op  string // "write", "flush" or "read"
	Err error
}

func (e *ConnectionLostError) Error() string {
	if e.Err == nil {
		return "pipes: connection lost"
	}
	return fmt.Sprintf("pipes: connection lost during %s: %v", e.Op, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *ConnectionLostError target.
func (e *ConnectionLostError) Is(target error) bool {
	_, ok := target.(*ConnectionLostError)
	return ok
}

// ProtocolError reports a response type line the client does not
// understand, which usually means both peers disagree on the encoding.
type ProtocolError struct {
	Got string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pipes: unsupported response type %q", e.Got)
}

// Is supports errors.Is by matching any *ProtocolError target.
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

// RemoteError is a handler failure marshaled by the server. The original
// error is not reconstructed; its type name and stack trace are carried as
// text.
type RemoteError struct {
	Type       string
	Message    string
	StackTrace string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *RemoteError target.
func (e *RemoteError) Is(target error) bool {
	_, ok := target.(*RemoteError)
	return ok
}

// InvocationError wraps failures raised through a reflective handler
// call. The server reports the wrapped cause, not the wrapper.
type InvocationError struct {
	Address string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("pipes: invoking %q: %v", e.Address, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackTrace returns the stack captured when the panic was recovered.
func (e *PanicError) StackTrace() string { return e.Stack }

// stackTracer is implemented by errors that know where they came from.
type stackTracer interface {
	StackTrace() string
}

// unwrapInvocation strips InvocationError wrappers from err.
func unwrapInvocation(err error) error {
	for {
		var ie *InvocationError
		if !errors.As(err, &ie) || ie.Err == nil {
			return err
		}
		err = ie.Err
	}
}

// marshalError produces the type, message and stack trace lines written
// for a failed request.
func marshalError(err error) (typ, msg, trace string) {
	err = unwrapInvocation(err)

	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Type, remote.Message, remote.StackTrace
	}

	typ = fmt.Sprintf("%T", err)
	msg = err.Error()

	var st stackTracer
	if errors.As(err, &st) {
		return typ, msg, st.StackTrace()
	}

	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return typ, msg, string(buf[:n])
}
