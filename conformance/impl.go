// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Query-farm/pipes/pipes"
)

// Fixture counts the sessions opened through the conformance handlers and
// the ones cleaned up when their connection ended.
type Fixture struct {
	opened atomic.Int64
	closed atomic.Int64
}

// Sessions returns the number of sessions opened and closed so far.
func (f *Fixture) Sessions() (opened, closed int64) {
	return f.opened.Load(), f.closed.Load()
}

// RegisterHandlers registers all conformance handlers on the router.
func RegisterHandlers(r *pipes.Router) *Fixture {
	f := &Fixture{}

	// Scalar echo
	r.Unary("echo_string", echoString)
	r.Unary("echo_upper", echoUpper)
	r.Unary("echo_int", echoInt)
	r.Unary("echo_float", echoFloat)
	r.Unary("echo_bool", echoBool)

	// Void returns
	r.Unary("void_noop", voidNoop)

	// Structured payloads
	r.Unary("echo_enum", echoEnum)
	r.Unary("echo_point", echoPoint)
	r.Unary("inspect_point", inspectPoint)

	// Multi-param & defaults
	r.Unary("add_floats", addFloats)
	r.Unary("concatenate", concatenate)

	// Error propagation
	r.Unary("raise_value_error", raiseValueError)
	r.Unary("raise_runtime_error", raiseRuntimeError)
	r.Unary("raise_type_error", raiseTypeError)
	r.Unary("raise_go_error", raiseGoError)
	r.Unary("raise_panic", raisePanic)

	// Timing
	r.Unary("sleep", sleep)

	// Connection state
	r.Unary("whoami", whoami)
	r.Unary("encode_version", encodeVersion)
	r.Unary("counter", counter)
	r.Unary("open_session", f.openSession)
	r.Unary("session_get", sessionGet)
	r.Unary("close_session", f.closeSession)

	// Multi-line payloads
	r.Unary("produce_lines", produceLines)
	r.Unary("scale_lines", scaleLines)
	r.Unary("accumulate", accumulate)

	// Reflective registration
	if err := r.RegisterService("calc.", Calculator{}); err != nil {
		panic(err)
	}
	return f
}

func valueError(format string, args ...any) error {
	return &pipes.RemoteError{Type: "ValueError", Message: fmt.Sprintf(format, args...)}
}

// --- Scalar echo ---

func echoString(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	return msg, nil
}
func echoUpper(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	return strings.ToUpper(msg), nil
}
func echoInt(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil {
		return "", valueError("invalid literal for int(): %q", msg)
	}
	return strconv.FormatInt(v, 10), nil
}
func echoFloat(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(msg), 64)
	if err != nil {
		return "", valueError("could not convert string to float: %q", msg)
	}
	return formatFloat(v), nil
}
func echoBool(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	v, err := strconv.ParseBool(strings.TrimSpace(msg))
	if err != nil {
		return "", valueError("invalid literal for bool: %q", msg)
	}
	return strconv.FormatBool(v), nil
}

// --- Void ---

func voidNoop(context.Context, *pipes.ConnContext, string) (string, error) {
	return "", nil
}

// --- Structured payloads ---

func echoEnum(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	st, err := ParseStatus(msg)
	if err != nil {
		return "", valueError("%v", err)
	}
	return string(st), nil
}
func echoPoint(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	p, err := ParsePoint(msg)
	if err != nil {
		return "", valueError("%v", err)
	}
	return p.String(), nil
}
func inspectPoint(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	p, err := ParsePoint(msg)
	if err != nil {
		return "", valueError("%v", err)
	}
	return fmt.Sprintf("Point(x=%s, y=%s)", formatFloat(p.X), formatFloat(p.Y)), nil
}

// --- Multi-param ---

// addFloats adds the whitespace separated numbers in the message.
func addFloats(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	var sum float64
	for _, field := range strings.Fields(msg) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return "", valueError("could not convert string to float: %q", field)
		}
		sum += v
	}
	return formatFloat(sum), nil
}

// concatenate joins prefix|suffix[|separator]; the separator defaults to "-".
func concatenate(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	parts := strings.Split(msg, "|")
	switch len(parts) {
	case 2:
		return parts[0] + "-" + parts[1], nil
	case 3:
		return parts[0] + parts[2] + parts[1], nil
	}
	return "", &pipes.RemoteError{
		Type:    "TypeError",
		Message: fmt.Sprintf("concatenate() takes 2 or 3 arguments (%d given)", len(parts)),
	}
}

// --- Error propagation ---

func raiseValueError(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	return "", &pipes.RemoteError{Type: "ValueError", Message: msg}
}
func raiseRuntimeError(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	return "", &pipes.RemoteError{Type: "RuntimeError", Message: msg}
}
func raiseTypeError(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	return "", &pipes.RemoteError{Type: "TypeError", Message: msg}
}
func raiseGoError(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	return "", fmt.Errorf("conformance: %s", msg)
}
func raisePanic(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	panic(msg)
}

// --- Timing ---

// sleep waits for the duration in the message or until the request is
// cancelled by the server shutting down.
func sleep(ctx context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	d, err := time.ParseDuration(strings.TrimSpace(msg))
	if err != nil {
		return "", valueError("invalid duration %q", msg)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return d.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// --- Connection state ---

func whoami(_ context.Context, cc *pipes.ConnContext, _ string) (string, error) {
	return strconv.FormatUint(cc.ID(), 10), nil
}
func encodeVersion(_ context.Context, cc *pipes.ConnContext, _ string) (string, error) {
	return strconv.Itoa(cc.EncodeVersion()), nil
}

// counter returns how many times it was called on the connection.
func counter(_ context.Context, cc *pipes.ConnContext, _ string) (string, error) {
	n, _ := cc.Bag().Get("counter").(int)
	n++
	cc.Bag().Set("counter", n)
	return strconv.Itoa(n), nil
}

const sessionKey = "session"

// session is a per-connection resource released when the connection ends.
type session struct {
	name   string
	closed atomic.Bool
}

func (f *Fixture) release(s *session) {
	if s.closed.CompareAndSwap(false, true) {
		f.closed.Add(1)
	}
}

func (f *Fixture) openSession(_ context.Context, cc *pipes.ConnContext, name string) (string, error) {
	if name == "" {
		return "", valueError("session name must not be empty")
	}
	if old, ok := cc.Bag().Get(sessionKey).(*session); ok {
		f.release(old)
	}
	s := &session{name: name}
	cc.Bag().Set(sessionKey, s)
	cc.OnDisposing(func(*pipes.ConnContext) { f.release(s) })
	f.opened.Add(1)
	return name, nil
}

func sessionGet(_ context.Context, cc *pipes.ConnContext, _ string) (string, error) {
	s, ok := cc.Bag().Get(sessionKey).(*session)
	if !ok {
		return "", &pipes.RemoteError{Type: "KeyError", Message: "no open session"}
	}
	return s.name, nil
}

func (f *Fixture) closeSession(_ context.Context, cc *pipes.ConnContext, _ string) (string, error) {
	s, ok := cc.Bag().Get(sessionKey).(*session)
	if !ok {
		return "", &pipes.RemoteError{Type: "KeyError", Message: "no open session"}
	}
	cc.Bag().Set(sessionKey, nil)
	f.release(s)
	return s.name, nil
}

// --- Reflective registration ---

// Calculator is registered with [pipes.Router.RegisterService] under the
// "calc." prefix.
type Calculator struct{}

// Add sums the whitespace separated numbers in the message.
func (Calculator) Add(ctx context.Context, cc *pipes.ConnContext, msg string) (string, error) {
	return addFloats(ctx, cc, msg)
}

// Negate negates a single number.
func (Calculator) Negate(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(msg), 64)
	if err != nil {
		return "", valueError("could not convert string to float: %q", msg)
	}
	return formatFloat(-v), nil
}

// Divide divides the first number by the second.
func (Calculator) Divide(_ context.Context, _ *pipes.ConnContext, msg string) (string, error) {
	fields := strings.Fields(msg)
	if len(fields) != 2 {
		return "", &pipes.RemoteError{Type: "TypeError", Message: "divide takes exactly 2 arguments"}
	}
	a, errA := strconv.ParseFloat(fields[0], 64)
	b, errB := strconv.ParseFloat(fields[1], 64)
	if errA != nil || errB != nil {
		return "", valueError("could not convert %q to floats", msg)
	}
	if b == 0 {
		return "", &pipes.RemoteError{Type: "ZeroDivisionError", Message: "float division by zero"}
	}
	return formatFloat(a / b), nil
}
