// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

// UnaryFunc is the signature of a plain request handler: it receives the
// connection context and message and returns the response.
type UnaryFunc func(ctx context.Context, cc *ConnContext, message string) (string, error)

// Router dispatches requests to handlers registered by address.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Handle registers h for address, replacing any previous registration.
// Addresses starting with [InternalCommandPrefix] never reach a handler
// and are rejected.
func (r *Router) Handle(address string, h Handler) {
	if strings.HasPrefix(address, InternalCommandPrefix) {
		panic(fmt.Sprintf("pipes: registering %q: address uses the internal command prefix", address))
	}
	if h == nil {
		panic(fmt.Sprintf("pipes: registering %q: nil handler", address))
	}
	r.mu.Lock()
	r.routes[address] = h
	r.mu.Unlock()
}

// HandleFunc registers fn for address.
func (r *Router) HandleFunc(address string, fn func(ctx context.Context, req *Request) error) {
	r.Handle(address, HandlerFunc(fn))
}

// Unary registers fn for address. Its return value becomes the response.
func (r *Router) Unary(address string, fn UnaryFunc) {
	r.HandleFunc(address, func(ctx context.Context, req *Request) error {
		resp, err := fn(ctx, req.Context, req.Message)
		if err != nil {
			return err
		}
		req.Response = resp
		return nil
	})
}

var (
	contextType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	connContextType = reflect.TypeOf((*ConnContext)(nil))
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
	stringType      = reflect.TypeOf("")
)

// RegisterService binds every exported method of svc shaped like
// [UnaryFunc] to the address prefix+MethodName. Methods of any other shape
// are skipped. Failures raised by the bound methods reach the server
// wrapped in [*InvocationError].
func (r *Router) RegisterService(prefix string, svc any) error {
	v := reflect.ValueOf(svc)
	t := v.Type()

	var bound int
	for i := range t.NumMethod() {
		m := t.Method(i)
		if !m.IsExported() || !isUnaryMethod(m.Type) {
			continue
		}
		address := prefix + m.Name
		r.Handle(address, reflectHandler{address: address, fn: v.Method(i)})
		bound++
	}
	if bound == 0 {
		return fmt.Errorf("pipes: service %T has no methods of the form func(context.Context, *pipes.ConnContext, string) (string, error)", svc)
	}
	return nil
}

// isUnaryMethod checks a method type including its receiver.
func isUnaryMethod(mt reflect.Type) bool {
	return mt.NumIn() == 4 &&
		mt.In(1) == contextType &&
		mt.In(2) == connContextType &&
		mt.In(3) == stringType &&
		mt.NumOut() == 2 &&
		mt.Out(0) == stringType &&
		mt.Out(1) == errorType
}

type reflectHandler struct {
	address string
	fn      reflect.Value
}

func (h reflectHandler) ServeRequest(ctx context.Context, req *Request) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = &InvocationError{
				Address: h.address,
				Err:     &PanicError{Value: rv, Stack: string(debug.Stack())},
			}
		}
	}()

	results := h.fn.Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(req.Context),
		reflect.ValueOf(req.Message),
	})
	if !results[1].IsNil() {
		return &InvocationError{Address: h.address, Err: results[1].Interface().(error)}
	}
	req.Response = results[0].String()
	return nil
}

// ServeRequest dispatches req to the handler registered for its address.
func (r *Router) ServeRequest(ctx context.Context, req *Request) error {
	r.mu.RLock()
	h, ok := r.routes[req.Address]
	r.mu.RUnlock()

	if !ok {
		return &RemoteError{
			Type:    "AddressNotFound",
			Message: fmt.Sprintf("Unknown address: '%s'. Available addresses: %v", req.Address, r.Addresses()),
		}
	}
	return h.ServeRequest(ctx, req)
}

// Addresses returns the registered addresses in sorted order.
func (r *Router) Addresses() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
