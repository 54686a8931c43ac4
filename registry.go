// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import (
	"context"
	"fmt"
	"slices"
)

// A Handler executes a method on behalf of the remote peer. A handler can
// obtain the session from its context argument using [ContextSession], and
// the inbound call message using [ContextCall].
//
// Handlers may block; each inbound call runs in its own goroutine, and its
// context ends when the session terminates.
//
// If a handler reports an error wrapping an *[ArgError], the caller receives
// an invocation error; any other error is reported as an execution failure.
// The handler package provides adapters from typed functions.
type Handler func(ctx context.Context, args []any) (any, error)

// A Method pairs a method name with its handler. Construct one with [Expose]
// or [Internal].
type Method struct {
	Name    string
	Handler Handler
	Exposed bool // whether the remote peer may call the method
}

// Expose marks h as remotely callable under the given name.
func Expose(name string, h Handler) Method { return Method{Name: name, Handler: h, Exposed: true} }

// Internal declares a method that the host defines but does not expose.
// The remote peer cannot call it, and attempts to do so are reported as
// [MethodNotExposed] rather than [MethodNotFound]. The host may still run it
// with [Registry.Exec].
func Internal(name string, h Handler) Method { return Method{Name: name, Handler: h} }

// A Registry is an immutable table of the methods a host defines.
// A nil *Registry is valid and has no methods.
type Registry struct {
	methods map[string]Method
}

// NewRegistry constructs a registry containing the specified methods.
// It panics if a method has an empty name or a nil handler, or if two
// methods share a name.
func NewRegistry(methods ...Method) *Registry {
	r := &Registry{methods: make(map[string]Method, len(methods))}
	for _, m := range methods {
		if m.Name == "" {
			panic("method name is empty")
		} else if m.Handler == nil {
			panic(fmt.Sprintf("method %q has a nil handler", m.Name))
		} else if _, ok := r.methods[m.Name]; ok {
			panic(fmt.Sprintf("duplicate method %q", m.Name))
		}
		r.methods[m.Name] = m
	}
	return r
}

// Exposed returns the names of the exposed methods of r in sorted order.
func (r *Registry) Exposed() []string {
	if r == nil {
		return nil
	}
	var names []string
	for name, m := range r.methods {
		if m.Exposed {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Len reports the number of methods defined in r, exposed or not.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.methods)
}

// lookup finds the handler for a remote call of the named method.
func (r *Registry) lookup(name string) (Handler, FailureKind) {
	if r == nil {
		return nil, MethodNotFound
	}
	m, ok := r.methods[name]
	if !ok {
		return nil, MethodNotFound
	} else if !m.Exposed {
		return nil, MethodNotExposed
	}
	return m.Handler, 0
}

// Exec runs the named method locally with the given arguments, whether or
// not it is exposed. Errors reported by Exec have concrete type
// *DispatchError.
func (r *Registry) Exec(ctx context.Context, name string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	var h Handler
	if r != nil {
		if m, ok := r.methods[name]; ok {
			h = m.Handler
		}
	}
	if h == nil {
		return nil, newDispatchError(MethodNotFound, name, args, nil)
	}
	v, derr := runHandler(ctx, h, name, args)
	if derr != nil {
		return nil, derr
	}
	return v, nil
}
