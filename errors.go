// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrSessionTerminated is reported for calls that cannot complete because
	// the session has ended, or whose peer never came back.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrPeerLost is the termination cause of a session whose peer did not
	// reattach within the grace period.
	ErrPeerLost = errors.New("peer did not reattach within the grace period")

	// ErrPeerAttached is reported by Attach when a peer is already attached.
	ErrPeerAttached = errors.New("a peer is already attached")

	// ErrNoPeer is reported for an outbound call when no peer is attached.
	ErrNoPeer = errors.New("no peer attached")

	// ErrStaleCorrelation marks a completion whose id matches no pending call.
	ErrStaleCorrelation = errors.New("no pending call for completion")
)

// Sentinels for the kinds of inbound dispatch failure. A *DispatchError
// matches the sentinel for its kind with errors.Is.
var (
	ErrMethodNotFound   = errors.New("method not found")
	ErrMethodNotExposed = errors.New("method not exposed")
	ErrInvocation       = errors.New("invalid invocation")
	ErrExecution        = errors.New("method execution failed")
)

// TransportError reports that a channel can no longer carry messages.
// The session treats it as a disconnect of the peer.
type TransportError struct {
	Op  string // "send" or "recv"
	Err error
}

func (t *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", t.Op, t.Err) }

// Unwrap reports the underlying error of t.
func (t *TransportError) Unwrap() error { return t.Err }

// ProtocolError reports a frame that could not be decoded as a message.
// A channel reporting a ProtocolError from Recv remains usable, and the
// session drops the frame and continues.
type ProtocolError struct {
	Payload []byte // the offending frame
	Err     error
}

func (p *ProtocolError) Error() string {
	return fmt.Sprintf("invalid message %q: %v", clip(string(p.Payload), 100), p.Err)
}

// Unwrap reports the underlying error of p.
func (p *ProtocolError) Unwrap() error { return p.Err }

// CallError is the concrete type of errors reported by [Session.Call].
// If the peer reported an error result, Err is nil and Message holds the
// text it sent. Otherwise Err is the local reason the call failed.
type CallError struct {
	Name    string // the method called
	ID      uint64 // the call id, 0 if none was assigned
	Message string // error text from the peer
	Err     error  // nil for errors reported by the peer
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %q: %v", c.Name, c.Err)
	}
	return fmt.Sprintf("call %q: remote error: %s", c.Name, c.Message)
}

// FailureKind classifies a failed inbound call.
type FailureKind int

const (
	MethodNotFound   FailureKind = iota + 1 // no method with that name
	MethodNotExposed                        // the method exists but is not exposed
	InvocationError                         // arguments do not fit the method
	ExecutionFailure                        // the method ran and failed
)

func (k FailureKind) String() string {
	switch k {
	case MethodNotFound:
		return "MethodNotFound"
	case MethodNotExposed:
		return "MethodNotExposed"
	case InvocationError:
		return "InvocationError"
	case ExecutionFailure:
		return "ExecutionFailure"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case MethodNotFound:
		return ErrMethodNotFound
	case MethodNotExposed:
		return ErrMethodNotExposed
	case InvocationError:
		return ErrInvocation
	default:
		return ErrExecution
	}
}

// DispatchError reports the failure of an inbound call. Its Error text is
// what the session sends to the peer in the error result.
type DispatchError struct {
	Kind   FailureKind
	Method string
	Args   []any
	Err    error // the cause, if any

	text string
}

func newDispatchError(kind FailureKind, method string, args []any, err error) *DispatchError {
	d := &DispatchError{Kind: kind, Method: method, Args: args, Err: err}
	switch kind {
	case MethodNotFound:
		d.text = fmt.Sprintf("method not found: '%s'", method)
	case MethodNotExposed:
		d.text = fmt.Sprintf("method '%s' is not exposed", method)
	case InvocationError:
		var ae *ArgError
		if errors.As(err, &ae) {
			d.text = fmt.Sprintf("failed to invoke %s%s with args %v: %v", method, ae.Signature, args, ae.Err)
		} else {
			d.text = fmt.Sprintf("failed to invoke %s with args %v: %v", method, args, err)
		}
	default:
		d.text = fmt.Sprintf("method '%s' failed: %v", method, err)
	}
	return d
}

func (d *DispatchError) Error() string { return d.text }

// Unwrap reports the underlying error of d.
func (d *DispatchError) Unwrap() error { return d.Err }

// Is reports whether target is the sentinel error for the kind of d.
func (d *DispatchError) Is(target error) bool { return target == d.Kind.sentinel() }

// ArgError reports that the arguments of a call do not fit the parameters
// of the method. A handler that returns an *ArgError (possibly wrapped) is
// reported to the caller as an invocation error rather than an execution
// failure.
type ArgError struct {
	Signature string // the parameter list expected, e.g. "(int, int)"
	Args      []any  // the arguments received
	Err       error  // what was wrong with them
}

func (a *ArgError) Error() string {
	return fmt.Sprintf("arguments %v do not match %s: %v", a.Args, a.Signature, a.Err)
}

// Unwrap reports the underlying error of a.
func (a *ArgError) Unwrap() error { return a.Err }

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
