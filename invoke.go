// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import "context"

// Call sends a call to the remote peer for the named method with the given
// arguments, and blocks until ctx ends or the call completes. It returns the
// value reported by the peer. An error reported by Call has concrete type
// *CallError.
//
// If no peer is attached, Call fails at once with ErrNoPeer. If the peer
// detaches while the call is pending, the call continues to wait: a peer
// that reattaches within the grace period may still complete it. If the
// grace period expires, or the session terminates, the call fails with
// ErrSessionTerminated.
//
// If ctx ends first, Call stops waiting and reports the context error. No
// cancellation is sent to the peer, and a completion that arrives later is
// discarded.
func (s *Session) Call(ctx context.Context, name string, args ...any) (_ any, err error) {
	s.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			s.metrics.callOutErr.Add(1)
		}
	}()
	if args == nil {
		args = []any{}
	}

	p, pc, err := s.startCall(name)
	if err != nil {
		return nil, &CallError{Name: name, Err: err}
	}
	s.metrics.callPending.Add(1)
	defer s.metrics.callPending.Add(-1)

	if err := s.sendTo(p, &Message{Type: TypeCall, ID: pc.id, Name: name, Args: args}); err != nil {
		s.calls.release(pc.id)
		return nil, &CallError{Name: name, ID: pc.id, Err: err}
	}

	select {
	case <-ctx.Done():
		s.calls.release(pc.id)
		return nil, &CallError{Name: name, ID: pc.id, Err: ctx.Err()}
	case r := <-pc.ch:
		return r.value, r.err
	}
}

// A RemoteFunc calls a fixed method of the remote peer.
type RemoteFunc func(ctx context.Context, args ...any) (any, error)

// Remote returns a function that calls the named method of the remote peer.
// Nothing is checked or sent until the function is called.
func (s *Session) Remote(name string) RemoteFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		return s.Call(ctx, name, args...)
	}
}

// Invoke calls the named method of the remote peer, and converts its result
// to type R using [Convert]. A conversion failure is reported as a
// *CallError.
func Invoke[R any](ctx context.Context, s *Session, name string, args ...any) (R, error) {
	v, err := s.Call(ctx, name, args...)
	if err != nil {
		var zero R
		return zero, err
	}
	r, err := Convert[R](v)
	if err != nil {
		return r, &CallError{Name: name, Err: err}
	}
	return r, nil
}

// Bind returns a function that calls the named method of the remote peer
// and converts its result to type R, as [Invoke] does.
//
// For example:
//
//	getData := desklink.Bind[[]string](s, "getData")
//	// ...
//	names, err := getData(ctx, "users")
func Bind[R any](s *Session, name string) func(context.Context, ...any) (R, error) {
	return func(ctx context.Context, args ...any) (R, error) {
		return Invoke[R](ctx, s, name, args...)
	}
}

// startCall registers a pending call to the current peer. The call is
// registered under the session lock, so teardown of the peer it was issued
// to either includes it or happens entirely before it.
func (s *Session) startCall(name string) (*peer, *pending, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.state == Terminated {
		return nil, nil, ErrSessionTerminated
	} else if s.cur == nil {
		return nil, nil, ErrNoPeer
	}
	return s.cur, s.calls.add(name, s.clock.Now()), nil
}
