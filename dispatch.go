// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import (
	"context"
	"errors"
	"fmt"
)

// dispatch starts a goroutine to service an inbound call. The reply is sent
// to whichever peer is attached when the call finishes.
func (s *Session) dispatch(msg *Message) {
	s.metrics.callIn.Add(1)
	s.metrics.callActive.Add(1)

	s.tasks.Go(func() error {
		defer s.metrics.callActive.Add(-1)

		ctx := context.WithValue(s.ctx, callContextKey{}, msg)
		var reply *Message
		v, derr := s.invoke(ctx, msg)
		if derr != nil {
			s.metrics.callInErr.Add(1)
			reply = &Message{Type: TypeError, ID: msg.ID, Error: derr.Error()}
		} else {
			reply = &Message{Type: TypeReturn, ID: msg.ID, Ret: v}
		}
		if err := s.send(reply); err != nil {
			s.log.Warnw("reply not delivered", "id", msg.ID, "method", msg.Name, "error", err)
		}
		if derr != nil {
			s.fault(derr)
		}
		return nil
	})
}

// invoke resolves and runs the method for an inbound call.
func (s *Session) invoke(ctx context.Context, msg *Message) (any, *DispatchError) {
	h, kind := s.reg.lookup(msg.Name)
	if kind != 0 {
		return nil, newDispatchError(kind, msg.Name, msg.Args, nil)
	}
	return runHandler(ctx, h, msg.Name, msg.Args)
}

// runHandler calls h and classifies its failure, if any. A panic in h is
// reported as an execution failure.
func runHandler(ctx context.Context, h Handler, name string, args []any) (_ any, derr *DispatchError) {
	defer func() {
		if x := recover(); x != nil {
			derr = newDispatchError(ExecutionFailure, name, args, fmt.Errorf("handler panicked (recovered): %v", x))
		}
	}()
	v, err := h(ctx, args)
	if err == nil {
		return v, nil
	}
	var ae *ArgError
	if errors.As(err, &ae) {
		return nil, newDispatchError(InvocationError, name, args, err)
	}
	return nil, newDispatchError(ExecutionFailure, name, args, err)
}

type callContextKey struct{}

// ContextCall returns the inbound call message being serviced by a handler,
// or nil if ctx has none. The context passed to a method Handler has this
// value.
func ContextCall(ctx context.Context) *Message {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*Message)
	}
	return nil
}
