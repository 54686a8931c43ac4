// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package desklink implements a bidirectional remote procedure call bridge
// between a host process and a single remote peer, such as a script running
// in a browser page.
//
// Peers exchange messages over a shared reliable [Channel]. Each message is
// a mapping with a "type" field:
//
//	{"type": "call", "id": 1, "name": "add", "args": [2, 3]}
//	{"type": "return", "id": 1, "ret": 5}
//	{"type": "error", "id": 1, "error": "method 'add' failed: ..."}
//	{"type": "close"}
//
// Messages of any other type are custom messages, delivered to handlers
// registered with [Session.HandleMessage]. The encoding of messages on the
// wire is chosen by a codec; see the codec package.
//
// # Sessions
//
// The core type defined by this package is the [Session]. A session serves
// the methods of a [Registry] to its peer, and issues calls to the methods of
// the peer:
//
//	reg := desklink.NewRegistry(
//	   desklink.Expose("add", handler.Func2(add)),
//	   desklink.Internal("reset", handler.Action0(reset)),
//	)
//	s := desklink.NewSession(reg, nil)
//
// To attach a peer, call [Session.Attach] with a channel connected to it. The
// server package does this for WebSocket connections. At most one peer may be
// attached at a time:
//
//	if err := s.Attach(ch); err != nil {
//	   ch.Close() // refused
//	}
//
// When the peer's channel closes, the session waits a grace period (one
// second by default) for a peer to attach again. This lets a page reload
// without losing its session. If no peer attaches in time, the session
// terminates, or if [Options].Persistent is set, waits for a new peer.  Call
// [Session.Wait] to wait for the session to end:
//
//	if err := s.Wait(); errors.Is(err, desklink.ErrPeerLost) {
//	   log.Print("The page went away")
//	}
//
// # Methods
//
// Only methods marked with [Expose] may be called by the peer. A call to a
// method declared with [Internal] is refused with an error, as is a call to
// an unknown method. A [Handler] receives the arguments of the call as
// generic decoded values; the handler package adapts typed Go functions.
//
// Each inbound call runs in its own goroutine, so a slow method does not
// block other calls. Errors from methods are reported to the caller and to
// the host via [Session.OnFault].
//
// # Calls
//
// To call a method of the peer, use [Session.Call]:
//
//	v, err := s.Call(ctx, "getTitle")
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors returned by s.Call have concrete type [*desklink.CallError]. Use
// [Invoke] or [Bind] to convert results to a Go type.
//
// # Callbacks
//
// A method handler may "call back" to methods of the remote peer. To do so,
// the handler uses [ContextSession] to obtain the session, and executes its
// [Session.Call] method.
//
// # Metrics
//
// Sessions maintain a collection of metrics while running. Use the
// [Session.Metrics] method to obtain an [expvar.Map] containing them:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound calls sent
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls currently pending
//   - stale_completions: counter of results with no pending call
//   - attaches, attaches_refused, detaches: peer lifecycle counters
package desklink
