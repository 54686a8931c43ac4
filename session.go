// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var log = logging.Logger("desklink")

// A Channel is a reliable ordered stream of messages shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message to the receiver as a single frame.
	Send(*Message) error

	// Receive the next available message from the channel. On a clean
	// disconnect Recv reports io.EOF or net.ErrClosed.  If a frame arrives
	// that is not a valid message, Recv reports a *ProtocolError and the
	// channel remains usable.  Any other error means the channel has failed.
	Recv() (*Message, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error. Close is idempotent.
	Close() error
}

// A MessageHandler processes a custom message from the remote peer. A
// message handler can obtain the session from its context argument using
// the ContextSession helper. An error reported by a message handler is
// logged and passed to the fault hook, but does not end the session.
type MessageHandler func(context.Context, *Message) error

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string { return fmt.Sprintf("%v %v", m.dir(), m.Message) }

// State is the lifecycle state of a session.
type State int

const (
	Idle        State = iota // no peer has attached, or the last one is gone for good
	Attached                 // a peer is attached
	GracePeriod              // the peer detached; waiting for it to reattach
	Terminated               // the session has ended; no further attach is possible
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Attached:
		return "Attached"
	case GracePeriod:
		return "GracePeriod"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultGracePeriod is the grace period used when Options do not set one.
const DefaultGracePeriod = time.Second

// Options control the behavior of a session. A nil *Options is ready for use
// and provides default values.
type Options struct {
	// How long to wait for a detached peer to reattach before failing its
	// pending calls. If zero or negative, DefaultGracePeriod is used.
	GracePeriod time.Duration

	// If true, the session returns to Idle when the grace period expires and
	// waits for a new peer. Otherwise the session terminates.
	Persistent bool

	// The clock used to time the grace period. If nil, the system clock is
	// used.
	Clock clock.Clock
}

func (o *Options) gracePeriod() time.Duration {
	if o == nil || o.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return o.GracePeriod
}

func (o *Options) persistent() bool { return o != nil && o.Persistent }

func (o *Options) clock() clock.Clock {
	if o == nil || o.Clock == nil {
		return clock.New()
	}
	return o.Clock
}

// A Session hosts the methods of a registry for a remote peer, and issues
// calls to the methods of that peer.
//
// A session accepts at most one attached peer at a time. When the attached
// peer's channel closes, the session waits a grace period for a peer to
// attach again; calls pending when the peer left survive the gap. If no peer
// arrives in time, pending calls fail with ErrSessionTerminated and the
// session either terminates or, if Options.Persistent is set, returns to
// Idle.
//
// The methods of a Session are safe for concurrent use by multiple
// goroutines.
type Session struct {
	id         string
	reg        *Registry
	grace      time.Duration
	persistent bool
	clock      clock.Clock
	log        *zap.SugaredLogger
	metrics    *sessionMetrics
	calls      callRegistry
	tasks      *taskgroup.Group
	ctx        context.Context // base context for handlers
	cancel     context.CancelFunc
	done       chan struct{} // closed when the session terminates

	dropLog  rate.Sometimes
	staleLog rate.Sometimes

	μ sync.Mutex

	state  State
	cur    *peer        // the attached peer, or nil
	lostAt time.Time    // when the last peer detached
	gen    uint64       // detach generation, guards the grace timer
	timer  *clock.Timer // the armed grace timer, or nil
	err    error        // termination cause

	onConnect func(context.Context, *Session)
	onFault   func(error)
	onExit    func(error)
	mmux      map[MessageType]MessageHandler
	mlog      MessageLogger
}

// A peer is a channel attached to a session.
type peer struct {
	ch  Channel
	out sync.Mutex // must hold to send on ch
}

func (p *peer) close() { p.ch.Close() }

// NewSession constructs a new Idle session serving the methods of reg.
// A nil reg serves no methods.
func NewSession(reg *Registry, opts *Options) *Session {
	id := uuid.NewString()
	s := &Session{
		id:         id,
		reg:        reg,
		grace:      opts.gracePeriod(),
		persistent: opts.persistent(),
		clock:      opts.clock(),
		log:        log.With("session", id),
		metrics:    newSessionMetrics(),
		tasks:      taskgroup.New(nil),
		done:       make(chan struct{}),
		dropLog:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		staleLog:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	s.ctx, s.cancel = context.WithCancel(context.WithValue(context.Background(), sessionContextKey{}, s))
	return s
}

// ID returns the unique identifier of s.
func (s *Session) ID() string { return s.id }

// Registry returns the method registry served by s.
func (s *Session) Registry() *Registry { return s.reg }

// State reports the current lifecycle state of s.
func (s *Session) State() State {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.state
}

// Metrics returns a metrics map for the session. It is safe for the caller to
// add additional metrics to the map while the session is active.
func (s *Session) Metrics() *expvar.Map { return s.metrics.emap }

// Done returns a channel that is closed when s terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Attach attaches ch as the peer of s, and starts a goroutine to service the
// messages it delivers. Attach does not block.
//
// If a peer is already attached, Attach reports ErrPeerAttached and the
// caller should refuse the connection. If s has terminated, Attach reports
// ErrSessionTerminated. In either case, s does not take ownership of ch.
func (s *Session) Attach(ch Channel) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	switch s.state {
	case Terminated:
		return ErrSessionTerminated
	case Attached:
		s.metrics.attachRefused.Add(1)
		s.log.Warnw("refusing peer", "error", ErrPeerAttached)
		return ErrPeerAttached
	}

	wasGrace := s.state == GracePeriod
	s.stopTimerLocked()
	p := &peer{ch: ch}
	s.cur = p
	s.state = Attached
	s.metrics.attaches.Add(1)
	if wasGrace {
		s.log.Infow("peer reattached", "gap", s.clock.Now().Sub(s.lostAt), "pending", s.calls.len())
	} else {
		s.log.Infow("peer attached")
	}

	// N.B. Start tasks while holding the lock, so they cannot race with the
	// final wait in Stop.
	s.tasks.Go(func() error { return s.serve(p) })
	if f := s.onConnect; f != nil {
		s.tasks.Go(func() error {
			defer func() {
				if x := recover(); x != nil {
					s.fault(fmt.Errorf("connect hook panicked (recovered): %v", x))
				}
			}()
			f(s.ctx, s)
			return nil
		})
	}
	return nil
}

// stopTimerLocked disarms any grace timer and invalidates one that may
// already be firing. The caller must hold s.μ.
func (s *Session) stopTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// serve is the receive loop for an attached peer.
func (s *Session) serve(p *peer) error {
	for {
		msg, err := p.ch.Recv()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				s.metrics.msgDropped.Add(1)
				s.dropLog.Do(func() { s.log.Warnw("dropped invalid frame", "error", perr) })
				continue
			}
			s.detach(p, err)
			return nil
		}
		s.metrics.msgRecv.Add(1)
		s.route(p, msg)
	}
}

// detach handles the end of the receive loop for p.
func (s *Session) detach(p *peer, err error) {
	p.close()

	s.μ.Lock()
	defer s.μ.Unlock()
	if s.cur != p {
		return // already replaced, or the session terminated
	}
	s.cur = nil
	s.metrics.detaches.Add(1)
	s.lostAt = s.clock.Now()
	s.stopTimerLocked()
	s.state = GracePeriod

	// N.B. Some clocks run the callback while holding their own lock, which
	// Stop also acquires; so expire must not run on the timer's stack.
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.grace, func() { go s.expire(gen) })

	if treatErrorAsSuccess(err) {
		s.log.Infow("peer detached", "grace", s.grace, "pending", s.calls.len())
	} else {
		s.log.Warnw("peer detached", "grace", s.grace, "pending", s.calls.len(),
			"error", &TransportError{Op: "recv", Err: err})
	}
}

// expire is called when the grace timer for detach generation gen fires.
func (s *Session) expire(gen uint64) {
	s.μ.Lock()
	if s.gen != gen || s.state != GracePeriod {
		s.μ.Unlock()
		return // a peer reattached, or the session ended, since the timer was set
	}
	s.timer = nil
	gap := s.clock.Now().Sub(s.lostAt)
	if s.persistent {
		// Take the pending calls before releasing the lock, so a call issued
		// to a peer that attaches after this point is not failed with them.
		s.state = Idle
		calls := s.calls.takeAll()
		s.μ.Unlock()

		n := failCalls(calls, fmt.Errorf("%w: %w", ErrSessionTerminated, ErrPeerLost))
		s.log.Infow("peer lost, waiting for a new peer", "gap", gap, "failed_calls", n)
		return
	}
	s.log.Infow("peer lost, terminating", "gap", gap)
	td := s.beginTerminateLocked(ErrPeerLost)
	s.μ.Unlock()
	s.finishTerminate(td)
}

// terminate ends the session with the given cause, if it has not already
// ended. It does not wait for tasks to finish.
func (s *Session) terminate(cause error) {
	s.μ.Lock()
	if s.state == Terminated {
		s.μ.Unlock()
		return
	}
	td := s.beginTerminateLocked(cause)
	s.μ.Unlock()
	s.finishTerminate(td)
}

// A teardown holds what a terminating session must release once its lock
// is dropped.
type teardown struct {
	cause  error
	peer   *peer
	calls  []*pending
	onExit func(error)
}

// beginTerminateLocked moves s to the Terminated state and detaches the
// peer and pending calls to be released. The caller must hold s.μ.
func (s *Session) beginTerminateLocked(cause error) teardown {
	s.state = Terminated
	s.err = cause
	td := teardown{cause: cause, peer: s.cur, calls: s.calls.takeAll(), onExit: s.onExit}
	s.cur = nil
	s.stopTimerLocked()
	return td
}

// finishTerminate releases the resources of a session that has entered the
// Terminated state. The caller must not hold s.μ.
func (s *Session) finishTerminate(td teardown) {
	if p := td.peer; p != nil {
		if td.cause == nil {
			// Tell the peer we are going away; it may already be gone.
			if err := s.sendTo(p, &Message{Type: TypeClose}); err != nil {
				s.log.Debugw("close notice not delivered", "error", err)
			}
		}
		p.close()
	}
	ferr := ErrSessionTerminated
	if td.cause != nil {
		ferr = fmt.Errorf("%w: %w", ErrSessionTerminated, td.cause)
	}
	n := failCalls(td.calls, ferr)
	s.cancel()
	s.log.Infow("session terminated", "cause", td.cause, "failed_calls", n)

	// Run the exit hook before Wait can return.
	if td.onExit != nil {
		td.onExit(td.cause)
	}
	close(s.done)
}

// Terminate ends the session without waiting for its goroutines to exit.
// If a peer is attached, it is sent a close notice and its channel is
// closed. Pending calls fail with ErrSessionTerminated. Unlike Stop, it is
// safe to call Terminate from a method handler.
func (s *Session) Terminate() { s.terminate(nil) }

// Stop terminates the session and blocks until its goroutines have exited,
// returning the same status as Wait. A method handler must not call Stop;
// use Terminate instead.
func (s *Session) Stop() error { s.terminate(nil); return s.Wait() }

// Wait blocks until s terminates and its goroutines have exited, and
// reports the cause: nil if the session was stopped, or ErrPeerLost if the
// peer did not reattach within the grace period.
func (s *Session) Wait() error {
	<-s.done
	s.tasks.Wait()
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.err
}

// attached returns the current peer.
func (s *Session) attached() (*peer, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.state == Terminated {
		return nil, ErrSessionTerminated
	} else if s.cur == nil {
		return nil, ErrNoPeer
	}
	return s.cur, nil
}

// sendTo sends m to p, serialized with other sends to p.
func (s *Session) sendTo(p *peer, m *Message) error {
	p.out.Lock()
	defer p.out.Unlock()
	s.logMessage(m, true)
	if err := p.ch.Send(m); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	s.metrics.msgSent.Add(1)
	return nil
}

// send sends m to the current peer, if there is one.
func (s *Session) send(m *Message) error {
	p, err := s.attached()
	if err != nil {
		return err
	}
	return s.sendTo(p, m)
}

// SendMessage sends a message to the attached peer. Any message type can be
// sent, including reserved types. The caller is responsible for ensuring such
// messages have valid fields.
func (s *Session) SendMessage(m *Message) error { return s.send(m) }

// route delivers an inbound message from p.
func (s *Session) route(p *peer, msg *Message) {
	s.logMessage(msg, false)
	switch msg.Type {
	case TypeCall:
		s.dispatch(msg)

	case TypeReturn:
		s.complete(msg.ID, result{value: msg.Ret})

	case TypeError:
		s.complete(msg.ID, result{err: &CallError{Message: msg.Error}})

	case TypeClose:
		s.log.Infow("peer sent close notice")
		p.close()

	default:
		s.μ.Lock()
		h, ok := s.mmux[msg.Type]
		s.μ.Unlock()
		if !ok {
			s.metrics.msgDropped.Add(1)
			s.dropLog.Do(func() { s.log.Warnw("no handler for message", "type", msg.Type) })
			return
		}
		if err := s.runMessageHandler(h, msg); err != nil {
			s.fault(err)
		}
	}
}

func (s *Session) runMessageHandler(h MessageHandler, msg *Message) (err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("message handler panicked (recovered): %v", x)
		}
	}()
	if err := h(s.ctx, msg); err != nil {
		return fmt.Errorf("message %q: %w", msg.Type, err)
	}
	return nil
}

// complete settles the pending call with the given id.
func (s *Session) complete(id uint64, r result) {
	pc, ok := s.calls.settle(id, r)
	if !ok {
		s.metrics.staleIn.Add(1)
		s.staleLog.Do(func() { s.log.Warnw("discarding completion", "id", id, "error", ErrStaleCorrelation) })
		return
	}
	s.log.Debugw("call completed", "id", id, "method", pc.name, "elapsed", s.clock.Now().Sub(pc.start))
}

// fault reports a failure that was not the fault of the protocol: a failed
// inbound call, or a failed hook.
func (s *Session) fault(err error) {
	s.log.Errorw("fault", "error", err)
	s.μ.Lock()
	f := s.onFault
	s.μ.Unlock()
	if f != nil {
		f(err)
	}
}

func (s *Session) logMessage(m *Message, sent bool) {
	s.μ.Lock()
	mlog := s.mlog
	s.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Message: m, Sent: sent})
	}
	if sent {
		s.log.Debugw("send", "message", m.String())
	} else {
		s.log.Debugw("recv", "message", m.String())
	}
}

// OnConnect registers a callback to be invoked each time a peer attaches,
// including reattachment. The callback runs in its own goroutine and does
// not delay the processing of messages. OnConnect returns s to permit
// chaining.
func (s *Session) OnConnect(f func(context.Context, *Session)) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onConnect = f
	return s
}

// OnFault registers a callback to be invoked with the error for each failed
// inbound call, after the failure has been reported to the peer, and for
// each failed message handler or hook. Passing nil removes the callback.
// OnFault returns s to permit chaining.
func (s *Session) OnFault(f func(error)) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onFault = f
	return s
}

// OnExit registers a callback to be invoked when the session terminates.
// The callback is executed synchronously during shutdown, before Wait
// returns, with the same error value that Wait reports. The callback must
// not call Stop or Wait.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (s *Session) OnExit(f func(error)) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onExit = f
	return s
}

// HandleMessage registers a callback that will be invoked whenever the remote
// peer sends a message with the specified custom type. This method will panic
// if a reserved message type is specified. Passing a nil callback removes any
// handler for the specified type. HandleMessage returns s to permit chaining.
//
// Message handlers are invoked synchronously with the processing of messages
// sent by the remote peer, and there will be at most one message handler
// active at a time.
func (s *Session) HandleMessage(mtype MessageType, handler MessageHandler) *Session {
	if mtype.IsReserved() {
		panic(fmt.Sprintf("cannot handle reserved message type %q", mtype))
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	if s.mmux == nil {
		s.mmux = make(map[MessageType]MessageHandler)
	}
	if handler == nil {
		delete(s.mmux, mtype)
	} else {
		s.mmux[mtype] = handler
	}
	return s
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote peer, regardless of type, including messages to
// be discarded.
//
// Passing a nil callback disables message logging. The message logger is
// invoked synchronously with dispatch, prior to sending or calling a handler.
func (s *Session) LogMessages(log MessageLogger) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.mlog = log
	return s
}

type sessionContextKey struct{}

// ContextSession returns the Session associated with the given context, or
// nil if none is defined. The context passed to a method Handler has this
// value.
func ContextSession(ctx context.Context) *Session {
	if v := ctx.Value(sessionContextKey{}); v != nil {
		return v.(*Session)
	}
	return nil
}
