// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/channel"
	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/desklink/handler"
	"github.com/creachadair/desklink/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, codec.JSON)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(*channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, &channel.IOChannel{})
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, codec.JSON)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	host := desklink.NewSession(desklink.NewRegistry(
		desklink.Expose("echo", handler.Func1(slowEcho)),
	), &desklink.Options{Persistent: true})
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst, codec.CBOR()), host)
	})
	t.Log("Started attach loop...")

	// Clients connect one after another; each must wait for the previous one
	// to detach, since a session has only one peer.
	const numClients = 3
	const numCalls = 5
	for i := range numClients {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		client := desklink.NewSession(nil, nil)
		client.Attach(channel.IO(conn, conn, codec.CBOR()))

		waitFor(t, host, desklink.Attached)
		for j := range numCalls {
			got, err := desklink.Invoke[string](t.Context(), client, "echo", "hello")
			if err != nil {
				t.Errorf("Client %d call %d: %v", i+1, j+1, err)
			} else if got != "hello" {
				t.Errorf("Client %d call %d: got %q, want hello", i+1, j+1, got)
			}
		}
		if err := client.Stop(); err != nil {
			t.Errorf("Client %d stop: %v", i+1, err)
		}
		waitFor(t, host, desklink.GracePeriod)
	}

	t.Logf("Stopped host, err=%v", host.Stop())
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

func TestLoopRefusesSecondPeer(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	host := desklink.NewSession(nil, nil)
	loop := taskgroup.Go(func() error {
		return peers.Loop(t.Context(), peers.NetAccepter(lst, codec.JSON), host)
	})

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	waitFor(t, host, desklink.Attached)

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ch := channel.IO(second, second, codec.JSON)
	defer ch.Close()

	// The refused peer is told to go away, and its connection is closed.
	msg, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	} else if msg.Type != desklink.TypeClose {
		t.Errorf("Recv: got %v, want close notice", msg)
	}
	if msg, err := ch.Recv(); err == nil {
		t.Errorf("Recv after refusal: got %v, want error", msg)
	}
	if got := host.State(); got != desklink.Attached {
		t.Errorf("Host state: got %v, want %v", got, desklink.Attached)
	}

	// Stopping the host ends the loop.
	if err := host.Stop(); err != nil {
		t.Errorf("Stop host: %v", err)
	}
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	host := desklink.NewSession(nil, &desklink.Options{Persistent: true, GracePeriod: time.Minute})
	remote := desklink.NewSession(desklink.NewRegistry(
		desklink.Expose("ping", handler.Func0(func(context.Context) (string, error) {
			return "pong", nil
		})),
	), &desklink.Options{Persistent: true, GracePeriod: time.Minute})

	loc, err := peers.NewLocal(host, remote)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	ping := desklink.Bind[string](loc.Host, "ping")
	if got, err := ping(t.Context()); err != nil || got != "pong" {
		t.Errorf("ping: got (%q, %v), want pong", got, err)
	}

	loc.Drop()
	waitFor(t, loc.Host, desklink.GracePeriod)
	waitFor(t, loc.Remote, desklink.GracePeriod)

	if err := loc.Relink(); err != nil {
		t.Fatalf("Relink: %v", err)
	}
	if got, err := ping(t.Context()); err != nil || got != "pong" {
		t.Errorf("ping after relink: got (%q, %v), want pong", got, err)
	}

	// While linked, a second relink is refused.
	if err := loc.Relink(); !errors.Is(err, desklink.ErrPeerAttached) {
		t.Errorf("Relink while attached: got %v, want %v", err, desklink.ErrPeerAttached)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := peers.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

func slowEcho(ctx context.Context, s string) (string, error) {
	time.Sleep(7 * time.Millisecond)
	return s, nil
}

// waitFor polls until s reaches the given state, or fails the test.
func waitFor(t *testing.T, s *desklink.Session, want desklink.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Session state: got %v, want %v", s.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}
