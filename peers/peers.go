// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for attaching and testing sessions.
package peers

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/channel"
	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/taskgroup"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("desklink/peers")

// Local is a pair of sessions connected in memory, suitable for testing.
// Host plays the part of the hosting process, Remote the part of the page.
type Local struct {
	Host   *desklink.Session
	Remote *desklink.Session

	μ    sync.Mutex
	link desklink.Channel // the host end of the current link, or nil
}

// NewLocal connects host and remote with a direct channel and attaches both.
func NewLocal(host, remote *desklink.Session) (*Local, error) {
	loc := &Local{Host: host, Remote: remote}
	if err := loc.Relink(); err != nil {
		return nil, err
	}
	return loc, nil
}

// Drop closes the current link between the sessions, as if the connection
// had been lost. Both sessions see their peer detach.
func (l *Local) Drop() {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.link != nil {
		l.link.Close()
		l.link = nil
	}
}

// Relink connects the sessions with a new direct channel. It reports an
// error if either session refuses the attachment.
func (l *Local) Relink() error {
	l.μ.Lock()
	defer l.μ.Unlock()
	a, b := channel.Direct()
	if err := l.Host.Attach(a); err != nil {
		a.Close()
		return err
	}
	if err := l.Remote.Attach(b); err != nil {
		a.Close()
		return err
	}
	l.link = a
	return nil
}

// Stop shuts down both sessions and blocks until both have exited.
func (l *Local) Stop() error {
	herr := l.Host.Stop()
	rerr := l.Remote.Stop()
	if herr != nil {
		return herr
	}
	return rerr
}

// An Accepter accepts channels from prospective peers.
type Accepter interface {
	Accept(context.Context) (desklink.Channel, error)
}

// Loop accepts channels from acc and attaches each one to s. A channel that
// arrives while another peer is attached is refused: it is sent a close
// notice and closed. Loop continues until acc closes, ctx ends, or s
// terminates.
func Loop(ctx context.Context, acc Accepter, s *desklink.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	taskgroup.Go(func() error {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			return err
		}
		if err := s.Attach(ch); err != nil {
			log.Warnw("refused peer", "session", s.ID(), "error", err)
			ch.Send(&desklink.Message{Type: desklink.TypeClose})
			ch.Close()
		}
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Accepted
// connections exchange length-prefixed frames encoded with c.
func NetAccepter(lst net.Listener, c codec.Codec) Accepter {
	return netAccepter{Listener: lst, codec: c}
}

type netAccepter struct {
	net.Listener
	codec codec.Codec
}

func (n netAccepter) Accept(ctx context.Context) (desklink.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn, n.codec), nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
