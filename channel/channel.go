// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the desklink.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/desklink/internal/frame"
)

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without encoding. Messages sent to A are received by B and vice
// versa. Closing either channel closes both.
func Direct() (A, B desklink.Channel) {
	l := &link{done: make(chan struct{})}
	a2b := make(chan *desklink.Message)
	b2a := make(chan *desklink.Message)
	A = direct{link: l, out: a2b, in: b2a}
	B = direct{link: l, out: b2a, in: a2b}
	return
}

type link struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	*link
	out chan<- *desklink.Message
	in  <-chan *desklink.Message
}

// Send implements a method of the [desklink.Channel] interface.
func (d direct) Send(m *desklink.Message) error {
	select {
	case <-d.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- m:
		return nil
	case <-d.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [desklink.Channel] interface.
func (d direct) Recv() (*desklink.Message, error) {
	select {
	case m := <-d.in:
		return m, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [desklink.Channel] interface.
func (d direct) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// IO constructs a channel that receives from r and sends to wc, encoding
// each message as a length-prefixed frame using c.
func IO(r io.Reader, wc io.WriteCloser, c codec.Codec) *IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, codec: c}
}

// An IOChannel sends and receives messages on a reader and a writer.
type IOChannel struct {
	r     *bufio.Reader
	codec codec.Codec

	wμ sync.Mutex
	w  *bufio.Writer

	once sync.Once
	c    io.Closer
	cerr error
}

// Send implements a method of the [desklink.Channel] interface.
func (c *IOChannel) Send(m *desklink.Message) error {
	data, err := desklink.EncodeMessage(c.codec, m)
	if err != nil {
		return err
	}
	c.wμ.Lock()
	defer c.wμ.Unlock()
	if err := frame.Write(c.w, data); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [desklink.Channel] interface. A frame that
// does not decode as a message is reported as a *desklink.ProtocolError, and
// the next call to Recv reads the following frame.
func (c *IOChannel) Recv() (*desklink.Message, error) {
	data, err := frame.Read(c.r)
	if err != nil {
		return nil, err
	}
	return desklink.DecodeMessage(c.codec, data)
}

// Close implements a method of the [desklink.Channel] interface.
func (c *IOChannel) Close() error {
	c.once.Do(func() { c.cerr = c.c.Close() })
	return c.cerr
}
