// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"net"
	"sync"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/codec"
	"golang.org/x/net/websocket"
)

// WebSocket constructs a channel that exchanges messages over ws, one
// message per WebSocket frame, encoded with c. Text codecs use text frames
// and binary codecs use binary frames.
func WebSocket(ws *websocket.Conn, c codec.Codec) *WSChannel {
	return &WSChannel{ws: ws, codec: c, done: make(chan struct{})}
}

// A WSChannel sends and receives messages on a WebSocket connection.
type WSChannel struct {
	ws    *websocket.Conn
	codec codec.Codec

	wμ sync.Mutex // serializes frames

	once sync.Once
	done chan struct{}
	cerr error
}

// Send implements a method of the [desklink.Channel] interface.
func (c *WSChannel) Send(m *desklink.Message) error {
	data, err := desklink.EncodeMessage(c.codec, m)
	if err != nil {
		return err
	}
	c.wμ.Lock()
	defer c.wμ.Unlock()
	if c.codec.Binary() {
		return websocket.Message.Send(c.ws, data)
	}
	return websocket.Message.Send(c.ws, string(data))
}

// Recv implements a method of the [desklink.Channel] interface. A frame that
// does not decode as a message is reported as a *desklink.ProtocolError.
func (c *WSChannel) Recv() (*desklink.Message, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		select {
		case <-c.done:
			return nil, net.ErrClosed
		default:
			return nil, err
		}
	}
	return desklink.DecodeMessage(c.codec, data)
}

// Close implements a method of the [desklink.Channel] interface.
func (c *WSChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cerr = c.ws.Close()
	})
	return c.cerr
}

// Done returns a channel that is closed when c is closed.
func (c *WSChannel) Done() <-chan struct{} { return c.done }
