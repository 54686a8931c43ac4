// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/channel"
	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/desklink/internal/frame"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/websocket"
)

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		msg := &desklink.Message{Type: desklink.TypeCall, ID: 1, Name: "ping"}
		if err := c.Send(msg); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != msg {
			t.Errorf("Message: got %v, want %v", got, msg)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(msg); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	// Closing one end closes both, and closing again is harmless.
	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("c.Close again: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("c.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := s.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if msg, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", msg)
	}
	if msg, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", msg)
	}
}

func TestDirectCloseUnblocksRecv(t *testing.T) {
	defer leaktest.Check(t)()
	c, s := channel.Direct()
	defer s.Close()

	done := taskgroup.Go(func() error {
		_, err := c.Recv()
		return err
	})
	c.Close()
	if err := done.Wait(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv: got %v, want %v", err, net.ErrClosed)
	}
}

var testMessages = []*desklink.Message{
	{Type: desklink.TypeCall, ID: 1, Name: "add", Args: []any{2.0, 3.0}},
	{Type: desklink.TypeReturn, ID: 1, Ret: 5.0},
	{Type: desklink.TypeError, ID: 2, Error: "method 'internal_reset' is not exposed"},
	{Type: desklink.TypeClose},
	{Type: "notice", Extra: map[string]any{"text": "hello"}},
}

func TestIO(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.CBOR()} {
		t.Run(c.Name(), func(t *testing.T) {
			defer leaktest.Check(t)()

			r, w := io.Pipe()
			send := channel.IO(strings.NewReader(""), w, c)
			recv := channel.IO(r, nopCloser{}, c)

			g := taskgroup.New(nil)
			g.Go(func() error {
				defer send.Close()
				for _, m := range testMessages {
					if err := send.Send(m); err != nil {
						t.Errorf("Send %v: %v", m, err)
					}
				}
				return nil
			})

			var got []*desklink.Message
			for {
				m, err := recv.Recv()
				if err != nil {
					if !errors.Is(err, io.EOF) {
						t.Errorf("Recv: unexpected error: %v", err)
					}
					break
				}
				got = append(got, m)
			}
			g.Wait()

			if diff := cmp.Diff(normalize(testMessages), normalize(got)); diff != "" {
				t.Errorf("Messages (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestIOProtocolError(t *testing.T) {
	r, w := io.Pipe()
	recv := channel.IO(r, nopCloser{}, codec.JSON)

	go func() {
		defer w.Close()
		frame.Write(w, []byte(`[1, 2, 3]`))
		frame.Write(w, []byte(`{"type": "call", "id": 3, "name": "ping", "args": []}`))
	}()

	_, err := recv.Recv()
	var perr *desklink.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Recv: got %v, want *ProtocolError", err)
	}
	t.Logf("Error OK: %v", err)

	// The channel remains usable after a bad frame.
	m, err := recv.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if m.Type != desklink.TypeCall || m.Name != "ping" || m.ID != 3 {
		t.Errorf("Recv: got %v, want call to ping", m)
	}
}

func TestWebSocket(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.CBOR()} {
		t.Run(c.Name(), func(t *testing.T) {
			// The server echoes every message it receives.
			srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
				ch := channel.WebSocket(ws, c)
				defer ch.Close()
				for {
					m, err := ch.Recv()
					if err != nil {
						return
					}
					if err := ch.Send(m); err != nil {
						return
					}
				}
			}))
			defer srv.Close()

			url := "ws" + strings.TrimPrefix(srv.URL, "http")
			ws, err := websocket.Dial(url, "", srv.URL)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			ch := channel.WebSocket(ws, c)

			var got []*desklink.Message
			for _, m := range testMessages {
				if err := ch.Send(m); err != nil {
					t.Fatalf("Send %v: %v", m, err)
				}
				r, err := ch.Recv()
				if err != nil {
					t.Fatalf("Recv: %v", err)
				}
				got = append(got, r)
			}
			if diff := cmp.Diff(normalize(testMessages), normalize(got)); diff != "" {
				t.Errorf("Messages (-want, +got):\n%s", diff)
			}

			if err := ch.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
			select {
			case <-ch.Done():
			default:
				t.Error("Done is not closed after Close")
			}
			if _, err := ch.Recv(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Recv after close: got %v, want %v", err, net.ErrClosed)
			}
		})
	}
}

// normalize renders messages as their wire mappings, with numbers converted
// to float64 so that messages decoded by different codecs compare equal.
func normalize(ms []*desklink.Message) []map[string]any {
	out := make([]map[string]any, len(ms))
	for i, m := range ms {
		f := m.Fields()
		for k, v := range f {
			f[k] = number(v)
		}
		out[i] = f
	}
	return out
}

func number(v any) any {
	switch t := v.(type) {
	case uint64:
		return float64(t)
	case int64:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = number(e)
		}
		return out
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Write(data []byte) (int, error) { return len(data), nil }
func (nopCloser) Close() error                   { return nil }
