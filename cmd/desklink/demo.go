// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/handler"
)

// TypeLog is a custom message the page sends to write a line to the host log.
const TypeLog desklink.MessageType = "log"

// TypeReady is a custom message the host sends to a newly-attached page,
// listing the methods it exposes.
const TypeReady desklink.MessageType = "ready"

// demo is the state behind the demonstration methods.
type demo struct {
	pings atomic.Int64
}

// registry returns the methods served by the demo host.
func (d *demo) registry() *desklink.Registry {
	return desklink.NewRegistry(
		desklink.Expose("echo", handler.Variadic(d.echo)),
		desklink.Expose("add", handler.Func2(d.add)),
		desklink.Expose("ping", handler.Func0(d.ping)),
		desklink.Expose("now", handler.Func0(d.now)),
		desklink.Internal("internal_reset", handler.Func0(d.reset)),
	)
}

func (d *demo) echo(_ context.Context, args ...any) ([]any, error) {
	if args == nil {
		return []any{}, nil
	}
	return args, nil
}

func (d *demo) add(_ context.Context, a, b float64) (float64, error) { return a + b, nil }

func (d *demo) ping(context.Context) (string, error) {
	d.pings.Add(1)
	return "pong", nil
}

func (d *demo) now(context.Context) (string, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
}

// reset clears the ping counter and reports its previous value.
func (d *demo) reset(context.Context) (int64, error) { return d.pings.Swap(0), nil }

// onConnect announces the exposed methods to a newly-attached page.
func onConnect(ctx context.Context, s *desklink.Session) {
	err := s.SendMessage(&desklink.Message{
		Type:  TypeReady,
		Extra: map[string]any{"methods": s.Registry().Exposed()},
	})
	if err != nil {
		log.Warnw("announcing methods", "error", err)
	}
}

// handleLog writes a page log message to the host log.
func handleLog(ctx context.Context, m *desklink.Message) error {
	text, ok := m.Extra["text"].(string)
	if !ok {
		return errors.New("log message has no text")
	}
	level, _ := m.Extra["level"].(string)
	s := desklink.ContextSession(ctx)
	switch level {
	case "error":
		log.Errorw(text, "session", s.ID(), "from", "page")
	case "warn":
		log.Warnw(text, "session", s.ID(), "from", "page")
	default:
		log.Infow(text, "session", s.ID(), "from", "page")
	}
	return nil
}

// newSession constructs a demo session with its hooks installed.
func newSession(opts *desklink.Options) *desklink.Session {
	d := new(demo)
	s := desklink.NewSession(d.registry(), opts)
	return s.OnConnect(onConnect).
		HandleMessage(TypeLog, handleLog).
		OnFault(func(err error) {
			var de *desklink.DispatchError
			if errors.As(err, &de) {
				log.Debugw("call failed", "method", de.Method, "kind", de.Kind.String())
			}
		}).
		OnExit(func(err error) {
			log.Infow("session ended", "session", s.ID(), "error", fmt.Sprint(err))
		})
}
