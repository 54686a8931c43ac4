// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package server serves a desklink session to a page over WebSocket.
//
// A Server mounts a WebSocket endpoint on an HTTP router and attaches each
// connection to its session. The session admits one peer at a time, so a
// connection that arrives while another is attached is sent a close notice
// and dropped. When the session terminates, the server shuts down.
//
// The router is exposed so the host can mount its own content, such as the
// page and its scripts, alongside the endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/channel"
	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/net/websocket"
	"golang.org/x/xerrors"
)

var log = logging.Logger("desklink/server")

// Default values for Options.
const (
	DefaultPath            = "/__ws__/"
	DefaultBootstrapPath   = "/__desklink__/bootstrap.json"
	DefaultInitFunction    = "onConnect"
	DefaultShutdownTimeout = 5 * time.Second
)

// Options configure a Server. A nil *Options is ready for use and provides
// default values.
type Options struct {
	// The route of the WebSocket endpoint. Default: DefaultPath.
	Path string

	// The codec used for WebSocket frames. Default: codec.JSON.
	Codec codec.Codec

	// The name of the page function to run once connected, published in the
	// bootstrap document. Default: DefaultInitFunction.
	InitFunction string

	// How long to wait for in-flight HTTP requests when shutting down.
	// Default: DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

func (o *Options) path() string {
	if o == nil || o.Path == "" {
		return DefaultPath
	}
	return o.Path
}

func (o *Options) codec() codec.Codec {
	if o == nil || o.Codec == nil {
		return codec.JSON
	}
	return o.Codec
}

func (o *Options) initFunction() string {
	if o == nil || o.InitFunction == "" {
		return DefaultInitFunction
	}
	return o.InitFunction
}

func (o *Options) shutdownTimeout() time.Duration {
	if o == nil || o.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return o.ShutdownTimeout
}

// Server serves a session over WebSocket.
type Server struct {
	session *desklink.Session
	path    string
	codec   codec.Codec
	init    string
	timeout time.Duration
	router  *mux.Router
}

// New constructs a server for s. The WebSocket endpoint and the bootstrap
// document are mounted on its router.
func New(s *desklink.Session, opts *Options) *Server {
	srv := &Server{
		session: s,
		path:    opts.path(),
		codec:   opts.codec(),
		init:    opts.initFunction(),
		timeout: opts.shutdownTimeout(),
		router:  mux.NewRouter(),
	}
	srv.router.Handle(srv.path, websocket.Server{Handler: srv.serveWS})
	srv.router.HandleFunc(DefaultBootstrapPath, srv.serveBootstrap).Methods(http.MethodGet)
	return srv
}

// Router returns the router of srv, on which the host may mount additional
// routes.
func (srv *Server) Router() *mux.Router { return srv.router }

// Session returns the session served by srv.
func (srv *Server) Session() *desklink.Session { return srv.session }

// serveWS attaches a WebSocket connection to the session, and holds it open
// until the session lets go of it.
func (srv *Server) serveWS(ws *websocket.Conn) {
	ch := channel.WebSocket(ws, srv.codec)
	if err := srv.session.Attach(ch); err != nil {
		log.Warnw("refusing connection", "remote", ws.Request().RemoteAddr, "error", err)
		ch.Send(&desklink.Message{Type: desklink.TypeClose})
		ch.Close()
		return
	}
	log.Debugw("connection attached", "remote", ws.Request().RemoteAddr)
	<-ch.Done()
}

// Bootstrap is the document served to the page to tell it how to connect.
type Bootstrap struct {
	Path         string `json:"ws"`      // route of the WebSocket endpoint
	Codec        string `json:"codec"`   // name of the frame codec
	InitFunction string `json:"init"`    // page function to call once connected
	Session      string `json:"session"` // session ID
}

// Bootstrap returns the bootstrap document for srv.
func (srv *Server) Bootstrap() Bootstrap {
	return Bootstrap{
		Path:         srv.path,
		Codec:        srv.codec.Name(),
		InitFunction: srv.init,
		Session:      srv.session.ID(),
	}
}

func (srv *Server) serveBootstrap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(srv.Bootstrap())
}

// Listen opens a TCP listener on addr. If addr has no port or port 0, the
// system picks a free port; use the Addr method of the listener to find it.
func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	} else if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "0")
	}
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("listen on %q: %w", addr, err)
	}
	return lst, nil
}

// URL returns the HTTP URL for path on the server listening at lst.
func URL(lst net.Listener, path string) string { return "http://" + lst.Addr().String() + path }

// WebSocketURL returns the URL of the WebSocket endpoint of srv listening at
// lst.
func (srv *Server) WebSocketURL(lst net.Listener) string {
	return "ws://" + lst.Addr().String() + srv.path
}

// Serve serves HTTP requests on lst until ctx ends or the session
// terminates. If ctx ends first, Serve terminates the session.
func (srv *Server) Serve(ctx context.Context, lst net.Listener) error {
	hs := &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := taskgroup.Go(func() error {
		select {
		case <-srv.session.Done():
			log.Infow("session ended, shutting down", "addr", lst.Addr().String())
		case <-ctx.Done():
			srv.session.Terminate()
		}
		sctx, scancel := context.WithTimeout(context.Background(), srv.timeout)
		defer scancel()
		return hs.Shutdown(sctx)
	})

	log.Infow("serving", "addr", lst.Addr().String(), "ws", srv.path)
	var result *multierror.Error
	if err := hs.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
		result = multierror.Append(result, xerrors.Errorf("serve: %w", err))
	}
	cancel()
	if err := stop.Wait(); err != nil {
		result = multierror.Append(result, xerrors.Errorf("shutdown: %w", err))
	}
	return result.ErrorOrNil()
}

// ListenAndServe listens on addr and serves until ctx ends or the session
// terminates. If ready != nil, it is called with the listener before serving
// begins, for example to report the start URL.
func (srv *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Listener)) error {
	lst, err := Listen(addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(lst)
	}
	return srv.Serve(ctx, lst)
}
