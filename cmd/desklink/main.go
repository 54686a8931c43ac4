// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program desklink hosts a desklink session for a browser page, and calls
// methods on a running host from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/channel"
	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/desklink/config"
	"github.com/creachadair/desklink/peers"
	"github.com/creachadair/desklink/server"
	"github.com/creachadair/flax"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/net/websocket"
	"golang.org/x/xerrors"
)

var log = logging.Logger("desklink/cmd")

var serveFlags struct {
	Config     string        `flag:"config,default=~/.desklink/config.toml,Configuration file path"`
	Addr       string        `flag:"addr,Listen address (host:port) overriding the config"`
	Grace      time.Duration `flag:"grace,Reconnect grace period overriding the config"`
	Persistent bool          `flag:"persistent,Wait for a new page after the grace period expires"`
	Codec      string        `flag:"codec,Frame codec (json or cbor) overriding the config"`
	Stream     string        `flag:"stream,Serve length-prefixed frames on this tcp or unix address instead of WebSocket"`
	WriteConf  bool          `flag:"write-config,Write the effective configuration to the config path and exit"`
}

var callFlags struct {
	Codec   string        `flag:"codec,default=json,Frame codec (json or cbor) for ws and stream targets"`
	Stream  bool          `flag:"stream,Treat the target as a tcp or unix stream address"`
	Timeout time.Duration `flag:"timeout,default=10s,Call timeout"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Host and call desklink sessions.",
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Serve a demonstration session.

The host listens for a single page to connect over WebSocket, and prints the
URL of the bootstrap document. The page may call the methods echo, add, ping,
and now. Once the page disconnects and does not return within the grace
period, the host exits, unless --persistent is set.

Settings are read from the config file if it exists, then from environment
variables named DESKLINK_<SETTING>, then from flags.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &serveFlags) },
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<target> <method> [json-arg...]",
				Help: `Call a method on a running host and print the result as JSON.

The target is one of:

  http://host:port   : the host's base URL; the bootstrap document names
                       the endpoint and codec
  ws://host:port/path: a WebSocket endpoint (see --codec)
  host:port or path  : with --stream, a tcp or unix stream address

Each argument is parsed as JSON. An argument that is not valid JSON is passed
as a string.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &callFlags) },
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig loads the config and applies the flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(serveFlags.Config)
	if err != nil {
		return nil, err
	}
	if serveFlags.Addr != "" {
		host, port, err := net.SplitHostPort(serveFlags.Addr)
		if err != nil {
			return nil, xerrors.Errorf("invalid --addr: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, xerrors.Errorf("invalid --addr port: %w", err)
		}
		cfg.Host, cfg.Port = host, p
	}
	if serveFlags.Grace > 0 {
		cfg.Session.GracePeriod = config.Duration(serveFlags.Grace)
	}
	if serveFlags.Persistent {
		cfg.Session.Persistent = true
	}
	if serveFlags.Codec != "" {
		cfg.Codec = serveFlags.Codec
	}
	return cfg, cfg.Validate()
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.WriteConf {
		if err := config.Save(serveFlags.Config, cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", serveFlags.Config)
		return nil
	}
	if err := logging.SetLogLevelRegex("desklink.*", cfg.LogLevel); err != nil {
		return xerrors.Errorf("set log level: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := newSession(cfg.SessionOptions())
	expvar.Publish("desklink", s.Metrics())

	if serveFlags.Stream != "" {
		err = serveStream(ctx, s, cfg)
	} else {
		err = serveWeb(ctx, s, cfg)
	}
	if err != nil {
		return err
	}
	err = s.Stop()
	if errors.Is(err, desklink.ErrPeerLost) {
		log.Infow("page did not return, exiting")
		return nil
	}
	return err
}

func serveWeb(ctx context.Context, s *desklink.Session, cfg *config.Config) error {
	opts, err := cfg.ServerOptions()
	if err != nil {
		return err
	}
	srv := server.New(s, opts)
	srv.Router().Handle("/debug/vars", expvar.Handler())
	return srv.ListenAndServe(ctx, cfg.Addr(), func(lst net.Listener) {
		fmt.Printf("Bootstrap: %s\n", server.URL(lst, server.DefaultBootstrapPath))
		fmt.Printf("WebSocket: %s\n", srv.WebSocketURL(lst))
	})
}

func serveStream(ctx context.Context, s *desklink.Session, cfg *config.Config) error {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	network, address := peers.SplitAddress(serveFlags.Stream)
	lst, err := net.Listen(network, address)
	if err != nil {
		return xerrors.Errorf("listen: %w", err)
	}
	defer lst.Close()
	fmt.Printf("Stream: %s %s\n", network, lst.Addr())
	return peers.Loop(ctx, peers.NetAccepter(lst, c), s)
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing target and method name")
	}
	target, method := env.Args[0], env.Args[1]
	args := parseArgs(env.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), callFlags.Timeout)
	defer cancel()

	ch, err := dialTarget(ctx, target)
	if err != nil {
		return err
	}
	s := desklink.NewSession(desklink.NewRegistry(), nil)
	if err := s.Attach(ch); err != nil {
		ch.Close()
		return err
	}
	defer s.Stop()

	v, err := s.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return xerrors.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// parseArgs parses each argument as JSON, or as a plain string if it is not
// valid JSON.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

// dialTarget connects to the host named by target.
func dialTarget(ctx context.Context, target string) (desklink.Channel, error) {
	if callFlags.Stream {
		c, err := codec.ByName(callFlags.Codec)
		if err != nil {
			return nil, err
		}
		network, address := peers.SplitAddress(target)
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, xerrors.Errorf("dial: %w", err)
		}
		return channel.IO(conn, conn, c), nil
	}

	wsURL, codecName := target, callFlags.Codec
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		boot, err := fetchBootstrap(ctx, target)
		if err != nil {
			return nil, err
		}
		wsURL = "ws" + strings.TrimPrefix(strings.TrimSuffix(target, "/"), "http") + boot.Path
		codecName = boot.Codec
	}
	c, err := codec.ByName(codecName)
	if err != nil {
		return nil, err
	}
	ws, err := websocket.Dial(wsURL, "", "http://localhost/")
	if err != nil {
		return nil, xerrors.Errorf("dial %q: %w", wsURL, err)
	}
	return channel.WebSocket(ws, c), nil
}

// fetchBootstrap reads the bootstrap document from the host at base.
func fetchBootstrap(ctx context.Context, base string) (*server.Bootstrap, error) {
	u := strings.TrimSuffix(base, "/") + server.DefaultBootstrapPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("fetch bootstrap: %w", err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch bootstrap: %s", rsp.Status)
	}
	var boot server.Bootstrap
	if err := json.NewDecoder(rsp.Body).Decode(&boot); err != nil {
		return nil, xerrors.Errorf("decode bootstrap: %w", err)
	}
	return &boot, nil
}
