// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package config defines the settings of a desklink host, loaded from a TOML
// file with overrides from the environment.
//
// An environment variable DESKLINK_<FIELD> overrides the corresponding
// setting, for example DESKLINK_PORT or DESKLINK_SESSION_GRACE_PERIOD.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/desklink"
	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/desklink/server"
	"golang.org/x/xerrors"
)

// EnvPrefix is the prefix of environment variables that override settings.
const EnvPrefix = "DESKLINK"

// Config is the configuration of a desklink host.
type Config struct {
	// The address and port to listen on. Port 0 picks a free port.
	Host string
	Port int

	// The route of the WebSocket endpoint.
	Path string

	// The page function to call once connected.
	InitFunction string `split_words:"true"`

	// The frame codec: "json" or "cbor".
	Codec string

	// The level for log output: debug, info, warn, or error.
	LogLevel string `split_words:"true"`

	Session SessionConfig
}

// SessionConfig is the configuration of the session lifecycle.
type SessionConfig struct {
	// How long to wait for the page to reconnect.
	GracePeriod Duration `split_words:"true"`

	// Whether to keep the session alive and wait for a new page after the
	// grace period expires, rather than exiting.
	Persistent bool
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         0,
		Path:         server.DefaultPath,
		InitFunction: server.DefaultInitFunction,
		Codec:        codec.JSON.Name(),
		LogLevel:     "info",
		Session: SessionConfig{
			GracePeriod: Duration(desklink.DefaultGracePeriod),
		},
	}
}

// Validate reports an error if c has invalid settings.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return xerrors.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return xerrors.Errorf("endpoint path %q must begin with /", c.Path)
	}
	if c.InitFunction == "" {
		return xerrors.New("init function name is empty")
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return xerrors.Errorf("invalid codec: %w", err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return xerrors.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Session.GracePeriod < 0 {
		return xerrors.Errorf("negative grace period %v", c.Session.GracePeriod)
	}
	return nil
}

// Addr returns the listen address of c as host:port.
func (c *Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// SessionOptions returns session options for c.
func (c *Config) SessionOptions() *desklink.Options {
	return &desklink.Options{
		GracePeriod: time.Duration(c.Session.GracePeriod),
		Persistent:  c.Session.Persistent,
	}
}

// ServerOptions returns server options for c.
func (c *Config) ServerOptions() (*server.Options, error) {
	cc, err := codec.ByName(c.Codec)
	if err != nil {
		return nil, err
	}
	return &server.Options{
		Path:         c.Path,
		Codec:        cc,
		InitFunction: c.InitFunction,
	}, nil
}

// Duration is a time.Duration that encodes as a string like "1.5s".
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

func (dur Duration) String() string { return time.Duration(dur).String() }
