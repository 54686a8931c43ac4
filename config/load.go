// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// FromFile loads config from a specified file, overriding the defaults. The
// path may begin with "~" for the home directory.
func FromFile(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file)
}

// Exists reports whether a config file exists at path.
func Exists(path string) (bool, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Load loads config from path if it is non-empty and the file exists, and
// otherwise from the defaults. Environment overrides apply in either case,
// and the result is validated.
func Load(path string) (*Config, error) {
	var cfg *Config
	ok, err := Exists(path)
	if path != "" && err != nil {
		return nil, err
	}
	if path != "" && ok {
		cfg, err = FromFile(path)
	} else {
		cfg, err = FromReader(bytes.NewReader(nil))
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FromReader loads config from a reader instance.
func FromReader(reader io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeReader(reader, cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("processing env vars overrides: %s", err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return xerrors.Errorf("homedir expand error %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return xerrors.Errorf("make dir failed: %w", err)
	}
	buf := new(bytes.Buffer)
	_, _ = buf.WriteString("# desklink host config\n")
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}
