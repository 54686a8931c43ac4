// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package codec defines the serialization formats used to encode messages
// on the wire.
//
// A codec turns a generic message mapping into a self-contained frame and
// back. Decoding into an *any must produce only the generic shapes nil,
// bool, string, numbers, []any and map[string]any, so that every codec
// yields the same value trees to the message layer.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// A Codec encodes and decodes message frames.
type Codec interface {
	// Name reports the name of the codec, as used in configuration.
	Name() string

	// Binary reports whether encoded frames are binary (true) or UTF-8 text
	// (false). Transports that distinguish text and binary frames use this to
	// choose a frame type.
	Binary() bool

	// Marshal encodes v as a single frame.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes a single frame into v.
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec. It encodes frames as JSON text.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("extra data after JSON value at offset %d", dec.InputOffset())
	}
	return nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder: %v", err))
	}
}

// CBOR returns a codec that encodes frames as binary CBOR (RFC 8949).
// Encoding is deterministic, and maps decode as map[string]any.
func CBOR() Codec { return cborCodec{} }

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Binary() bool { return true }

func (cborCodec) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

func (cborCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }

// Names lists the names of the available codecs.
func Names() []string { return []string{"cbor", "json"} }

// ByName returns the codec with the given name. Names are not case
// sensitive. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (available: %s)", name, strings.Join(Names(), ", "))
	}
}
