// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strings"

	"github.com/creachadair/desklink/codec"
	"github.com/creachadair/mds/value"
)

// MessageType describes the kind of a message, as given by its "type" field.
//
// The types defined here are reserved by the protocol. Any other type is a
// custom message, which is delivered to a handler registered with
// [Session.HandleMessage].
type MessageType string

const (
	TypeCall   MessageType = "call"   // A request to execute a method
	TypeReturn MessageType = "return" // The successful result of a call
	TypeError  MessageType = "error"  // The failed result of a call
	TypeClose  MessageType = "close"  // A notice that the session is ending
)

// IsReserved reports whether t is one of the protocol message types.
func (t MessageType) IsReserved() bool {
	switch t {
	case TypeCall, TypeReturn, TypeError, TypeClose:
		return true
	}
	return false
}

// Message is the parsed form of a single protocol message.
//
// Which fields are meaningful depends on the type:
//
//   - call: ID, Name, Args
//   - return: ID, Ret
//   - error: ID, Error
//   - close: none
//
// For a custom message type, Extra holds every field other than "type".
type Message struct {
	Type  MessageType
	ID    uint64
	Name  string
	Args  []any
	Ret   any
	Error string
	Extra map[string]any
}

// Fields renders m as the generic mapping sent on the wire.
func (m *Message) Fields() map[string]any {
	out := make(map[string]any, len(m.Extra)+4)
	if !m.Type.IsReserved() {
		maps.Copy(out, m.Extra)
	}
	out["type"] = string(m.Type)
	switch m.Type {
	case TypeCall:
		out["id"] = m.ID
		out["name"] = m.Name
		out["args"] = value.Cond[[]any](m.Args == nil, []any{}, m.Args)
	case TypeReturn:
		out["id"] = m.ID
		out["ret"] = m.Ret
	case TypeError:
		out["id"] = m.ID
		out["error"] = m.Error
	}
	return out
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch m.Type {
	case TypeCall:
		return fmt.Sprintf("Call(ID=%d, Name=%q, Args=%s)", m.ID, m.Name, truncate(fmt.Sprint(m.Args), 100))
	case TypeReturn:
		return fmt.Sprintf("Return(ID=%d, Ret=%s)", m.ID, truncate(fmt.Sprint(m.Ret), 100))
	case TypeError:
		return fmt.Sprintf("Error(ID=%d, %q)", m.ID, m.Error)
	case TypeClose:
		return "Close()"
	default:
		return fmt.Sprintf("Message(%q, %s)", m.Type, truncate(fmt.Sprint(m.Extra), 100))
	}
}

// ParseMessage converts a generic decoded value into a message.  It reports
// an error if v is not a mapping, lacks a string "type" field, or is missing
// a field required by its type.
func ParseMessage(v any) (*Message, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message is %T, not a mapping", v)
	}
	tag, ok := obj["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid type tag")
	}
	m := &Message{Type: MessageType(tag)}

	switch m.Type {
	case TypeCall:
		id, err := parseID(obj)
		if err != nil {
			return nil, err
		}
		name, ok := obj["name"].(string)
		if !ok {
			return nil, fmt.Errorf("call %d: missing or invalid method name", id)
		}
		m.ID, m.Name = id, name
		switch args := obj["args"].(type) {
		case nil:
			m.Args = []any{}
		case []any:
			m.Args = args
		default:
			return nil, fmt.Errorf("call %d: arguments are %T, not a list", id, args)
		}

	case TypeReturn:
		id, err := parseID(obj)
		if err != nil {
			return nil, err
		}
		m.ID, m.Ret = id, obj["ret"]

	case TypeError:
		id, err := parseID(obj)
		if err != nil {
			return nil, err
		}
		text, ok := obj["error"].(string)
		if !ok {
			return nil, fmt.Errorf("error %d: missing or invalid error text", id)
		}
		m.ID, m.Error = id, text

	case TypeClose:
		// no payload

	default:
		m.Extra = make(map[string]any, len(obj)-1)
		for k, v := range obj {
			if k != "type" {
				m.Extra[k] = v
			}
		}
	}
	return m, nil
}

// parseID extracts a non-negative integral "id" field from obj. Codecs
// decode numbers differently, so all the generic numeric shapes are accepted.
func parseID(obj map[string]any) (uint64, error) {
	switch v := obj["id"].(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) || v >= 1<<64 {
			return 0, fmt.Errorf("invalid id %v", v)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("invalid id %d", v)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("invalid id %d", v)
		}
		return uint64(v), nil
	case json.Number:
		var u uint64
		if _, err := fmt.Sscan(v.String(), &u); err != nil {
			return 0, fmt.Errorf("invalid id %q", v)
		}
		return u, nil
	case nil:
		return 0, fmt.Errorf("missing id")
	default:
		return 0, fmt.Errorf("id is %T, not a number", v)
	}
}

// EncodeMessage encodes m as a single frame using c.
func EncodeMessage(c codec.Codec, m *Message) ([]byte, error) {
	data, err := c.Marshal(m.Fields())
	if err != nil {
		return nil, fmt.Errorf("encoding %v: %w", m.Type, err)
	}
	return data, nil
}

// DecodeMessage decodes a single frame using c. If the frame is not a valid
// message, the error has concrete type *ProtocolError.
func DecodeMessage(c codec.Codec, data []byte) (*Message, error) {
	var v any
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, &ProtocolError{Payload: data, Err: err}
	}
	m, err := ParseMessage(v)
	if err != nil {
		return nil, &ProtocolError{Payload: data, Err: err}
	}
	return m, nil
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// clip is truncate with an ellipsis marking the cut.
func clip(s string, n int) string {
	if t := truncate(s, n); len(t) < len(s) {
		return strings.TrimSpace(t) + "..."
	}
	return s
}
