// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package codec_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/creachadair/desklink/codec"
	"github.com/google/go-cmp/cmp"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"", "json", "JSON", "cbor", "Cbor"} {
		c, err := codec.ByName(name)
		if err != nil {
			t.Errorf("ByName(%q): unexpected error: %v", name, err)
			continue
		}
		want := strings.ToLower(name)
		if want == "" {
			want = "json"
		}
		if c.Name() != want {
			t.Errorf("ByName(%q): got %q, want %q", name, c.Name(), want)
		}
	}
	if c, err := codec.ByName("xml"); err == nil {
		t.Errorf("ByName(xml): got %v, want error", c.Name())
	}
	if diff := cmp.Diff(codec.Names(), []string{"cbor", "json"}); diff != "" {
		t.Errorf("Names (-got, +want):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	input := map[string]any{
		"type": "call",
		"id":   uint64(12),
		"args": []any{"a", true, nil, map[string]any{"k": 1.5}},
	}
	for _, c := range []codec.Codec{codec.JSON, codec.CBOR()} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(input)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if !c.Binary() && !isText(data) {
				t.Errorf("Marshal: text codec produced %q", data)
			}

			var got any
			if err := c.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			obj, ok := got.(map[string]any)
			if !ok {
				t.Fatalf("Unmarshal: got %T, want map[string]any", got)
			}
			args, ok := obj["args"].([]any)
			if !ok || len(args) != 4 {
				t.Fatalf("Unmarshal args: got %#v", obj["args"])
			}
			if _, ok := args[3].(map[string]any); !ok {
				t.Errorf("Nested map: got %T, want map[string]any", args[3])
			}

			// Encoding is stable for the same input.
			again, err := c.Marshal(input)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if !bytes.Equal(data, again) {
				t.Errorf("Marshal is not stable:\n%q\n%q", data, again)
			}
		})
	}
}

func TestJSONTrailingData(t *testing.T) {
	var v any
	if err := codec.JSON.Unmarshal([]byte(`{"a":1} {"b":2}`), &v); err == nil {
		t.Errorf("Unmarshal: got %v, want error", v)
	}
}

func isText(data []byte) bool {
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
