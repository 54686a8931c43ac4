// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink_test

import (
	"strings"
	"testing"

	"github.com/creachadair/desklink"
	"github.com/google/go-cmp/cmp"
)

type point struct {
	X int    `json:"x"`
	Y int    `json:"y"`
	L string `json:"label,omitempty"`
}

func TestConvert(t *testing.T) {
	t.Run("Identity", func(t *testing.T) {
		v, err := desklink.Convert[string]("ok")
		if err != nil || v != "ok" {
			t.Errorf("Convert: got %q, %v; want ok, nil", v, err)
		}
	})
	t.Run("Nil", func(t *testing.T) {
		v, err := desklink.Convert[[]int](nil)
		if err != nil || v != nil {
			t.Errorf("Convert: got %v, %v; want nil, nil", v, err)
		}
	})
	t.Run("Number", func(t *testing.T) {
		v, err := desklink.Convert[int](float64(17))
		if err != nil || v != 17 {
			t.Errorf("Convert: got %v, %v; want 17, nil", v, err)
		}
		u, err := desklink.Convert[float64](uint64(3))
		if err != nil || u != 3 {
			t.Errorf("Convert: got %v, %v; want 3, nil", u, err)
		}
	})
	t.Run("Struct", func(t *testing.T) {
		v, err := desklink.Convert[[]point]([]any{
			map[string]any{"x": 1.0, "y": 2.0},
			map[string]any{"x": 3.0, "y": 4.0, "label": "b"},
		})
		if err != nil {
			t.Fatalf("Convert: unexpected error: %v", err)
		}
		if diff := cmp.Diff(v, []point{{1, 2, ""}, {3, 4, "b"}}); diff != "" {
			t.Errorf("Convert (-got, +want):\n%s", diff)
		}
	})
	t.Run("Mismatch", func(t *testing.T) {
		_, err := desklink.Convert[int]("seven")
		if err == nil {
			t.Fatal("Convert: got nil, want error")
		}
		if want := `cannot use "seven" (string) as int`; !strings.Contains(err.Error(), want) {
			t.Errorf("Convert: got %v, want %q", err, want)
		}
	})
}
