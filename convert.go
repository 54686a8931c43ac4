// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Convert converts a generic value, as decoded from a message, to type T.
//
// If v already has type T it is returned directly. Otherwise v is re-encoded
// and decoded into a T, so that for example a decoded map can populate a
// struct and a float64 can populate an int. A nil v yields the zero T.
func Convert[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("convert %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("cannot use %s (%T) as %v", clip(string(data), 40), v, reflect.TypeFor[T]())
	}
	return out, nil
}
