// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the desklink.Handler type for
// functions with other signatures.
//
// Each argument of an inbound call is converted to the corresponding
// parameter type with desklink.Convert, so parameters may be of any type
// that the decoded value can populate: numbers, strings, slices, maps, and
// structs with JSON field tags. A call with the wrong number of arguments,
// or with an argument that cannot be converted, is reported to the caller as
// an invocation error naming the expected signature.
//
// The signature of each adapted function is computed once, when the adapter
// is constructed.
package handler

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/creachadair/desklink"
)

// Func0 adapts a function f that accepts no arguments and returns a result of
// type R and an error, to a desklink.Handler.
func Func0[R any](f func(context.Context) (R, error)) desklink.Handler {
	sig := signature()
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(sig, args, 0); err != nil {
			return nil, err
		}
		return f(ctx)
	}
}

// Func1 adapts a function f that accepts an argument of type A and returns a
// result of type R and an error, to a desklink.Handler.
func Func1[A, R any](f func(context.Context, A) (R, error)) desklink.Handler {
	sig := signature(reflect.TypeFor[A]())
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(sig, args, 1); err != nil {
			return nil, err
		}
		a, err := arg[A](sig, args, 0)
		if err != nil {
			return nil, err
		}
		return f(ctx, a)
	}
}

// Func2 adapts a function f that accepts arguments of types A and B and
// returns a result of type R and an error, to a desklink.Handler.
func Func2[A, B, R any](f func(context.Context, A, B) (R, error)) desklink.Handler {
	sig := signature(reflect.TypeFor[A](), reflect.TypeFor[B]())
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(sig, args, 2); err != nil {
			return nil, err
		}
		a, err := arg[A](sig, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](sig, args, 1)
		if err != nil {
			return nil, err
		}
		return f(ctx, a, b)
	}
}

// Func3 adapts a function f that accepts arguments of types A, B, and C and
// returns a result of type R and an error, to a desklink.Handler.
func Func3[A, B, C, R any](f func(context.Context, A, B, C) (R, error)) desklink.Handler {
	sig := signature(reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]())
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(sig, args, 3); err != nil {
			return nil, err
		}
		a, err := arg[A](sig, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](sig, args, 1)
		if err != nil {
			return nil, err
		}
		c, err := arg[C](sig, args, 2)
		if err != nil {
			return nil, err
		}
		return f(ctx, a, b, c)
	}
}

// Action0 adapts a function f that accepts no arguments and returns only an
// error, to a desklink.Handler. The result of a successful call is nil.
func Action0(f func(context.Context) error) desklink.Handler {
	sig := signature()
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(sig, args, 0); err != nil {
			return nil, err
		}
		return nil, f(ctx)
	}
}

// Action1 adapts a function f that accepts an argument of type A and returns
// only an error, to a desklink.Handler.
func Action1[A any](f func(context.Context, A) error) desklink.Handler {
	sig := signature(reflect.TypeFor[A]())
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(sig, args, 1); err != nil {
			return nil, err
		}
		a, err := arg[A](sig, args, 0)
		if err != nil {
			return nil, err
		}
		return nil, f(ctx, a)
	}
}

// Action2 adapts a function f that accepts arguments of types A and B and
// returns only an error, to a desklink.Handler.
func Action2[A, B any](f func(context.Context, A, B) error) desklink.Handler {
	sig := signature(reflect.TypeFor[A](), reflect.TypeFor[B]())
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(sig, args, 2); err != nil {
			return nil, err
		}
		a, err := arg[A](sig, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](sig, args, 1)
		if err != nil {
			return nil, err
		}
		return nil, f(ctx, a, b)
	}
}

// Variadic adapts a function f that accepts any number of arguments of type
// A and returns a result of type R and an error, to a desklink.Handler.
func Variadic[A, R any](f func(context.Context, ...A) (R, error)) desklink.Handler {
	sig := "(..." + reflect.TypeFor[A]().String() + ")"
	return func(ctx context.Context, args []any) (any, error) {
		vs := make([]A, len(args))
		for i := range args {
			v, err := arg[A](sig, args, i)
			if err != nil {
				return nil, err
			}
			vs[i] = v
		}
		return f(ctx, vs...)
	}
}

// signature renders a parameter list for error messages.
func signature(params ...reflect.Type) string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.String()
	}
	return "(" + strings.Join(names, ", ") + ")"
}

func checkArity(sig string, args []any, want int) error {
	if len(args) != want {
		return &desklink.ArgError{
			Signature: sig,
			Args:      args,
			Err:       fmt.Errorf("want %d arguments, got %d", want, len(args)),
		}
	}
	return nil
}

func arg[T any](sig string, args []any, i int) (T, error) {
	v, err := desklink.Convert[T](args[i])
	if err != nil {
		return v, &desklink.ArgError{
			Signature: sig,
			Args:      args,
			Err:       fmt.Errorf("argument %d: %w", i+1, err),
		}
	}
	return v, nil
}
