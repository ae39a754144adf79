// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the rpcmple.Handler type for functions
// with other signatures.
//
// Parameters and results must have one of the native types supported by the
// variant package: int64, uint64, float64, string, or a slice of one of
// these. Register the adapted handler with a signature whose kinds match,
// for example using [Signature]:
//
//	srv.Register("Mean", handler.Signature[[]float64](), handler.Signature[float64](),
//	   handler.ParamResultError(mean))
package handler

import (
	"context"
	"fmt"

	"github.com/creachadair/rpcmple"
	"github.com/creachadair/rpcmple/variant"
)

// Signature returns the signature of a vector holding one value of type T.
func Signature[T variant.Native]() variant.Signature { return variant.Of(variant.KindOf[T]()) }

// Signature2 returns the signature of a vector holding a value of type T1
// followed by a value of type T2.
func Signature2[T1, T2 variant.Native]() variant.Signature {
	return variant.Of(variant.KindOf[T1](), variant.KindOf[T2]())
}

// ParamResultError adapts a function f that accepts a parameter of type P and
// returns a result of type R and an error, to a rpcmple.Handler.
func ParamResultError[P, R variant.Native](f func(context.Context, P) (R, error)) rpcmple.Handler {
	return func(ctx context.Context, args variant.Vector) (variant.Vector, error) {
		p, err := param[P](args, 0, 1)
		if err != nil {
			return nil, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		return variant.Vector{variant.From(r)}, nil
	}
}

// ParamResult adapts a function f that accepts a parameter of type P and
// returns a result of type R without error, to a rpcmple.Handler.
func ParamResult[P, R variant.Native](f func(context.Context, P) R) rpcmple.Handler {
	return func(ctx context.Context, args variant.Vector) (variant.Vector, error) {
		p, err := param[P](args, 0, 1)
		if err != nil {
			return nil, err
		}
		return variant.Vector{variant.From(f(ctx, p))}, nil
	}
}

// ParamError adapts a function f that accepts a parameter of type P and returns
// an error with no result, to a rpcmple.Handler.
func ParamError[P variant.Native](f func(context.Context, P) error) rpcmple.Handler {
	return func(ctx context.Context, args variant.Vector) (variant.Vector, error) {
		p, err := param[P](args, 0, 1)
		if err != nil {
			return nil, err
		}
		return variant.Vector{}, f(ctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a rpcmple.Handler.
func ResultError[R variant.Native](f func(context.Context) (R, error)) rpcmple.Handler {
	return func(ctx context.Context, args variant.Vector) (variant.Vector, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("got %d arguments, want 0: %w", len(args), variant.ErrArity)
		}
		r, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return variant.Vector{variant.From(r)}, nil
	}
}

// Params2ResultError adapts a function f that accepts parameters of types P1
// and P2 and returns a result of type R and an error, to a rpcmple.Handler.
func Params2ResultError[P1, P2, R variant.Native](f func(context.Context, P1, P2) (R, error)) rpcmple.Handler {
	return func(ctx context.Context, args variant.Vector) (variant.Vector, error) {
		p1, err := param[P1](args, 0, 2)
		if err != nil {
			return nil, err
		}
		p2, err := param[P2](args, 1, 2)
		if err != nil {
			return nil, err
		}
		r, err := f(ctx, p1, p2)
		if err != nil {
			return nil, err
		}
		return variant.Vector{variant.From(r)}, nil
	}
}

// param extracts argument i of type P from args, which must have length n.
func param[P variant.Native](args variant.Vector, i, n int) (P, error) {
	if len(args) != n {
		var zero P
		return zero, fmt.Errorf("got %d arguments, want %d: %w", len(args), n, variant.ErrArity)
	}
	p, err := variant.As[P](args[i])
	if err != nil {
		return p, fmt.Errorf("argument %d: %w", i+1, err)
	}
	return p, nil
}
