// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseValue parses text as a value of kind k. Array elements are separated
// by commas, and an empty string denotes an empty array. For KindAny the kind
// is inferred: an integer is an Int, a number is a Float, and anything else is
// a String.
func ParseValue(k Kind, text string) (Value, error) {
	switch k {
	case KindInt:
		v, err := strconv.ParseInt(text, 0, 64)
		return Int(v), err
	case KindUint:
		v, err := strconv.ParseUint(text, 0, 64)
		return Uint(v), err
	case KindFloat:
		v, err := strconv.ParseFloat(text, 64)
		return Float(v), err
	case KindString:
		return String(text), nil
	case KindInts:
		return parseArray[Ints](text, func(s string) (int64, error) { return strconv.ParseInt(s, 0, 64) })
	case KindUints:
		return parseArray[Uints](text, func(s string) (uint64, error) { return strconv.ParseUint(s, 0, 64) })
	case KindFloats:
		return parseArray[Floats](text, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
	case KindStrings:
		return parseArray[Strings](text, func(s string) (string, error) { return s, nil })
	case KindAny:
		if v, err := strconv.ParseInt(text, 0, 64); err == nil {
			return Int(v), nil
		} else if f, err := strconv.ParseFloat(text, 64); err == nil {
			return Float(f), nil
		}
		return String(text), nil
	}
	return nil, fmt.Errorf("tag %q: %w", byte(k), ErrInvalidTag)
}

func parseArray[S interface {
	~[]E
	Value
}, E any](text string, parse func(string) (E, error)) (Value, error) {
	if text == "" {
		return S{}, nil
	}
	parts := strings.Split(text, ",")
	out := make(S, len(parts))
	for i, p := range parts {
		v, err := parse(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// ParseVector parses each of args as a value of the corresponding kind of sig.
func ParseVector(sig Signature, args []string) (Vector, error) {
	if len(args) != sig.Len() {
		return nil, fmt.Errorf("got %d arguments, signature %q wants %d: %w", len(args), sig, sig.Len(), ErrArity)
	}
	out := make(Vector, len(args))
	for i, arg := range args {
		v, err := ParseValue(sig.At(i), arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}
