// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package variant implements the dynamically-typed values exchanged by
// procedures and publishers, and the signatures that encode them.
//
// A [Value] is one of eight concrete kinds: a scalar signed integer, unsigned
// integer, float, or string, or a homogeneous array of one of these. A
// [Signature] is an ordered list of type tags that describes a [Vector] of
// values and governs how it is encoded.
package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the one-byte type tag of a value. The tag values are also used on
// the wire to mark values written under a dynamic signature position.
type Kind byte

const (
	KindInt     Kind = 'i' // int64
	KindInts    Kind = 'I' // []int64
	KindUint    Kind = 'u' // uint64
	KindUints   Kind = 'U' // []uint64
	KindFloat   Kind = 'd' // float64
	KindFloats  Kind = 'D' // []float64
	KindString  Kind = 's' // UTF-8 string
	KindStrings Kind = 'S' // []string
	KindAny     Kind = 'v' // dynamic: any of the above, tagged on the wire
)

// Valid reports whether k is a recognized tag, including KindAny.
func (k Kind) Valid() bool {
	switch k {
	case KindInt, KindInts, KindUint, KindUints, KindFloat, KindFloats, KindString, KindStrings, KindAny:
		return true
	}
	return false
}

// IsArray reports whether k is one of the array kinds.
func (k Kind) IsArray() bool {
	return k == KindInts || k == KindUints || k == KindFloats || k == KindStrings
}

func (k Kind) String() string {
	if k.Valid() {
		return string(rune(k))
	}
	return fmt.Sprintf("Kind(%#02x)", byte(k))
}

// A Value is a single variant value. The concrete type of a Value is one of
// Int, Uint, Float, String, Ints, Uints, Floats, or Strings.
type Value interface {
	// Kind reports the type tag of the value. It is never KindAny.
	Kind() Kind

	// String renders the value as text.
	String() string

	isValue()
}

type (
	Int     int64
	Uint    uint64
	Float   float64
	String  string
	Ints    []int64
	Uints   []uint64
	Floats  []float64
	Strings []string
)

func (Int) Kind() Kind     { return KindInt }
func (Uint) Kind() Kind    { return KindUint }
func (Float) Kind() Kind   { return KindFloat }
func (String) Kind() Kind  { return KindString }
func (Ints) Kind() Kind    { return KindInts }
func (Uints) Kind() Kind   { return KindUints }
func (Floats) Kind() Kind  { return KindFloats }
func (Strings) Kind() Kind { return KindStrings }

func (Int) isValue()     {}
func (Uint) isValue()    {}
func (Float) isValue()   {}
func (String) isValue()  {}
func (Ints) isValue()    {}
func (Uints) isValue()   {}
func (Floats) isValue()  {}
func (Strings) isValue() {}

func (v Int) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v Uint) String() string   { return strconv.FormatUint(uint64(v), 10) }
func (v Float) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v String) String() string { return strconv.Quote(string(v)) }
func (v Ints) String() string    { return joinArray(v, func(x int64) string { return Int(x).String() }) }
func (v Uints) String() string   { return joinArray(v, func(x uint64) string { return Uint(x).String() }) }
func (v Floats) String() string  { return joinArray(v, func(x float64) string { return Float(x).String() }) }
func (v Strings) String() string { return joinArray(v, func(x string) string { return String(x).String() }) }

func joinArray[T any](vs []T, f func(T) string) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = f(v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// A Vector is an ordered sequence of values.
type Vector []Value

func (v Vector) String() string {
	parts := make([]string, len(v))
	for i, elt := range v {
		if elt == nil {
			parts[i] = "<nil>"
		} else {
			parts[i] = elt.String()
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Native is the set of Go types that correspond directly to a value kind.
type Native interface {
	int64 | uint64 | float64 | string | []int64 | []uint64 | []float64 | []string
}

// From converts a native Go value into the corresponding Value.
func From[T Native](v T) Value {
	switch t := any(v).(type) {
	case int64:
		return Int(t)
	case uint64:
		return Uint(t)
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []int64:
		return Ints(t)
	case []uint64:
		return Uints(t)
	case []float64:
		return Floats(t)
	case []string:
		return Strings(t)
	}
	panic(fmt.Sprintf("unhandled native type %T", v)) // unreachable
}

// As converts v to the native Go type T. It reports an error wrapping
// [ErrTypeMismatch] if the kind of v does not correspond to T.
func As[T Native](v Value) (T, error) {
	var out T
	var ok bool
	switch p := any(&out).(type) {
	case *int64:
		var t Int
		t, ok = v.(Int)
		*p = int64(t)
	case *uint64:
		var t Uint
		t, ok = v.(Uint)
		*p = uint64(t)
	case *float64:
		var t Float
		t, ok = v.(Float)
		*p = float64(t)
	case *string:
		var t String
		t, ok = v.(String)
		*p = string(t)
	case *[]int64:
		var t Ints
		t, ok = v.(Ints)
		*p = t
	case *[]uint64:
		var t Uints
		t, ok = v.(Uints)
		*p = t
	case *[]float64:
		var t Floats
		t, ok = v.(Floats)
		*p = t
	case *[]string:
		var t Strings
		t, ok = v.(Strings)
		*p = t
	}
	if !ok {
		return out, fmt.Errorf("value %v has kind %s, not %T: %w", v, kindOf(v), out, ErrTypeMismatch)
	}
	return out, nil
}

// KindOf reports the kind corresponding to the native type T.
func KindOf[T Native]() Kind {
	var zero T
	switch any(zero).(type) {
	case int64:
		return KindInt
	case uint64:
		return KindUint
	case float64:
		return KindFloat
	case string:
		return KindString
	case []int64:
		return KindInts
	case []uint64:
		return KindUints
	case []float64:
		return KindFloats
	default:
		return KindStrings
	}
}

func kindOf(v Value) string {
	if v == nil {
		return "<nil>"
	}
	return v.Kind().String()
}
