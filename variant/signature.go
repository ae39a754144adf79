// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package variant

import (
	"errors"
	"fmt"

	"github.com/creachadair/rpcmple/packet"
)

var (
	// ErrTypeMismatch is reported when a value does not match the kind
	// required by its signature position.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrTooLarge is reported when an array or string has more than MaxLen
	// elements or bytes.
	ErrTooLarge = errors.New("array too large")

	// ErrInvalidTag is reported when a signature or a dynamic value carries
	// an unknown type tag.
	ErrInvalidTag = errors.New("invalid data type")

	// ErrArity is reported when a vector has a different number of values
	// than its signature.
	ErrArity = errors.New("wrong number of values")
)

// MaxLen is the largest number of elements in an array, or bytes in a string,
// that can be encoded.
const MaxLen = 1<<16 - 1

// A Signature is an immutable ordered sequence of type tags describing a
// [Vector]. The zero value is the empty signature.
type Signature struct{ tags string }

// ParseSignature parses s as a sequence of one-character type tags, for
// example "isD" or "vv".
func ParseSignature(s string) (Signature, error) {
	for i := 0; i < len(s); i++ {
		if !Kind(s[i]).Valid() {
			return Signature{}, fmt.Errorf("offset %d: tag %q: %w", i, s[i], ErrInvalidTag)
		}
	}
	return Signature{tags: s}, nil
}

// MustParse is as ParseSignature, but panics if s is not a valid signature.
func MustParse(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// Of constructs a signature from the given kinds.
func Of(kinds ...Kind) Signature {
	buf := make([]byte, len(kinds))
	for i, k := range kinds {
		if !k.Valid() {
			panic(fmt.Sprintf("invalid kind %v", k))
		}
		buf[i] = byte(k)
	}
	return Signature{tags: string(buf)}
}

// Len reports the number of positions in s.
func (s Signature) Len() int { return len(s.tags) }

// At returns the kind at position i of s.
func (s Signature) At(i int) Kind { return Kind(s.tags[i]) }

func (s Signature) String() string { return s.tags }

// Check reports whether v has the same length as s and each value matches the
// kind at its position.
func (s Signature) Check(v Vector) error {
	if len(v) != s.Len() {
		return fmt.Errorf("got %d values, signature %q wants %d: %w", len(v), s.tags, s.Len(), ErrArity)
	}
	for i, elt := range v {
		if elt == nil {
			return fmt.Errorf("position %d: nil value: %w", i, ErrTypeMismatch)
		}
		if k := s.At(i); k != KindAny && elt.Kind() != k {
			return fmt.Errorf("position %d: got %s, want %s: %w", i, elt.Kind(), k, ErrTypeMismatch)
		}
	}
	return nil
}

// Encode returns the encoding of v under s in the given byte order.
func (s Signature) Encode(order packet.Order, v Vector) ([]byte, error) {
	b := packet.NewBuilder(order, nil)
	if err := s.Append(b, v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Append appends the encoding of v under s to b. If an error is reported, the
// contents of b are unspecified.
func (s Signature) Append(b *packet.Builder, v Vector) error {
	if err := s.Check(v); err != nil {
		return err
	}
	size := 0
	for i, elt := range v {
		if s.At(i) == KindAny {
			size++
		}
		size += encodedSize(elt)
	}
	b.Grow(size)

	for i, elt := range v {
		if s.At(i) == KindAny {
			b.Byte(byte(elt.Kind()))
		}
		if err := appendValue(b, elt); err != nil {
			return fmt.Errorf("position %d: %w", i, err)
		}
	}
	return nil
}

func appendValue(b *packet.Builder, v Value) error {
	switch t := v.(type) {
	case Int:
		b.Int64(int64(t))
	case Uint:
		b.Uint64(uint64(t))
	case Float:
		b.Float64(float64(t))
	case String:
		if err := putLen(b, len(t)); err != nil {
			return err
		}
		b.PutString(string(t))
	case Ints:
		if err := putLen(b, len(t)); err != nil {
			return err
		}
		for _, x := range t {
			b.Int64(x)
		}
	case Uints:
		if err := putLen(b, len(t)); err != nil {
			return err
		}
		for _, x := range t {
			b.Uint64(x)
		}
	case Floats:
		if err := putLen(b, len(t)); err != nil {
			return err
		}
		for _, x := range t {
			b.Float64(x)
		}
	case Strings:
		if err := putLen(b, len(t)); err != nil {
			return err
		}
		for _, x := range t {
			if err := putLen(b, len(x)); err != nil {
				return err
			}
			b.PutString(x)
		}
	default:
		return fmt.Errorf("unsupported value %T: %w", v, ErrTypeMismatch)
	}
	return nil
}

// encodedSize reports the number of bytes appendValue writes for v, not
// counting a dynamic tag.
func encodedSize(v Value) int {
	switch t := v.(type) {
	case Int, Uint, Float:
		return 8
	case String:
		return 2 + len(t)
	case Ints:
		return 2 + 8*len(t)
	case Uints:
		return 2 + 8*len(t)
	case Floats:
		return 2 + 8*len(t)
	case Strings:
		n := 2
		for _, x := range t {
			n += 2 + len(x)
		}
		return n
	}
	return 0
}

func putLen(b *packet.Builder, n int) error {
	if n > MaxLen {
		return fmt.Errorf("length %d exceeds %d: %w", n, MaxLen, ErrTooLarge)
	}
	b.Uint16(uint16(n))
	return nil
}

// Decode decodes a vector from data under s in the given byte order.
// It reports an error if data is incomplete, carries an invalid dynamic tag,
// or has bytes left over after the last value.
func (s Signature) Decode(order packet.Order, data []byte) (Vector, error) {
	sc := packet.NewScanner(order, data)
	out := make(Vector, s.Len())
	for i := range s.Len() {
		k := s.At(i)
		if k == KindAny {
			tag, err := sc.Byte()
			if err != nil {
				return nil, fmt.Errorf("position %d: %w", i, err)
			}
			k = Kind(tag)
			if !k.Valid() || k == KindAny {
				return nil, fmt.Errorf("position %d: tag %q: %w", i, tag, ErrInvalidTag)
			}
		}
		v, err := scanValue(sc, k)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out[i] = v
	}
	if sc.Len() != 0 {
		return nil, fmt.Errorf("%d extra bytes after %d values", sc.Len(), s.Len())
	}
	return out, nil
}

func scanValue(sc *packet.Scanner, k Kind) (Value, error) {
	switch k {
	case KindInt:
		v, err := sc.Int64()
		return Int(v), err
	case KindUint:
		v, err := sc.Uint64()
		return Uint(v), err
	case KindFloat:
		v, err := sc.Float64()
		return Float(v), err
	case KindString:
		v, err := scanString(sc)
		return String(v), err
	case KindInts:
		return scanArray[Ints](sc, 8, sc.Int64)
	case KindUints:
		return scanArray[Uints](sc, 8, sc.Uint64)
	case KindFloats:
		return scanArray[Floats](sc, 8, sc.Float64)
	case KindStrings:
		return scanArray[Strings](sc, 2, func() (string, error) { return scanString(sc) })
	}
	return nil, fmt.Errorf("tag %q: %w", byte(k), ErrInvalidTag)
}

func scanString(sc *packet.Scanner) (string, error) {
	n, err := sc.Uint16()
	if err != nil {
		return "", err
	}
	return packet.Get[string](sc, int(n))
}

func scanArray[S interface {
	~[]E
	Value
}, E any](sc *packet.Scanner, minSize int, next func() (E, error)) (Value, error) {
	n, err := sc.Uint16()
	if err != nil {
		return nil, err
	}
	// Each element needs at least minSize bytes; check the count before
	// allocating space for it.
	if need := int(n) * minSize; sc.Len() < need {
		return nil, fmt.Errorf("array of %d elements needs %d bytes, have %d: %w", n, need, sc.Len(), packet.ErrIncomplete)
	}
	out := make(S, n)
	for i := range out {
		out[i], err = next()
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}
