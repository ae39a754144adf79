// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding binary message
// data with an explicit byte order.
package packet

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete is reported when fewer bytes remain than a value requires.
	ErrIncomplete = errors.New("incomplete message")

	// ErrTooLarge is reported when a frame payload exceeds MaxPayload.
	ErrTooLarge = errors.New("message too large")
)

// A Builder is a buffer that accumulates data into a message. The zero value
// is ready for use as an empty little-endian builder.
type Builder struct {
	buf   []byte
	order Order
}

// NewBuilder constructs an empty Builder that writes values in the given
// byte order, appending to buf.
func NewBuilder(order Order, buf []byte) *Builder { return &Builder{buf: buf, order: order} }

// Order reports the byte order used by b.
func (b *Builder) Order() Order { return b.order }

// Byte appends a single byte to b.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the specified string to b.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// Uint16 appends v to b.
func (b *Builder) Uint16(v uint16) {
	var tmp [2]byte
	b.order.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// Uint32 appends v to b.
func (b *Builder) Uint32(v uint32) {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// Uint64 appends v to b.
func (b *Builder) Uint64(v uint64) {
	var tmp [8]byte
	b.order.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// Int64 appends v to b.
func (b *Builder) Int64(v int64) { b.Uint64(uint64(v)) }

// Float64 appends v to b.
func (b *Builder) Float64(v float64) {
	var tmp [8]byte
	b.order.PutFloat64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded values from the contents of a message.
// Incomplete values report an error wrapping [ErrIncomplete].
type Scanner struct {
	rest   []byte
	offset int
	order  Order
}

// NewScanner constructs a [Scanner] that consumes data from input in the given
// byte order. The scanner does not modify the contents of input, but retains
// slices into it, so the caller should ensure it is not modified while the
// scanner is in use.
func NewScanner[Str ~string | ~[]byte](order Order, input Str) *Scanner {
	return &Scanner{rest: []byte(input), order: order}
}

func (s *Scanner) need(n int) error {
	if len(s.rest) < n {
		return fmt.Errorf("value truncated at offset %d (%d < %d bytes): %w", s.offset, len(s.rest), n, ErrIncomplete)
	}
	return nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	s.offset++
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Uint16 parses a uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	s.offset += 2
	out := s.order.Uint16(s.rest)
	s.rest = s.rest[2:]
	return out, nil
}

// Uint32 parses a uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if err := s.need(4); err != nil {
		return 0, err
	}
	s.offset += 4
	out := s.order.Uint32(s.rest)
	s.rest = s.rest[4:]
	return out, nil
}

// Uint64 parses a uint64 value from the head of the input.
func (s *Scanner) Uint64() (uint64, error) {
	if err := s.need(8); err != nil {
		return 0, err
	}
	s.offset += 8
	out := s.order.Uint64(s.rest)
	s.rest = s.rest[8:]
	return out, nil
}

// Int64 parses an int64 value from the head of the input.
func (s *Scanner) Int64() (int64, error) {
	v, err := s.Uint64()
	return int64(v), err
}

// Float64 parses a float64 value from the head of the input.
func (s *Scanner) Float64() (float64, error) {
	if err := s.need(8); err != nil {
		return 0, err
	}
	s.offset += 8
	out := s.order.Float64(s.rest)
	s.rest = s.rest[8:]
	return out, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
// The reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns a string of exactly n bytes from the head of the input.
// If the full requested amount is not available, Get reports an error and
// consumes nothing.  When the result is a slice, the value aliases the
// input, and the caller must not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if err := s.need(n); err != nil {
		var zero Str
		return zero, err
	}
	s.offset += n
	out := Str(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}
