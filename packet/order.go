// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Order is the byte order of fixed-width values on the wire.
//
// The methods of Order write values using the host's native order and swap
// the bytes only when the host order differs from o, so the encoding does not
// depend on the architecture of the host.
type Order byte

const (
	LittleEndian Order = iota // least significant byte first (default)
	BigEndian                 // most significant byte first
)

// hostOrder is the native byte order of the running process.
var hostOrder = func() Order {
	var word [2]byte
	binary.NativeEndian.PutUint16(word[:], 1)
	if word[0] == 1 {
		return LittleEndian
	}
	return BigEndian
}()

// HostOrder reports the native byte order of the host.
func HostOrder() Order { return hostOrder }

// ParseOrder parses the name of a byte order. It accepts "little", "big",
// "le", and "be" without regard to case.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "little", "le", "little-endian":
		return LittleEndian, nil
	case "big", "be", "big-endian":
		return BigEndian, nil
	}
	return 0, fmt.Errorf("invalid byte order %q", s)
}

func (o Order) String() string {
	switch o {
	case LittleEndian:
		return "little-endian"
	case BigEndian:
		return "big-endian"
	default:
		return fmt.Sprintf("Order(%d)", byte(o))
	}
}

func (o Order) swap() bool { return o != hostOrder }

// PutUint16 encodes v into the first 2 bytes of b.
func (o Order) PutUint16(b []byte, v uint16) {
	if o.swap() {
		v = bits.ReverseBytes16(v)
	}
	binary.NativeEndian.PutUint16(b, v)
}

// PutUint32 encodes v into the first 4 bytes of b.
func (o Order) PutUint32(b []byte, v uint32) {
	if o.swap() {
		v = bits.ReverseBytes32(v)
	}
	binary.NativeEndian.PutUint32(b, v)
}

// PutUint64 encodes v into the first 8 bytes of b.
func (o Order) PutUint64(b []byte, v uint64) {
	if o.swap() {
		v = bits.ReverseBytes64(v)
	}
	binary.NativeEndian.PutUint64(b, v)
}

// PutInt64 encodes v into the first 8 bytes of b in two's complement.
func (o Order) PutInt64(b []byte, v int64) { o.PutUint64(b, uint64(v)) }

// PutFloat64 encodes the IEEE 754 representation of v into the first 8 bytes of b.
func (o Order) PutFloat64(b []byte, v float64) { o.PutUint64(b, math.Float64bits(v)) }

// Uint16 decodes a uint16 from the first 2 bytes of b.
func (o Order) Uint16(b []byte) uint16 {
	v := binary.NativeEndian.Uint16(b)
	if o.swap() {
		return bits.ReverseBytes16(v)
	}
	return v
}

// Uint32 decodes a uint32 from the first 4 bytes of b.
func (o Order) Uint32(b []byte) uint32 {
	v := binary.NativeEndian.Uint32(b)
	if o.swap() {
		return bits.ReverseBytes32(v)
	}
	return v
}

// Uint64 decodes a uint64 from the first 8 bytes of b.
func (o Order) Uint64(b []byte) uint64 {
	v := binary.NativeEndian.Uint64(b)
	if o.swap() {
		return bits.ReverseBytes64(v)
	}
	return v
}

// Int64 decodes a two's complement int64 from the first 8 bytes of b.
func (o Order) Int64(b []byte) int64 { return int64(o.Uint64(b)) }

// Float64 decodes an IEEE 754 float64 from the first 8 bytes of b.
func (o Order) Float64(b []byte) float64 { return math.Float64frombits(o.Uint64(b)) }
