// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/creachadair/rpcmple/packet"
	"github.com/google/go-cmp/cmp"
)

func TestOrder(t *testing.T) {
	tests := []struct {
		order packet.Order
		want  string
	}{
		{packet.LittleEndian, "\x02\x01\x06\x05\x04\x03\x0e\x0d\x0c\x0b\x0a\x09\x08\x07"},
		{packet.BigEndian, "\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e"},
	}
	for _, tc := range tests {
		t.Run(tc.order.String(), func(t *testing.T) {
			b := packet.NewBuilder(tc.order, nil)
			b.Uint16(0x0102)
			b.Uint32(0x03040506)
			b.Uint64(0x0708090a0b0c0d0e)
			if got := string(b.Bytes()); got != tc.want {
				t.Errorf("Bytes = %q, want %q", got, tc.want)
			}

			s := packet.NewScanner(tc.order, b.Bytes())
			check(t, "Uint16", s.Uint16, 0x0102)
			check(t, "Uint32", s.Uint32, 0x03040506)
			check(t, "Uint64", s.Uint64, 0x0708090a0b0c0d0e)
		})
	}
}

func TestHostOrder(t *testing.T) {
	// Values written in host order must match the native layout.
	var buf [4]byte
	packet.HostOrder().PutUint32(buf[:], 1)
	want := packet.LittleEndian
	if buf[0] == 0 {
		want = packet.BigEndian
	}
	if got := packet.HostOrder(); got != want {
		t.Errorf("HostOrder = %v, want %v", got, want)
	}
}

func TestParseOrder(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  packet.Order
	}{
		{"little", packet.LittleEndian},
		{"LE", packet.LittleEndian},
		{"big", packet.BigEndian},
		{"Big-Endian", packet.BigEndian},
	} {
		got, err := packet.ParseOrder(tc.input)
		if err != nil || got != tc.want {
			t.Errorf("ParseOrder(%q): got (%v, %v), want %v", tc.input, got, err, tc.want)
		}
	}
	if got, err := packet.ParseOrder("middle"); err == nil {
		t.Errorf("ParseOrder(middle): got %v, want error", got)
	}
}

func TestBuilder(t *testing.T) {
	var b packet.Builder // zero value is little-endian
	b.Byte(7)
	b.Put(5, 9, 100)
	b.Uint16(5000)
	b.Uint32(0xfc009a01)
	b.Int64(-2)
	b.Float64(1.5)
	b.PutString("xyzzy")

	const want = "\x07\x05\x09\x64\x88\x13\x01\x9a\x00\xfc" +
		"\xfe\xff\xff\xff\xff\xff\xff\xff" +
		"\x00\x00\x00\x00\x00\x00\xf8\x3f" +
		"xyzzy"

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(packet.LittleEndian, b.Bytes())
	check(t, "Byte 0", s.Byte, 7)
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Byte 3", s.Byte, 100)
	check(t, "Uint16", s.Uint16, 5000)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "Int64", s.Int64, -2)
	check(t, "Float64", s.Float64, 1.5)
	check(t, "Literal", func() (string, error) { return packet.Get[string](s, 5) }, "xyzzy")

	if s.Len() != 0 {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", b.Len())
	}
}

func TestBuilderGrow(t *testing.T) {
	b := packet.NewBuilder(packet.BigEndian, nil)
	b.PutString("head")
	b.Grow(20)
	base := &b.Bytes()[0]
	if got := cap(b.Bytes()); got < 24 {
		t.Errorf("Grow(20): cap = %d, want at least 24", got)
	}

	// Appending the reserved space does not reallocate.
	b.Uint64(1)
	b.Uint64(2)
	b.Uint32(3)
	if got := &b.Bytes()[0]; got != base {
		t.Error("Buffer was reallocated within the reserved space")
	}
	if got := string(b.Bytes()[:4]); got != "head" {
		t.Errorf("Prefix after Grow: got %q, want %q", got, "head")
	}

	// Growing within the existing capacity is a no-op.
	before := cap(b.Bytes())
	b.Reset()
	b.Grow(before)
	if got := cap(b.Bytes()); got != before {
		t.Errorf("Grow(%d) after Reset: cap = %d, want %d", before, got, before)
	}
}

func TestFloatSpecials(t *testing.T) {
	for _, o := range []packet.Order{packet.LittleEndian, packet.BigEndian} {
		for _, v := range []float64{0, math.Copysign(0, -1), math.Inf(1), math.Inf(-1), math.MaxFloat64, math.SmallestNonzeroFloat64} {
			var buf [8]byte
			o.PutFloat64(buf[:], v)
			if got := o.Float64(buf[:]); math.Float64bits(got) != math.Float64bits(v) {
				t.Errorf("%v: Float64 round trip: got %v, want %v", o, got, v)
			}
		}
		var buf [8]byte
		o.PutFloat64(buf[:], math.NaN())
		if got := o.Float64(buf[:]); !math.IsNaN(got) {
			t.Errorf("%v: NaN round trip: got %v", o, got)
		}
	}
}

func TestScannerIncomplete(t *testing.T) {
	s := packet.NewScanner(packet.BigEndian, "\x01\x02\x03")
	if _, err := s.Uint32(); !errors.Is(err, packet.ErrIncomplete) {
		t.Errorf("Uint32: got %v, want %v", err, packet.ErrIncomplete)
	}
	// A failed read consumes nothing.
	check(t, "Uint16", s.Uint16, 0x0102)
	if _, err := packet.Get[[]byte](s, 2); !errors.Is(err, packet.ErrIncomplete) {
		t.Errorf("Get: got %v, want %v", err, packet.ErrIncomplete)
	}
	if s.Offset() != 2 || s.Len() != 1 {
		t.Errorf("Scanner: offset %d len %d, want 2, 1", s.Offset(), s.Len())
	}
}

func TestHeader(t *testing.T) {
	t.Run("Encode", func(t *testing.T) {
		b := packet.NewBuilder(packet.LittleEndian, nil)
		if err := (packet.Header{Flag: 3, Len: 0x010203}).Append(b); err != nil {
			t.Fatalf("Append: unexpected error: %v", err)
		}
		if got, want := string(b.Bytes()), "\x03\x02\x01\x03"; got != want {
			t.Errorf("Header bytes: got %q, want %q", got, want)
		}
		h, err := packet.ParseHeader(packet.LittleEndian, b.Bytes())
		if err != nil {
			t.Fatalf("ParseHeader: unexpected error: %v", err)
		}
		if diff := cmp.Diff(h, packet.Header{Flag: 3, Len: 0x010203}); diff != "" {
			t.Errorf("ParseHeader (-got, +want):\n%s", diff)
		}
	})

	t.Run("Bounds", func(t *testing.T) {
		b := packet.NewBuilder(packet.BigEndian, nil)
		if err := (packet.Header{Flag: 255, Len: packet.MaxPayload}).Append(b); err != nil {
			t.Errorf("Append max: unexpected error: %v", err)
		}
		if got, want := string(b.Bytes()), "\xff\xff\xff\xff"; got != want {
			t.Errorf("Header bytes: got %q, want %q", got, want)
		}
		b.Reset()
		if err := (packet.Header{Flag: 1, Len: packet.MaxPayload + 1}).Append(b); !errors.Is(err, packet.ErrTooLarge) {
			t.Errorf("Append max+1: got %v, want %v", err, packet.ErrTooLarge)
		}
		if b.Len() != 0 {
			t.Errorf("Failed Append wrote %d bytes", b.Len())
		}
	})

	t.Run("Frame", func(t *testing.T) {
		payload := strings.Repeat("x", packet.MaxPayload)
		b := packet.NewBuilder(packet.LittleEndian, nil)
		if err := packet.Frame(b, 1, []byte(payload)); err != nil {
			t.Errorf("Frame max: unexpected error: %v", err)
		} else if b.Len() != packet.HeaderLen+packet.MaxPayload {
			t.Errorf("Frame length: got %d, want %d", b.Len(), packet.HeaderLen+packet.MaxPayload)
		}
		b.Reset()
		if err := packet.Frame(b, 1, []byte(payload+"y")); !errors.Is(err, packet.ErrTooLarge) {
			t.Errorf("Frame max+1: got %v, want %v", err, packet.ErrTooLarge)
		}
	})

	t.Run("Short", func(t *testing.T) {
		if _, err := packet.ParseHeader(packet.LittleEndian, []byte{1, 2}); !errors.Is(err, packet.ErrIncomplete) {
			t.Errorf("ParseHeader: got %v, want %v", err, packet.ErrIncomplete)
		}
	})
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
