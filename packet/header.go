// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import "fmt"

const (
	// HeaderLen is the size in bytes of an encoded frame header.
	HeaderLen = 4

	// MaxPayload is the largest payload length a header can describe.
	MaxPayload = 1<<24 - 1

	// MaxFlag is the largest flag value a header can carry.
	MaxFlag = 1<<8 - 1
)

// Header is the 4-byte prefix of every frame. The encoded value is a uint32
// equal to Flag*2^24 + Len, written in the byte order of the connection.
//
// On a request Flag is the procedure ID. On a reply it is 1 for a completed
// call and 0 for a failed one. Publishers always set it to 1, and subscribers
// ignore it.
type Header struct {
	Flag byte
	Len  int
}

// Append appends the encoded header to b. It reports an error wrapping
// [ErrTooLarge] if h.Len is out of range, in which case b is not modified.
func (h Header) Append(b *Builder) error {
	if h.Len < 0 || h.Len > MaxPayload {
		return fmt.Errorf("payload length %d exceeds %d bytes: %w", h.Len, MaxPayload, ErrTooLarge)
	}
	b.Uint32(uint32(h.Flag)<<24 | uint32(h.Len))
	return nil
}

// ParseHeader decodes a frame header from the first HeaderLen bytes of data.
func ParseHeader(order Order, data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("short header (%d bytes): %w", len(data), ErrIncomplete)
	}
	v := order.Uint32(data)
	return Header{Flag: byte(v >> 24), Len: int(v & MaxPayload)}, nil
}

func (h Header) String() string { return fmt.Sprintf("Header(flag=%d, len=%d)", h.Flag, h.Len) }

// Frame appends a header with the given flag followed by payload to b.
func Frame(b *Builder, flag byte, payload []byte) error {
	if err := (Header{Flag: flag, Len: len(payload)}).Append(b); err != nil {
		return err
	}
	b.Put(payload...)
	return nil
}
