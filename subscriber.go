// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple

import (
	"fmt"
	"sync"

	"github.com/creachadair/rpcmple/packet"
	"github.com/creachadair/rpcmple/variant"
)

// A Subscriber is the Protocol for the receiving side of a one-way message
// stream. Each frame is decoded under a fixed signature and passed to a
// callback. The flag byte of the frame header is ignored. A subscriber never
// writes.
type Subscriber struct {
	sig      variant.Signature
	order    packet.Order
	callback func(variant.Vector)
	lenient  bool

	μ  sync.Mutex
	ep *Endpoint

	// Loop state, accessed only by the endpoint goroutine.
	hdr packet.Header
}

// NewSubscriber constructs a subscriber for messages with the given
// signature, using little-endian byte order. The callback is invoked once for
// each message, in order, on the endpoint goroutine.
func NewSubscriber(sig variant.Signature, callback func(variant.Vector)) *Subscriber {
	return &Subscriber{sig: sig, order: packet.LittleEndian, callback: callback}
}

// ByteOrder sets the byte order of the wire encoding and returns s to permit
// chaining. It must be called before s is started.
func (s *Subscriber) ByteOrder(o packet.Order) *Subscriber { s.order = o; return s }

// Lenient controls what happens when a message cannot be decoded, and returns
// s to permit chaining. By default such a message terminates the endpoint.
// If lenient is true, the message is logged and discarded instead.
func (s *Subscriber) Lenient(lenient bool) *Subscriber { s.lenient = lenient; return s }

// Signature returns the message signature of s.
func (s *Subscriber) Signature() variant.Signature { return s.sig }

func (s *Subscriber) bind(e *Endpoint) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.ep = e
}

// Requester implements part of the Protocol interface.
func (*Subscriber) Requester() bool { return false }

// MessageLen implements part of the Protocol interface.
func (s *Subscriber) MessageLen() int {
	if s.hdr.Len > 0 {
		return s.hdr.Len
	}
	return packet.HeaderLen
}

// ParseMessage implements part of the Protocol interface.
func (s *Subscriber) ParseMessage(msg []byte) error {
	if s.hdr.Len > 0 {
		s.hdr = packet.Header{}
		return s.deliver(msg)
	}
	h, err := packet.ParseHeader(s.order, msg)
	if err != nil {
		return err
	}
	if h.Len == 0 {
		return s.deliver(nil)
	}
	s.hdr = h
	return nil
}

func (s *Subscriber) deliver(data []byte) (err error) {
	msg, err := s.sig.Decode(s.order, data)
	if err != nil {
		if !s.lenient {
			return fmt.Errorf("decode message: %w", err)
		}
		rootMetrics.dropped.Add(1)
		s.μ.Lock()
		ep := s.ep
		s.μ.Unlock()
		if ep != nil {
			ep.Log().WithError(err).Warn("dropped undecodable message")
		}
		return nil
	}

	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("subscriber callback panicked (recovered): %v", x)
		}
	}()
	if s.callback != nil {
		s.callback(msg)
	}
	rootMetrics.delivered.Add(1)
	return nil
}

// WriteMessage implements part of the Protocol interface. A subscriber has
// nothing to send.
func (*Subscriber) WriteMessage(buf []byte) ([]byte, error) { return buf[:0], nil }

// Stop implements part of the Protocol interface.
func (*Subscriber) Stop() {}
