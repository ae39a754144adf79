// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// A Transport is a bidirectional byte stream connecting two endpoints.
//
// An Endpoint drives its transport from a single goroutine, except that Close
// may be called concurrently to interrupt a blocked Read or Write.
type Transport interface {
	// Open prepares the transport for use, for example by dialing a
	// connection. It is called once before any Read or Write.
	Open() error

	// Write writes all of data to the transport, or reports an error.
	Write(data []byte) error

	// Read reads up to len(buf) bytes into buf. A short read is allowed. A read
	// of 0 bytes, or an error, means the transport is closed.
	Read(buf []byte) (int, error)

	// Close closes the transport. Blocked and subsequent calls to Read and
	// Write must report an error.
	Close() error
}

// A Protocol is the message layer driven by an Endpoint. The endpoint calls
// the methods of a protocol from a single goroutine, except for Stop.
type Protocol interface {
	// Requester reports whether the protocol writes before its first read.
	Requester() bool

	// MessageLen reports the number of bytes the protocol needs to receive
	// next. If it is 0, the endpoint does not read before WriteMessage.
	MessageLen() int

	// ParseMessage processes a complete message of exactly MessageLen bytes.
	// The protocol must not retain msg after it returns. An error is fatal to
	// the connection.
	ParseMessage(msg []byte) error

	// WriteMessage appends the next outgoing data to buf[:0] and returns the
	// result. An empty result means there is nothing to send. An error is
	// fatal to the connection.
	WriteMessage(buf []byte) ([]byte, error)

	// Stop wakes any blocked WriteMessage call and releases goroutines waiting
	// on the protocol. It must be safe to call concurrently and more than once.
	Stop()
}

// binder is implemented by protocols that need access to their endpoint.
type binder interface {
	bind(*Endpoint)
}

var (
	// ErrStopped is reported by operations on a stopped endpoint.
	ErrStopped = errors.New("endpoint stopped")

	// ErrUnknownProcedure is reported when a request names a procedure that
	// is not registered.
	ErrUnknownProcedure = errors.New("unknown procedure")
)

// treatErrorAsSuccess reports whether err denotes an orderly shutdown.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrStopped)
}

// A MessageLogger logs a message exchanged with the remote endpoint.
type MessageLogger func(MessageInfo)

// A MessageInfo describes a message sent or received by an endpoint.
// The Data field is only valid for the duration of the logger call.
type MessageInfo struct {
	Data []byte // the raw message bytes
	Sent bool   // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	if len(m.Data) > 16 {
		return fmt.Sprintf("%s %d bytes %x ...", m.dir(), len(m.Data), m.Data[:16])
	}
	return fmt.Sprintf("%s %d bytes %x", m.dir(), len(m.Data), m.Data)
}
