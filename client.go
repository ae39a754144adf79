// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/rpcmple/catalog"
	"github.com/creachadair/rpcmple/packet"
	"github.com/creachadair/rpcmple/variant"
)

// A Client is the Protocol for the calling side of an RPC connection.
//
// A client has at most one call in flight at a time. Concurrent calls are
// safe, but each waits until the previous call has received its reply.
// The remote procedures must be registered in the same order as on the
// server, since procedures are identified on the wire by position.
type Client struct {
	order packet.Order
	cat   *catalog.Catalog

	gate     chan struct{} // holds a token while no call is in flight
	reqs     chan *call    // calls waiting to be sent by the loop
	stop     chan struct{} // closed when the client stops
	stopOnce sync.Once

	// Loop state, accessed only by the endpoint goroutine.
	cur *call
	hdr packet.Header
}

type call struct {
	entry catalog.Entry
	frame []byte
	rsp   chan reply // buffered, receives exactly one reply
}

type reply struct {
	rets variant.Vector
	ok   bool
	err  error
}

// NewClient constructs a client with no remote procedures, using
// little-endian byte order.
func NewClient() *Client {
	c := &Client{
		order: packet.LittleEndian,
		cat:   catalog.New(),
		gate:  make(chan struct{}, 1),
		reqs:  make(chan *call),
		stop:  make(chan struct{}),
	}
	c.gate <- struct{}{}
	return c
}

// ByteOrder sets the byte order of the wire encoding and returns c to permit
// chaining. It must be called before any calls are made.
func (c *Client) ByteOrder(o packet.Order) *Client { c.order = o; return c }

// Register adds a remote procedure with the next unused ID, and returns c to
// permit chaining. It panics if name is already registered or c already has
// 256 procedures.
func (c *Client) Register(name string, args, returns variant.Signature) *Client {
	c.cat.Add(name, args, returns)
	return c
}

// Catalog returns the catalog of remote procedures registered with c.
func (c *Client) Catalog() *catalog.Catalog { return c.cat }

// CallName calls the remote procedure registered under name. It is a
// shorthand for looking up the ID of name and calling Call.
func (c *Client) CallName(ctx context.Context, name string, args ...variant.Value) (variant.Vector, error) {
	id, ok := c.cat.Lookup(name)
	if !ok {
		return nil, &CallError{Procedure: name, ID: -1, Err: ErrUnknownProcedure}
	}
	return c.Call(ctx, id, args...)
}

// Call calls the remote procedure with the given ID, and blocks until the
// reply is received, ctx ends, or c stops. Call waits for any call already in
// flight to complete before sending. An error reported by Call has concrete
// type *CallError.
//
// If ctx ends after the request has been sent, Call returns immediately, but
// the client does not issue another call until the reply has arrived.
func (c *Client) Call(ctx context.Context, id int, args ...variant.Value) (_ variant.Vector, err error) {
	entry, ok := c.cat.Entry(id)
	if !ok {
		return nil, &CallError{ID: id, Err: ErrUnknownProcedure}
	}
	rootMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			rootMetrics.callOutErr.Add(1)
			ce := &CallError{Procedure: entry.Name, ID: id, Err: err}
			if err == errFailed {
				ce.Failed, ce.Err = true, nil
			}
			err = ce
		}
	}()

	payload, err := entry.Args.Encode(c.order, args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	b := packet.NewBuilder(c.order, make([]byte, 0, packet.HeaderLen+len(payload)))
	if err := packet.Frame(b, byte(id), payload); err != nil {
		return nil, err
	}
	cl := &call{entry: entry, frame: b.Bytes(), rsp: make(chan reply, 1)}

	// Wait for the previous call to finish.
	select {
	case <-c.gate:
	case <-c.stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	select {
	case c.reqs <- cl:
		// The loop owns the gate token until it delivers the reply.
	case <-c.stop:
		return nil, ErrStopped
	case <-ctx.Done():
		c.gate <- struct{}{}
		return nil, ctx.Err()
	}
	rootMetrics.callPending.Add(1)
	defer rootMetrics.callPending.Add(-1)
	defer callDuration.UpdateDuration(start)

	select {
	case r := <-cl.rsp:
		if r.err != nil {
			return nil, r.err
		} else if !r.ok {
			return nil, errFailed
		}
		return r.rets, nil
	case <-c.stop:
		// The reply may have been delivered before the client stopped.
		select {
		case r := <-cl.rsp:
			if r.err == nil && r.ok {
				return r.rets, nil
			}
		default:
		}
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// errFailed marks a failed reply inside Call.
var errFailed = errors.New("remote procedure failed")

// WaitComplete blocks until no call is in flight, or c stops.
func (c *Client) WaitComplete() error {
	select {
	case <-c.gate:
		c.gate <- struct{}{}
		return nil
	case <-c.stop:
		return ErrStopped
	}
}

// Requester implements part of the Protocol interface. A client sends its
// first request before reading anything.
func (*Client) Requester() bool { return true }

// MessageLen implements part of the Protocol interface.
func (c *Client) MessageLen() int {
	if c.cur != nil && c.hdr.Len > 0 {
		return c.hdr.Len
	}
	return packet.HeaderLen
}

// ParseMessage implements part of the Protocol interface.
func (c *Client) ParseMessage(msg []byte) error {
	if c.cur == nil {
		return fmt.Errorf("unexpected message (%d bytes) with no call in flight", len(msg))
	}
	if c.hdr.Len > 0 {
		ok := c.hdr.Flag == 1
		c.hdr = packet.Header{}
		return c.finish(ok, msg)
	}

	h, err := packet.ParseHeader(c.order, msg)
	if err != nil {
		return err
	}
	if h.Len == 0 {
		return c.finish(h.Flag == 1, nil)
	}
	c.hdr = h
	return nil
}

// finish delivers the reply to the current call and releases the gate.
func (c *Client) finish(ok bool, data []byte) error {
	cl := c.cur
	c.cur = nil
	defer func() { c.gate <- struct{}{} }()

	if !ok {
		cl.rsp <- reply{}
		return nil
	}
	rets, err := cl.entry.Returns.Decode(c.order, data)
	if err != nil {
		err = fmt.Errorf("decode reply: %w", err)
		cl.rsp <- reply{err: err}
		return err
	}
	cl.rsp <- reply{rets: rets, ok: true}
	return nil
}

// WriteMessage implements part of the Protocol interface. If no call is in
// flight, it blocks until a call is ready to send or c stops.
func (c *Client) WriteMessage(buf []byte) ([]byte, error) {
	if c.cur != nil {
		return buf[:0], nil // awaiting the reply
	}
	select {
	case cl := <-c.reqs:
		c.cur = cl
		return append(buf[:0], cl.frame...), nil
	case <-c.stop:
		return nil, ErrStopped
	}
}

// Stop implements part of the Protocol interface. Calls in flight or waiting
// to be sent report ErrStopped, as do all subsequent calls.
func (c *Client) Stop() { c.stopOnce.Do(func() { close(c.stop) }) }
