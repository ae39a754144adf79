// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/rpcmple/catalog"
	"github.com/creachadair/rpcmple/packet"
	"github.com/creachadair/rpcmple/variant"
	"github.com/sirupsen/logrus"
)

// A Handler implements a procedure. It receives the decoded arguments of a
// request and returns the values to send back to the caller.
//
// If the handler reports an error or panics, or returns values that do not
// match the return signature of its procedure, the caller is sent a failed
// reply and the connection continues. The context passed to a handler ends
// when its endpoint stops. Use ContextProcedure and ContextEndpoint to
// recover the procedure and endpoint from the context.
type Handler func(ctx context.Context, args variant.Vector) (variant.Vector, error)

// A Procedure is a procedure registered with a Server.
type Procedure struct {
	catalog.Entry
	Handler Handler
}

// A Server is the Protocol for the serving side of an RPC connection.
//
// Each request consists of a 4-byte header, whose flag is the ID of the
// procedure and whose length is the length of the encoded arguments, followed
// by the arguments. The server decodes the arguments, calls the handler, and
// replies with a header whose flag is 1 for success or 0 for failure, followed
// by the encoded return values. A failed reply has an empty payload.
//
// Handlers are called one at a time, on the goroutine of the endpoint.
type Server struct {
	order packet.Order
	cat   *catalog.Catalog

	μ      sync.Mutex
	procs  []*Procedure
	ep     *Endpoint
	ctx    context.Context
	cancel context.CancelFunc

	// Loop state, accessed only by the endpoint goroutine.
	cur *Procedure // non-nil while awaiting a payload
	hdr packet.Header
	out *packet.Builder
}

// NewServer constructs a server with no procedures, using little-endian byte
// order.
func NewServer() *Server {
	s := &Server{
		order: packet.LittleEndian,
		cat:   catalog.New(),
		out:   packet.NewBuilder(packet.LittleEndian, nil),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ByteOrder sets the byte order of the wire encoding and returns s to permit
// chaining. It must be called before s is bound to an endpoint.
func (s *Server) ByteOrder(o packet.Order) *Server {
	s.order = o
	s.out = packet.NewBuilder(o, nil)
	return s
}

// Register adds a procedure with the next unused ID, and returns s to permit
// chaining. IDs are assigned in registration order starting from 0, and the
// client must register the same procedures in the same order. Register
// panics if name is already registered, if s already has 256 procedures, or
// if h == nil.
func (s *Server) Register(name string, args, returns variant.Signature, h Handler) *Server {
	if h == nil {
		panic(fmt.Sprintf("nil handler for procedure %q", name))
	}
	e, err := s.cat.Insert(name, args, returns)
	if err != nil {
		panic(err.Error())
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.procs = append(s.procs, &Procedure{Entry: e, Handler: h})
	return s
}

// Catalog returns the catalog of procedures registered with s.
func (s *Server) Catalog() *catalog.Catalog { return s.cat }

// Lookup returns the procedure registered under name, or nil.
func (s *Server) Lookup(name string) *Procedure {
	id, ok := s.cat.Lookup(name)
	if !ok {
		return nil
	}
	return s.procedure(id)
}

func (s *Server) procedure(id int) *Procedure {
	s.μ.Lock()
	defer s.μ.Unlock()
	if id < len(s.procs) {
		return s.procs[id]
	}
	return nil
}

func (s *Server) bind(e *Endpoint) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.ep = e
	s.out = packet.NewBuilder(s.order, nil)
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
}

// Requester implements part of the Protocol interface. A server never sends
// before it has received a request.
func (*Server) Requester() bool { return false }

// MessageLen implements part of the Protocol interface.
func (s *Server) MessageLen() int {
	if s.cur != nil {
		return s.hdr.Len
	}
	return packet.HeaderLen
}

// ParseMessage implements part of the Protocol interface.
func (s *Server) ParseMessage(msg []byte) error {
	if s.cur != nil {
		p := s.cur
		s.cur = nil
		return s.dispatch(p, msg)
	}

	h, err := packet.ParseHeader(s.order, msg)
	if err != nil {
		return err
	}
	p := s.procedure(int(h.Flag))
	if p == nil {
		return fmt.Errorf("procedure %d: %w", h.Flag, ErrUnknownProcedure)
	}
	if h.Len == 0 {
		return s.dispatch(p, nil)
	}
	s.cur, s.hdr = p, h
	return nil
}

// WriteMessage implements part of the Protocol interface. It reports the
// reply to the most recent request, if it has not already been sent.
func (s *Server) WriteMessage(buf []byte) ([]byte, error) {
	if s.out == nil || s.out.Len() == 0 {
		return buf[:0], nil
	}
	buf = append(buf[:0], s.out.Bytes()...)
	s.out.Reset()
	return buf, nil
}

// Stop implements part of the Protocol interface. It cancels the context
// passed to handlers.
func (s *Server) Stop() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.cancel()
}

// dispatch decodes the arguments of a call to p, invokes its handler, and
// buffers the reply. It reports an error only if the arguments cannot be
// decoded or the reply cannot be framed.
func (s *Server) dispatch(p *Procedure, data []byte) error {
	rootMetrics.callIn.Add(1)
	args, err := p.Args.Decode(s.order, data)
	if err != nil {
		rootMetrics.callInErr.Add(1)
		return fmt.Errorf("procedure %q: decode arguments: %w", p.Name, err)
	}

	s.μ.Lock()
	ep, base := s.ep, s.ctx
	s.μ.Unlock()
	ctx := context.WithValue(context.WithValue(base, procContextKey{}, p), endpointContextKey{}, ep)

	rets, err := s.invoke(ctx, p, args)
	if err == nil {
		var payload []byte
		payload, err = p.Returns.Encode(s.order, rets)
		if err == nil {
			s.out.Reset()
			if ferr := packet.Frame(s.out, 1, payload); ferr != nil {
				return fmt.Errorf("procedure %q: reply: %w", p.Name, ferr)
			}
			return nil
		}
	}

	rootMetrics.callInErr.Add(1)
	if ep != nil {
		ep.Log().WithFields(logrus.Fields{
			"procedure": p.Name,
			"id":        p.ID,
		}).WithError(err).Warn("call failed")
	}
	s.out.Reset()
	return packet.Frame(s.out, 0, nil)
}

func (s *Server) invoke(ctx context.Context, p *Procedure, args variant.Vector) (_ variant.Vector, err error) {
	// Ensure a panic out of the handler is turned into a failed reply.
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	rets, err := p.Handler(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := p.Returns.Check(rets); err != nil {
		return nil, fmt.Errorf("invalid return values: %w", err)
	}
	return rets, nil
}

type procContextKey struct{}

// ContextProcedure returns the Procedure associated with the given context,
// or nil if none is defined. The context passed to a Handler has this value.
func ContextProcedure(ctx context.Context) *Procedure {
	if v := ctx.Value(procContextKey{}); v != nil {
		return v.(*Procedure)
	}
	return nil
}

type endpointContextKey struct{}

// ContextEndpoint returns the Endpoint associated with the given context, or
// nil if none is defined. The context passed to a Handler has this value.
func ContextEndpoint(ctx context.Context) *Endpoint {
	if v, ok := ctx.Value(endpointContextKey{}).(*Endpoint); ok {
		return v
	}
	return nil
}

// CallError is the concrete type of errors reported by the Call methods of a
// Client. For a failed reply from the server, Err is nil and Failed is true.
type CallError struct {
	Procedure string // the name of the procedure, if known
	ID        int    // the ID of the procedure
	Failed    bool   // the server reported failure
	Err       error  // nil if the server reported failure
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	name := c.Procedure
	if name == "" {
		name = fmt.Sprintf("#%d", c.ID)
	}
	if c.Err != nil {
		return fmt.Sprintf("call %s: %v", name, c.Err)
	}
	return fmt.Sprintf("call %s: remote procedure failed", name)
}

// IsFailed reports whether err is a CallError for a failed reply.
func IsFailed(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Failed
}
