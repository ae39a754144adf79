// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for connecting and testing endpoints.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/rpcmple"
	"github.com/creachadair/rpcmple/transport"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Pair is a pair of endpoints connected in memory, suitable for testing.
type Pair struct {
	A *rpcmple.Endpoint
	B *rpcmple.Endpoint
}

// Stop shuts down both endpoints and blocks until both have exited.
func (p *Pair) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewPair starts endpoints for a and b connected by an in-memory pipe.
func NewPair(a, b rpcmple.Protocol) *Pair {
	ta, tb := transport.Pipe()
	return &Pair{
		A: rpcmple.NewEndpoint(a).Start(ta),
		B: rpcmple.NewEndpoint(b).Start(tb),
	}
}

// NewRPC starts a server and a client connected in memory. The server runs
// on endpoint A and the client on endpoint B.
func NewRPC(srv *rpcmple.Server, cli *rpcmple.Client) *Pair { return NewPair(srv, cli) }

// NewPubSub starts a publisher and a subscriber connected in memory. The
// publisher runs on endpoint A and the subscriber on endpoint B.
func NewPubSub(pub *rpcmple.Publisher, sub *rpcmple.Subscriber) *Pair { return NewPair(pub, sub) }

// An Accepter accepts incoming connections as transports.
type Accepter interface {
	Accept(context.Context) (rpcmple.Transport, error)
}

// A Group tracks the endpoints started by its Loop method.
// A zero Group is not ready for use; call NewGroup.
type Group struct {
	active *xsync.MapOf[uuid.UUID, *rpcmple.Endpoint]
	setup  []func(*rpcmple.Endpoint)
}

// NewGroup constructs a new empty group.
func NewGroup() *Group {
	return &Group{active: xsync.NewMapOf[uuid.UUID, *rpcmple.Endpoint]()}
}

// Configure adds f to the functions applied to each endpoint created by Loop,
// before the endpoint is started. Configure returns g to permit chaining. It
// must not be called while Loop is running.
func (g *Group) Configure(f func(*rpcmple.Endpoint)) *Group {
	g.setup = append(g.setup, f)
	return g
}

// Len reports the number of active endpoints in g.
func (g *Group) Len() int { return g.active.Size() }

// Endpoints returns a snapshot of the active endpoints in g.
func (g *Group) Endpoints() []*rpcmple.Endpoint {
	var out []*rpcmple.Endpoint
	g.active.Range(func(_ uuid.UUID, e *rpcmple.Endpoint) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Loop accepts connections from acc and starts an endpoint for each one,
// running a protocol constructed by newProto. Loop continues until acc closes
// or ctx ends.
//
// When ctx terminates, all running endpoints are stopped. When acc closes,
// the loop waits for running endpoints to exit before returning.
func (g *Group) Loop(ctx context.Context, acc Accepter, newProto func() rpcmple.Protocol) error {
	tasks := taskgroup.New(nil)
	for {
		t, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			tasks.Wait()
			return err
		}

		e := rpcmple.NewEndpoint(newProto())
		for _, f := range g.setup {
			f(e)
		}
		g.active.Store(e.ID(), e)
		tasks.Go(func() error {
			defer g.active.Delete(e.ID())

			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			e.Start(t)
			go func() { <-sctx.Done(); e.Stop() }()
			if err := e.Wait(); err != nil {
				e.Log().WithError(err).Warn("connection failed")
			}
			return nil
		})
	}
}

// Loop accepts connections from acc and starts an endpoint for each one in a
// new group. See [Group.Loop].
func Loop(ctx context.Context, acc Accepter, newProto func() rpcmple.Protocol) error {
	return NewGroup().Loop(ctx, acc, newProto)
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (rpcmple.Transport, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return transport.Conn(conn), nil
}
