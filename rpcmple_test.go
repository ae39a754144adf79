// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/rpcmple"
	"github.com/creachadair/rpcmple/packet"
	"github.com/creachadair/rpcmple/peers"
	"github.com/creachadair/rpcmple/transport"
	"github.com/creachadair/rpcmple/variant"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

var (
	sigI  = variant.MustParse("I")
	sigi  = variant.MustParse("i")
	sigs  = variant.MustParse("s")
	sigis = variant.MustParse("is")
	none  = variant.Signature{}
)

func sum(_ context.Context, args variant.Vector) (variant.Vector, error) {
	var total int64
	for _, v := range args[0].(variant.Ints) {
		total += v
	}
	return variant.Vector{variant.Int(total)}, nil
}

func echo(_ context.Context, args variant.Vector) (variant.Vector, error) { return args, nil }

// newServer returns a server and a matching client for a small set of test
// procedures. The IDs are 0 Sum, 1 Echo, 2 Fail, 3 Panic, 4 Bogus, 5 Empty.
func newServer() (*rpcmple.Server, *rpcmple.Client) {
	srv := rpcmple.NewServer().
		Register("Sum", sigI, sigi, sum).
		Register("Echo", sigs, sigs, echo).
		Register("Fail", none, none, func(context.Context, variant.Vector) (variant.Vector, error) {
			return nil, errors.New("you asked for it")
		}).
		Register("Panic", none, none, func(context.Context, variant.Vector) (variant.Vector, error) {
			panic("oh no")
		}).
		Register("Bogus", none, sigi, func(context.Context, variant.Vector) (variant.Vector, error) {
			return variant.Vector{variant.String("not an int")}, nil
		}).
		Register("Empty", none, sigi, func(context.Context, variant.Vector) (variant.Vector, error) {
			return nil, nil
		})
	cli := rpcmple.NewClient()
	for _, name := range srv.Catalog().Names() {
		p := srv.Lookup(name)
		cli.Register(p.Name, p.Args, p.Returns)
	}
	return srv, cli
}

func checkPending(t *testing.T, e *rpcmple.Endpoint) {
	t.Helper()
	if v := e.Metrics().Get("calls_pending").(*expvar.Int).Value(); v != 0 {
		t.Errorf("Metric calls_pending = %d, want 0", v)
	}
}

func TestRPC(t *testing.T) {
	defer leaktest.Check(t)()

	srv, cli := newServer()
	pair := peers.NewRPC(srv, cli)
	defer func() {
		if err := pair.Stop(); err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
		checkPending(t, pair.B)
	}()
	ctx := context.Background()

	t.Run("Sum", func(t *testing.T) {
		got, err := cli.CallName(ctx, "Sum", variant.Ints{1, 2, 3, 4, 5})
		if err != nil {
			t.Fatalf("Call Sum: unexpected error: %v", err)
		}
		if diff := cmp.Diff(got, variant.Vector{variant.Int(15)}); diff != "" {
			t.Errorf("Sum result (-got, +want):\n%s", diff)
		}
	})

	t.Run("Echo", func(t *testing.T) {
		for _, s := range []string{"", "hello", strings.Repeat("x", 5000)} {
			got, err := cli.Call(ctx, 1, variant.String(s))
			if err != nil {
				t.Fatalf("Call Echo: unexpected error: %v", err)
			}
			if diff := cmp.Diff(got, variant.Vector{variant.String(s)}); diff != "" {
				t.Errorf("Echo result (-got, +want):\n%s", diff)
			}
		}
	})

	t.Run("Failures", func(t *testing.T) {
		for _, name := range []string{"Fail", "Panic", "Bogus", "Empty"} {
			got, err := cli.CallName(ctx, name)
			if !rpcmple.IsFailed(err) {
				t.Errorf("Call %s: got (%v, %v), want failed reply", name, got, err)
			}
			var ce *rpcmple.CallError
			if errors.As(err, &ce) && ce.Procedure != name {
				t.Errorf("Call %s: error names procedure %q", name, ce.Procedure)
			}
		}

		// The connection survives failed calls, including a handler that
		// returns no values for a non-empty signature.
		got, err := cli.CallName(ctx, "Sum", variant.Ints{1, 2, 3, 4, 5})
		if err != nil {
			t.Fatalf("Call Sum after failure: unexpected error: %v", err)
		}
		if diff := cmp.Diff(got, variant.Vector{variant.Int(15)}); diff != "" {
			t.Errorf("Sum after failure (-got, +want):\n%s", diff)
		}
	})

	t.Run("ArgumentMismatch", func(t *testing.T) {
		got, err := cli.CallName(ctx, "Sum", variant.String("wrong"))
		if !errors.Is(err, variant.ErrTypeMismatch) {
			t.Errorf("Call Sum: got (%v, %v), want %v", got, err, variant.ErrTypeMismatch)
		}
		got, err = cli.CallName(ctx, "Sum", variant.Ints{1}, variant.Ints{2})
		if !errors.Is(err, variant.ErrArity) {
			t.Errorf("Call Sum: got (%v, %v), want %v", got, err, variant.ErrArity)
		}
		if _, err := cli.CallName(ctx, "Sum", variant.Ints{3}); err != nil {
			t.Errorf("Call Sum after mismatch: unexpected error: %v", err)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		got, err := cli.CallName(ctx, "Nonesuch")
		if !errors.Is(err, rpcmple.ErrUnknownProcedure) {
			t.Errorf("Call Nonesuch: got (%v, %v), want %v", got, err, rpcmple.ErrUnknownProcedure)
		}
		got, err = cli.Call(ctx, 100)
		if !errors.Is(err, rpcmple.ErrUnknownProcedure) {
			t.Errorf("Call 100: got (%v, %v), want %v", got, err, rpcmple.ErrUnknownProcedure)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		g := taskgroup.New(nil)
		for i := range 10 {
			g.Go(func() error {
				for j := range 20 {
					args := variant.Ints{int64(i), int64(j), 1}
					got, err := cli.Call(ctx, 0, args)
					if err != nil {
						return err
					}
					if want := int64(i + j + 1); got[0] != variant.Int(want) {
						return fmt.Errorf("Sum %v: got %v, want %d", args, got, want)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Error(err)
		}
		if err := cli.WaitComplete(); err != nil {
			t.Errorf("WaitComplete: unexpected error: %v", err)
		}
	})
}

// chunked is a transport that reads at most n bytes at a time.
type chunked struct {
	rpcmple.Transport
	n int
}

func (c chunked) Read(buf []byte) (int, error) {
	if len(buf) > c.n {
		buf = buf[:c.n]
	}
	return c.Transport.Read(buf)
}

func TestFragmentation(t *testing.T) {
	defer leaktest.Check(t)()

	for _, n := range []int{1, 2, 3, 7, 4096} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			srv, cli := newServer()
			ta, tb := transport.Pipe()
			se := rpcmple.NewEndpoint(srv).ReadSize(n).Start(chunked{ta, n})
			ce := rpcmple.NewEndpoint(cli).ReadSize(n).Start(chunked{tb, n})

			ctx := context.Background()
			for i := range 5 {
				args := make(variant.Ints, 100*i)
				for j := range args {
					args[j] = int64(j)
				}
				got, err := cli.Call(ctx, 0, args)
				if err != nil {
					t.Fatalf("Call Sum: unexpected error: %v", err)
				}
				if want := variant.Int(len(args) * (len(args) - 1) / 2); got[0] != want {
					t.Errorf("Call Sum: got %v, want %v", got[0], want)
				}
			}
			if err := ce.Stop(); err != nil {
				t.Errorf("Client stop: %v", err)
			}
			if err := se.Wait(); err != nil {
				t.Errorf("Server wait: %v", err)
			}
		})
	}
}

func TestByteOrder(t *testing.T) {
	defer leaktest.Check(t)()

	srv := rpcmple.NewServer().ByteOrder(packet.BigEndian).Register("Sum", sigI, sigi, sum)
	cli := rpcmple.NewClient().ByteOrder(packet.BigEndian).Register("Sum", sigI, sigi)

	var frames [][]byte
	pair := peers.NewRPC(srv, cli)
	pair.B.LogMessages(func(m rpcmple.MessageInfo) {
		if m.Sent {
			frames = append(frames, append([]byte(nil), m.Data...))
		}
	})
	defer pair.Stop()

	got, err := cli.Call(context.Background(), 0, variant.Ints{-5, 20})
	if err != nil {
		t.Fatalf("Call Sum: unexpected error: %v", err)
	}
	if got[0] != variant.Int(15) {
		t.Errorf("Call Sum: got %v, want 15", got[0])
	}

	if len(frames) != 1 {
		t.Fatalf("Got %d frames sent, want 1", len(frames))
	}
	want := "\x00\x00\x00\x12" + "\x00\x02" +
		"\xff\xff\xff\xff\xff\xff\xff\xfb" + "\x00\x00\x00\x00\x00\x00\x00\x14"
	if got := string(frames[0]); got != want {
		t.Errorf("Request frame: got %q, want %q", got, want)
	}
}

func TestUnknownProcedure(t *testing.T) {
	defer leaktest.Check(t)()

	srv, _ := newServer()
	ta, tb := transport.Pipe()
	se := rpcmple.NewEndpoint(srv).Start(ta)

	var b packet.Builder
	if err := packet.Frame(&b, 99, nil); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	tb.Write(b.Bytes())

	if err := se.Wait(); !errors.Is(err, rpcmple.ErrUnknownProcedure) {
		t.Errorf("Server wait: got %v, want %v", err, rpcmple.ErrUnknownProcedure)
	}
	if err := se.Stop(); !errors.Is(err, rpcmple.ErrUnknownProcedure) {
		t.Errorf("Server stop: got %v, want %v", err, rpcmple.ErrUnknownProcedure)
	}
}

func TestBadReply(t *testing.T) {
	defer leaktest.Check(t)()

	cli := rpcmple.NewClient().Register("Sum", sigI, sigi)
	ta, tb := transport.Pipe()
	ce := rpcmple.NewEndpoint(cli).Start(ta)

	done := taskgroup.Go(func() error {
		buf := make([]byte, 64)
		if _, err := tb.Read(buf); err != nil {
			return err
		}
		var b packet.Builder
		packet.Frame(&b, 1, []byte("bad")) // too short for an int
		return tb.Write(b.Bytes())
	})

	got, err := cli.Call(context.Background(), 0, variant.Ints{1})
	if err == nil || rpcmple.IsFailed(err) {
		t.Errorf("Call Sum: got (%v, %v), want decoding error", got, err)
	}
	if err := done.Wait(); err != nil {
		t.Errorf("Peer: unexpected error: %v", err)
	}
	if err := ce.Wait(); err == nil {
		t.Error("Client wait: got nil, want error")
	}
}

func TestHandlerContext(t *testing.T) {
	defer leaktest.Check(t)()

	started := make(chan struct{})
	var pair *peers.Pair
	var gotEndpoint bool
	srv := rpcmple.NewServer().
		Register("Whoami", none, sigs, func(ctx context.Context, _ variant.Vector) (variant.Vector, error) {
			gotEndpoint = rpcmple.ContextEndpoint(ctx) == pair.A
			return variant.Vector{variant.String(rpcmple.ContextProcedure(ctx).Name)}, nil
		}).
		Register("Block", none, none, func(ctx context.Context, _ variant.Vector) (variant.Vector, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	cli := rpcmple.NewClient().Register("Whoami", none, sigs).Register("Block", none, none)
	pair = peers.NewRPC(srv, cli)

	got, err := cli.CallName(context.Background(), "Whoami")
	if err != nil {
		t.Fatalf("Call Whoami: unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, variant.Vector{variant.String("Whoami")}); diff != "" {
		t.Errorf("Whoami (-got, +want):\n%s", diff)
	}
	if !gotEndpoint {
		t.Error("Handler did not see its endpoint in the context")
	}

	// Stopping the server ends the context of a running handler.
	call := taskgroup.Go(func() error {
		_, err := cli.CallName(context.Background(), "Block")
		return err
	})
	<-started
	if err := pair.A.Stop(); err != nil {
		t.Errorf("Server stop: unexpected error: %v", err)
	}
	if err := call.Wait(); err == nil {
		t.Error("Call Block: got nil, want error")
	}
	if err := pair.B.Stop(); err != nil {
		t.Errorf("Client stop: unexpected error: %v", err)
	}
}

func TestCallContext(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	srv := rpcmple.NewServer().Register("Wait", none, none, func(context.Context, variant.Vector) (variant.Vector, error) {
		<-release
		return nil, nil
	})
	cli := rpcmple.NewClient().Register("Wait", none, none)
	pair := peers.NewRPC(srv, cli)
	defer pair.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := cli.Call(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call Wait: got %v, want %v", err, context.DeadlineExceeded)
	}

	// The next call waits for the abandoned reply before it is sent.
	close(release)
	if _, err := cli.Call(context.Background(), 0); err != nil {
		t.Errorf("Call Wait: unexpected error: %v", err)
	}
}

func TestStop(t *testing.T) {
	defer leaktest.Check(t)()

	srv, cli := newServer()
	pair := peers.NewRPC(srv, cli)
	if _, err := cli.Call(context.Background(), 0, variant.Ints{1}); err != nil {
		t.Fatalf("Call Sum: unexpected error: %v", err)
	}

	for range 3 {
		if err := pair.B.Stop(); err != nil {
			t.Errorf("Client stop: unexpected error: %v", err)
		}
	}
	if _, err := cli.Call(context.Background(), 0, variant.Ints{1}); !errors.Is(err, rpcmple.ErrStopped) {
		t.Errorf("Call after stop: got %v, want %v", err, rpcmple.ErrStopped)
	}

	// The server sees the connection close.
	if err := pair.A.Wait(); err != nil {
		t.Errorf("Server wait: unexpected error: %v", err)
	}
	if err := pair.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}

	// An endpoint that was never started stops without error.
	if err := rpcmple.NewEndpoint(rpcmple.NewClient()).Stop(); err != nil {
		t.Errorf("Stop unstarted: unexpected error: %v", err)
	}

	// Starting an endpoint after it was stopped exits without blocking.
	for _, proto := range []rpcmple.Protocol{
		rpcmple.NewClient(),
		rpcmple.NewPublisher(sigi),
		rpcmple.NewServer(),
		rpcmple.NewSubscriber(sigi, nil),
	} {
		e := rpcmple.NewEndpoint(proto)
		e.Stop()
		ta, tb := transport.Pipe()
		e.Start(ta)
		wait := make(chan error, 1)
		go func() { wait <- e.Wait() }()
		select {
		case <-time.After(5 * time.Second):
			t.Fatalf("Wait for %T did not return after Stop then Start", proto)
		case err := <-wait:
			if err != nil {
				t.Errorf("Wait %T: unexpected error: %v", proto, err)
			}
		}
		// The loop closed the transport on exit.
		if err := tb.Write([]byte("x")); err == nil {
			t.Errorf("Write to %T peer: got nil, want error", proto)
		}
	}
}

func TestEndpointHooks(t *testing.T) {
	defer leaktest.Check(t)()

	srv, cli := newServer()
	ta, tb := transport.Pipe()

	var μ sync.Mutex
	var exits []error
	var sent, recv int
	se := rpcmple.NewEndpoint(srv).
		LogMessages(func(m rpcmple.MessageInfo) {
			μ.Lock()
			defer μ.Unlock()
			if m.Sent {
				sent++
			} else {
				recv++
			}
		}).
		OnExit(func(err error) {
			μ.Lock()
			defer μ.Unlock()
			exits = append(exits, err)
		})
	mtest.MustPanic(t, func() { se.Start(ta).Start(ta) })

	// Run blocks until the client endpoint exits.
	ce := rpcmple.NewEndpoint(cli)
	run := taskgroup.Go(func() error { return ce.Run(tb) })

	if _, err := cli.CallName(context.Background(), "Echo", variant.String("hi")); err != nil {
		t.Fatalf("Call Echo: unexpected error: %v", err)
	}
	if err := se.Stop(); err != nil {
		t.Errorf("Server stop: unexpected error: %v", err)
	}
	se.Stop()
	ce.Stop()
	if err := run.Wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}

	μ.Lock()
	defer μ.Unlock()
	if len(exits) != 1 || exits[0] != nil {
		t.Errorf("OnExit: got %v, want one nil", exits)
	}
	// Request header and payload received, one reply frame sent.
	if recv != 2 || sent != 1 {
		t.Errorf("Messages: got %d received, %d sent; want 2, 1", recv, sent)
	}
}

func TestPubSub(t *testing.T) {
	defer leaktest.Check(t)()

	const numMessages = 1000
	for _, batch := range []bool{false, true} {
		t.Run(fmt.Sprintf("batch=%v", batch), func(t *testing.T) {
			var got []variant.Vector
			done := make(chan struct{})
			sub := rpcmple.NewSubscriber(sigis, func(msg variant.Vector) {
				got = append(got, msg)
				if len(got) == numMessages {
					close(done)
				}
			})
			pub := rpcmple.NewPublisher(sigis).Batch(batch)
			pair := peers.NewPubSub(pub, sub)

			var want []variant.Vector
			for i := range numMessages {
				msg := variant.Vector{variant.Int(i), variant.String(fmt.Sprintf("message %d", i))}
				want = append(want, msg)
				if err := pub.Publish(msg...); err != nil {
					t.Fatalf("Publish %d: unexpected error: %v", i, err)
				}
			}
			if err := pub.WaitComplete(); err != nil {
				t.Errorf("WaitComplete: unexpected error: %v", err)
			}
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatalf("Timed out after %d messages", len(got))
			}
			if err := pair.Stop(); err != nil {
				t.Errorf("Stop: unexpected error: %v", err)
			}
			if diff := cmp.Diff(got, want); diff != "" {
				t.Errorf("Messages (-got, +want):\n%s", diff)
			}

			if err := pub.Publish(variant.Int(1), variant.String("late")); !errors.Is(err, rpcmple.ErrStopped) {
				t.Errorf("Publish after stop: got %v, want %v", err, rpcmple.ErrStopped)
			}
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		pub := rpcmple.NewPublisher(sigis)
		if err := pub.Publish(variant.Int(1)); !errors.Is(err, variant.ErrArity) {
			t.Errorf("Publish: got %v, want %v", err, variant.ErrArity)
		}
		if err := pub.Publish(variant.String("x"), variant.Int(1)); !errors.Is(err, variant.ErrTypeMismatch) {
			t.Errorf("Publish: got %v, want %v", err, variant.ErrTypeMismatch)
		}
		if err := pub.WaitComplete(); err != nil {
			t.Errorf("WaitComplete: unexpected error: %v", err)
		}
	})

	t.Run("RateLimit", func(t *testing.T) {
		var n int
		done := make(chan struct{})
		sub := rpcmple.NewSubscriber(sigi, func(variant.Vector) {
			if n++; n == 20 {
				close(done)
			}
		})
		pub := rpcmple.NewPublisher(sigi).RateLimit(2000, 5)
		pair := peers.NewPubSub(pub, sub)
		defer pair.Stop()
		for i := range 20 {
			pub.Publish(variant.Int(i))
		}
		<-done
	})
}

func TestSubscriberDecodeError(t *testing.T) {
	defer leaktest.Check(t)()

	frame := func(payload string) []byte {
		var b packet.Builder
		packet.Frame(&b, 1, []byte(payload))
		return b.Bytes()
	}
	good := frame("\x07\x00\x00\x00\x00\x00\x00\x00")
	bad := frame("\x07\x00\x00")

	t.Run("Strict", func(t *testing.T) {
		sub := rpcmple.NewSubscriber(sigi, func(msg variant.Vector) {
			t.Errorf("Unexpected message: %v", msg)
		})
		ta, tb := transport.Pipe()
		e := rpcmple.NewEndpoint(sub).Start(tb)
		ta.Write(bad)
		if err := e.Wait(); err == nil {
			t.Error("Wait: got nil, want error")
		}
	})

	t.Run("Lenient", func(t *testing.T) {
		got := make(chan variant.Vector, 1)
		sub := rpcmple.NewSubscriber(sigi, func(msg variant.Vector) { got <- msg }).Lenient(true)
		ta, tb := transport.Pipe()
		e := rpcmple.NewEndpoint(sub).Start(tb)
		ta.Write(bad)
		ta.Write(good)
		if diff := cmp.Diff(<-got, variant.Vector{variant.Int(7)}); diff != "" {
			t.Errorf("Message (-got, +want):\n%s", diff)
		}
		ta.Close()
		if err := e.Wait(); err != nil {
			t.Errorf("Wait: unexpected error: %v", err)
		}
	})

	t.Run("Panic", func(t *testing.T) {
		sub := rpcmple.NewSubscriber(sigi, func(variant.Vector) { panic("whoops") })
		ta, tb := transport.Pipe()
		e := rpcmple.NewEndpoint(sub).Start(tb)
		ta.Write(good)
		if err := e.Wait(); err == nil || !strings.Contains(err.Error(), "whoops") {
			t.Errorf("Wait: got %v, want panic error", err)
		}
	})
}
