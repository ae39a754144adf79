// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package rpcmple implements a small inter-process RPC and publish/subscribe
// framework over an arbitrary byte-stream or datagram transport.
//
// Two processes exchange length-prefixed frames. Every frame begins with a
// 4-byte header whose value is flag*2^24 + length, written in the byte order
// of the connection (little-endian by default), followed by length bytes of
// payload. Payloads are vectors of values encoded under a signature, as
// defined by the variant package.
//
// # Endpoints
//
// The core type defined by this package is the [Endpoint], which runs the
// framing loop connecting a [Protocol] to a [Transport]. To create an
// endpoint and run it in a new goroutine:
//
//	e := rpcmple.NewEndpoint(proto).Start(t)
//
// The endpoint runs until [Endpoint.Stop] is called, the transport is closed
// by the remote process, or a fatal error occurs. Call [Endpoint.Wait] to wait
// for the endpoint to exit and return its status:
//
//	if err := e.Wait(); err != nil {
//	   log.Fatalf("Endpoint failed: %v", err)
//	}
//
// Alternatively, use [Endpoint.Run] to run the loop on the calling goroutine,
// or [Endpoint.OnExit] to be notified when it stops.
//
// # Protocols
//
// The package provides four protocols:
//
//   - A [Server] serves procedures registered with [Server.Register].
//   - A [Client] calls the procedures of a remote server.
//   - A [Publisher] sends a one-way stream of messages.
//   - A [Subscriber] receives the messages of a remote publisher.
//
// Procedures are identified on the wire by their registration order, so the
// server and client must register the same procedures in the same order:
//
//	sum := func(ctx context.Context, args variant.Vector) (variant.Vector, error) {
//	   var total int64
//	   for _, v := range args[0].(variant.Ints) {
//	      total += v
//	   }
//	   return variant.Vector{variant.Int(total)}, nil
//	}
//	srv := rpcmple.NewServer().
//	   Register("Sum", variant.MustParse("I"), variant.MustParse("i"), sum)
//
//	cli := rpcmple.NewClient().
//	   Register("Sum", variant.MustParse("I"), variant.MustParse("i"))
//	rets, err := cli.CallName(ctx, "Sum", variant.Ints{1, 2, 3, 4, 5})
//
// A client has at most one call in flight. Errors reported by
// [Client.Call] have concrete type [*CallError].
//
// # Metrics
//
// Endpoints maintain a collection of metrics while running. Use the
// [Endpoint.Metrics] method to obtain an [expvar.Map] containing the metrics.
// Metrics are shared globally among all endpoints.
//
// The metrics currently exported include:
//
//   - messages_received: counter of header and payload reads completed
//   - messages_sent: counter of writes to the transport
//   - bytes_received: counter of bytes consumed by protocols
//   - bytes_sent: counter of bytes written to the transport
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in failure
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls awaiting a reply
//   - published: counter of messages accepted by Publish
//   - delivered: counter of messages delivered to subscriber callbacks
//   - dropped: counter of undecodable messages discarded by subscribers
//
// In addition, the histogram rpcmple_call_duration_seconds and the counter
// rpcmple_published_total are registered with the default set of the
// github.com/VictoriaMetrics/metrics package.
package rpcmple
