// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/creachadair/command"
	"github.com/creachadair/rpcmple"
	"github.com/creachadair/rpcmple/handler"
	"github.com/creachadair/rpcmple/packet"
	"github.com/creachadair/rpcmple/peers"
	"github.com/creachadair/rpcmple/variant"
	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
)

var (
	sigNone    = variant.Signature{}
	sigCatalog = handler.Signature[[]string]()
)

func serveCommand(ctx context.Context) *command.C {
	return &command.C{
		Name: "serve",
		Help: `Run a demonstration RPC server.

The server accepts connections at the configured address and serves these
procedures on each one, in order:

  catalog ()     -> S   descriptors of the procedures, as name:args:returns
  Sum     (I)    -> i   sum of integers
  Echo    (s)    -> s   the argument
  Mean    (D)    -> d   arithmetic mean of floats (fails if empty)
  Join    (S, s) -> s   strings joined by a separator

If --metrics-address is set, metrics are served at /metrics (Prometheus text
format) and /debug/vars (expvar JSON).`,

		Run: func(env *command.Env) error {
			if len(env.Args) != 0 {
				return env.Usagef("extra arguments: %q", env.Args)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !isStreamNetwork(cfg.Network) {
				return env.Usagef("serve requires a connection-oriented network (tcp or unix), not %q", cfg.Network)
			}
			lst, err := net.Listen(cfg.Network, cfg.Address)
			if err != nil {
				return err
			}
			defer lst.Close()

			if cfg.MetricsAddress != "" {
				stop, err := serveMetrics(cfg.MetricsAddress)
				if err != nil {
					return err
				}
				defer stop()
			}

			logrus.WithFields(logrus.Fields{
				"network": cfg.Network,
				"address": lst.Addr().String(),
			}).Info("serving")
			g := peers.NewGroup().Configure(func(e *rpcmple.Endpoint) { e.ReadSize(cfg.ReadBuffer) })
			return g.Loop(ctx, peers.NetAccepter(lst), func() rpcmple.Protocol {
				return newDemoServer(cfg.ByteOrder)
			})
		},
	}
}

// isStreamNetwork reports whether network accepts connections that can each
// carry a separate server.
func isStreamNetwork(network string) bool {
	switch network {
	case "udp", "udp4", "udp6", "unixgram", "unixpacket", "stdio":
		return false
	}
	return true
}

// newDemoServer constructs a server for the procedures listed in the help for
// the serve command.
func newDemoServer(order packet.Order) *rpcmple.Server {
	srv := rpcmple.NewServer().ByteOrder(order)
	return srv.
		Register("catalog", sigNone, sigCatalog, func(ctx context.Context, args variant.Vector) (variant.Vector, error) {
			return srv.Catalog().Handler(ctx, args)
		}).
		Register("Sum", handler.Signature[[]int64](), handler.Signature[int64](),
			handler.ParamResult(func(_ context.Context, vs []int64) int64 {
				var sum int64
				for _, v := range vs {
					sum += v
				}
				return sum
			})).
		Register("Echo", handler.Signature[string](), handler.Signature[string](),
			handler.ParamResult(func(_ context.Context, s string) string { return s })).
		Register("Mean", handler.Signature[[]float64](), handler.Signature[float64](),
			handler.ParamResultError(func(_ context.Context, vs []float64) (float64, error) {
				if len(vs) == 0 {
					return 0, errors.New("mean of no values")
				}
				var sum float64
				for _, v := range vs {
					sum += v
				}
				return sum / float64(len(vs)), nil
			})).
		Register("Join", handler.Signature2[[]string, string](), handler.Signature[string](),
			handler.Params2ResultError(func(_ context.Context, parts []string, sep string) (string, error) {
				return strings.Join(parts, sep), nil
			}))
}

// serveMetrics starts an HTTP server for metrics at addr. The returned
// function shuts the server down.
func serveMetrics(addr string) (func(), error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if expvar.Get("rpcmple") == nil {
		expvar.Publish("rpcmple", rpcmple.Metrics())
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	mux.Handle("/debug/vars", expvar.Handler())

	hs := &http.Server{Handler: mux}
	srv := taskgroup.Go(func() error {
		if err := hs.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	logrus.WithField("address", lst.Addr().String()).Info("serving metrics")
	return func() {
		hs.Close()
		if err := srv.Wait(); err != nil {
			logrus.WithError(err).Warn("metrics server failed")
		}
	}, nil
}
