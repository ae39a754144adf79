// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/rpcmple"
	"github.com/creachadair/rpcmple/packet"
	"github.com/creachadair/rpcmple/peers"
	"github.com/creachadair/rpcmple/transport"
	"github.com/creachadair/rpcmple/variant"
	"github.com/sirupsen/logrus"
)

var pubFlags struct {
	Rate  float64 `flag:"rate,Maximum messages per second (0 means unlimited)"`
	Burst int     `flag:"burst,default=1,Rate limit burst size"`
}

func publishCommand(ctx context.Context) *command.C {
	return &command.C{
		Name:  "publish",
		Usage: "<signature> [<value>...]",
		Help: `Publish messages to a subscriber.

Connect to the configured address and publish messages with the given
signature. If values are given, publish them as a single message. Otherwise
read messages from stdin, one per line, with values separated by whitespace.`,

		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &pubFlags) },

		Run: func(env *command.Env) error {
			if len(env.Args) == 0 {
				return env.Usagef("missing signature")
			}
			sig, err := variant.ParseSignature(env.Args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pub := rpcmple.NewPublisher(sig).
				ByteOrder(cfg.ByteOrder).
				Batch(cfg.Batch).
				RateLimit(pubFlags.Rate, pubFlags.Burst)
			e := rpcmple.NewEndpoint(pub).Start(dial(cfg))
			defer e.Stop()

			publish := func(fields []string) error {
				msg, err := variant.ParseVector(sig, fields)
				if err != nil {
					return err
				}
				return pub.Publish(msg...)
			}
			if len(env.Args) > 1 {
				if err := publish(env.Args[1:]); err != nil {
					return err
				}
			} else {
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() && ctx.Err() == nil {
					line := strings.TrimSpace(sc.Text())
					if line == "" {
						continue
					}
					if err := publish(strings.Fields(line)); err != nil {
						return fmt.Errorf("line %q: %w", line, err)
					}
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			return pub.WaitComplete()
		},
	}
}

var subFlags struct {
	Lenient bool `flag:"lenient,Discard undecodable messages instead of disconnecting"`
}

func subscribeCommand(ctx context.Context) *command.C {
	return &command.C{
		Name:  "subscribe",
		Usage: "<signature>",
		Help: `Receive messages from publishers.

Listen at the configured address and print each message with the given
signature. Over TCP or Unix sockets, each publisher that connects gets its
own subscriber. Over UDP, messages from any sender are accepted. With the
"stdio" network, messages are read from standard input.`,

		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &subFlags) },

		Run: func(env *command.Env) error {
			if len(env.Args) != 1 {
				return env.Usagef("wrong number of arguments")
			}
			sig, err := variant.ParseSignature(env.Args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			newSub := func() *rpcmple.Subscriber {
				return rpcmple.NewSubscriber(sig, func(msg variant.Vector) { fmt.Println(msg) }).
					ByteOrder(cfg.ByteOrder).
					Lenient(subFlags.Lenient)
			}

			var single rpcmple.Transport
			switch cfg.Network {
			case "udp":
				single = transport.ListenUDP(cfg.Address).Broadcast(cfg.Broadcast)
			case "stdio":
				single = transport.Stdio()
			}
			if single != nil {
				e := rpcmple.NewEndpoint(newSub()).ReadSize(cfg.ReadBuffer).Start(single)
				go func() { <-ctx.Done(); e.Stop() }()
				return e.Wait()
			}

			lst, err := net.Listen(cfg.Network, cfg.Address)
			if err != nil {
				return err
			}
			defer lst.Close()
			logrus.WithField("address", lst.Addr().String()).Info("subscribing")
			g := peers.NewGroup().Configure(func(e *rpcmple.Endpoint) { e.ReadSize(cfg.ReadBuffer) })
			return g.Loop(ctx, peers.NetAccepter(lst), func() rpcmple.Protocol { return newSub() })
		},
	}
}

var packFlags struct {
	Raw   bool `flag:"raw,Write raw bytes instead of hex"`
	Frame bool `flag:"frame,Include a message frame header"`
}

func packCommand() *command.C {
	return &command.C{
		Name:  "pack",
		Usage: "<signature> <value>...",
		Help: `Print the encoding of values under a signature.

The signature is a string of type tags:

  i  : signed 64-bit integer       I  : array of signed integers
  u  : unsigned 64-bit integer     U  : array of unsigned integers
  d  : 64-bit float                D  : array of floats
  s  : string                      S  : array of strings
  v  : any of the above, preceded on the wire by its tag

Array values are written as comma-separated lists. The byte order is taken
from the configuration. With --frame, the payload is preceded by a header as
a publisher would send it.`,

		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &packFlags) },

		Run: func(env *command.Env) error {
			if len(env.Args) == 0 {
				return env.Usagef("missing signature")
			}
			sig, err := variant.ParseSignature(env.Args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			vals, err := variant.ParseVector(sig, env.Args[1:])
			if err != nil {
				return err
			}
			payload, err := sig.Encode(cfg.ByteOrder, vals)
			if err != nil {
				return err
			}
			out := payload
			if packFlags.Frame {
				b := packet.NewBuilder(cfg.ByteOrder, nil)
				if err := packet.Frame(b, 1, payload); err != nil {
					return err
				}
				out = b.Bytes()
			}
			if packFlags.Raw {
				_, err := os.Stdout.Write(out)
				return err
			}
			fmt.Println(hex.EncodeToString(out))
			return nil
		},
	}
}
