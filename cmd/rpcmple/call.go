// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"fmt"

	"github.com/creachadair/command"
	"github.com/creachadair/rpcmple"
	"github.com/creachadair/rpcmple/catalog"
	"github.com/creachadair/rpcmple/internal/config"
	"github.com/creachadair/rpcmple/transport"
	"github.com/creachadair/rpcmple/variant"
)

func callCommand(ctx context.Context) *command.C {
	return &command.C{
		Name:  "call",
		Usage: "[<procedure> <arg>...]",
		Help: `Call a procedure on a server.

The server must serve its catalog as procedure 0, as "serve" does. The
client fetches the catalog to learn the signature of the procedure, parses
each argument according to its kind, and prints the results.

Array arguments are written as comma-separated lists, for example "1,2,3".
With no arguments, call prints the catalog of the server.`,

		Run: func(env *command.Env) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cli := rpcmple.NewClient().ByteOrder(cfg.ByteOrder).Register("catalog", sigNone, sigCatalog)
			e := rpcmple.NewEndpoint(cli).ReadSize(cfg.ReadBuffer).Start(dial(cfg))
			defer e.Stop()

			rets, err := cli.Call(ctx, 0)
			if err != nil {
				return fmt.Errorf("fetch catalog: %w", err)
			}
			remote, err := catalog.Parse(rets[0].(variant.Strings))
			if err != nil {
				return fmt.Errorf("parse catalog: %w", err)
			}
			if len(env.Args) == 0 {
				for _, d := range remote.Describe() {
					fmt.Println(d)
				}
				return nil
			}
			for id := 1; id < remote.Len(); id++ {
				p, _ := remote.Entry(id)
				cli.Register(p.Name, p.Args, p.Returns)
			}

			id, ok := remote.Lookup(env.Args[0])
			if !ok {
				return fmt.Errorf("procedure %q: %w", env.Args[0], rpcmple.ErrUnknownProcedure)
			}
			p, _ := remote.Entry(id)
			args, err := variant.ParseVector(p.Args, env.Args[1:])
			if err != nil {
				return fmt.Errorf("arguments for %s (%s): %w", p.Name, p.Args, err)
			}
			rets, err = cli.Call(ctx, id, args...)
			if err != nil {
				return err
			}
			fmt.Println(rets)
			return nil
		},
	}
}

// dial returns a transport that connects to the configured address. The
// "stdio" network uses the standard input and output of the process, and the
// address is ignored.
func dial(cfg *config.Config) rpcmple.Transport {
	switch cfg.Network {
	case "udp":
		return transport.DialUDP(cfg.Address).Broadcast(cfg.Broadcast)
	case "stdio":
		return transport.Stdio()
	}
	return transport.Dial(cfg.Network, cfg.Address)
}
