// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program rpcmple is a command-line utility for serving, calling, publishing,
// and subscribing over rpcmple connections.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/rpcmple/internal/config"
	"github.com/sirupsen/logrus"
)

var flags struct {
	Config     string `flag:"config,Configuration file (YAML, TOML, or JSON)"`
	Network    string `flag:"network,Network type (tcp, unix, udp, stdio)"`
	Address    string `flag:"address,Service address"`
	ByteOrder  string `flag:"byte-order,Wire byte order (little, big)"`
	LogLevel   string `flag:"log-level,Log level (trace, debug, info, warn, error)"`
	Batch      bool   `flag:"batch,Batch published messages"`
	Metrics    string `flag:"metrics-address,Serve metrics at this address"`
	ReadBuffer int    `flag:"read-buffer,Minimum read size in bytes"`
	Broadcast  bool   `flag:"broadcast,Permit UDP broadcast addresses"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Usage: `<command> [arguments]
help [<command>]`,
		Help: `Utilities for rpcmple servers, clients, publishers, and subscribers.

Settings are read from an optional configuration file (--config), a .env
file in the working directory, and RPCMPLE_* environment variables, for
example RPCMPLE_ADDRESS or RPCMPLE_BYTE_ORDER. Flags override all of these.`,

		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },

		Commands: []*command.C{
			serveCommand(ctx),
			callCommand(ctx),
			publishCommand(ctx),
			subscribeCommand(ctx),
			packCommand(),
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig resolves the configuration from the environment and flags, and
// configures the standard logger.
func loadConfig() (*config.Config, error) {
	over := map[string]string{
		config.KeyNetwork:        flags.Network,
		config.KeyAddress:        flags.Address,
		config.KeyByteOrder:      flags.ByteOrder,
		config.KeyLogLevel:       flags.LogLevel,
		config.KeyMetricsAddress: flags.Metrics,
	}
	if flags.Batch {
		over[config.KeyBatch] = "true"
	}
	if flags.Broadcast {
		over[config.KeyBroadcast] = "true"
	}
	if flags.ReadBuffer != 0 {
		over[config.KeyReadBuffer] = strconv.Itoa(flags.ReadBuffer)
	}
	cfg, err := config.Load(config.Options{File: flags.Config, Overrides: over})
	if err != nil {
		return nil, err
	}
	cfg.ConfigureLogger(logrus.StandardLogger())
	return cfg, nil
}
