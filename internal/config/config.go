// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package config loads settings for the rpcmple command-line tool.
//
// Settings come from, in increasing order of priority, built-in defaults, an
// optional configuration file, a .env file in the working directory,
// RPCMPLE_* environment variables, and explicit overrides (usually flags).
// Environment variable names are the key in upper case with "-" replaced by
// "_", for example RPCMPLE_BYTE_ORDER.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/creachadair/rpcmple/packet"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Keys understood by Load.
const (
	KeyNetwork        = "network"
	KeyAddress        = "address"
	KeyByteOrder      = "byte-order"
	KeyLogLevel       = "log-level"
	KeyBatch          = "batch"
	KeyMetricsAddress = "metrics-address"
	KeyReadBuffer     = "read-buffer"
	KeyBroadcast      = "broadcast"
)

// EnvPrefix is the prefix of environment variables consulted by Load.
const EnvPrefix = "rpcmple"

var defaults = map[string]any{
	KeyNetwork:        "tcp",
	KeyAddress:        "localhost:7070",
	KeyByteOrder:      "little",
	KeyLogLevel:       "info",
	KeyBatch:          false,
	KeyMetricsAddress: "",
	KeyReadBuffer:     4096,
	KeyBroadcast:      false,
}

// Config is a resolved set of settings.
type Config struct {
	Network        string
	Address        string
	ByteOrder      packet.Order
	LogLevel       logrus.Level
	Batch          bool
	MetricsAddress string
	ReadBuffer     int
	Broadcast      bool // permit UDP broadcast addresses
}

// Options control how Load finds its inputs.
type Options struct {
	// File is the path of a configuration file. If empty, no file is read.
	// The format is chosen from the file extension.
	File string

	// EnvFiles are dotenv files to load into the environment. Missing files
	// are ignored. If nil, ".env" is used.
	EnvFiles []string

	// Overrides are settings that take precedence over all other sources.
	// Empty values are ignored.
	Overrides map[string]string
}

// Load resolves the current configuration.
func Load(opts Options) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	for key, val := range opts.Overrides {
		if val != "" {
			v.Set(key, val)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	order, err := packet.ParseOrder(v.GetString(KeyByteOrder))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyByteOrder, err)
	}
	level, err := logrus.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	cfg := &Config{
		Network:        v.GetString(KeyNetwork),
		Address:        v.GetString(KeyAddress),
		ByteOrder:      order,
		LogLevel:       level,
		Batch:          v.GetBool(KeyBatch),
		MetricsAddress: v.GetString(KeyMetricsAddress),
		ReadBuffer:     v.GetInt(KeyReadBuffer),
		Broadcast:      v.GetBool(KeyBroadcast),
	}
	if cfg.ReadBuffer <= 0 {
		return nil, fmt.Errorf("%s: invalid size %d", KeyReadBuffer, cfg.ReadBuffer)
	}
	return cfg, nil
}

// ConfigureLogger applies the log level of c to log.
func (c *Config) ConfigureLogger(log *logrus.Logger) {
	log.SetLevel(c.LogLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
