package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ipclab/ipcbus/pkg/bus"
	"github.com/ipclab/ipcbus/pkg/store"
)

// Config holds all configuration for the ipcbus command.
type Config struct {
	// Application settings
	Verbose  bool
	Identity string

	// Store settings
	DBPath      string
	BusyTimeout time.Duration

	// Bus settings
	SocketDir string
	Grace     time.Duration

	// Listen settings
	Subscribe     []string
	Echo          bool
	SweepInterval time.Duration

	// Metrics settings
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int
}

// MetricsAddr returns the formatted metrics address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// StoreConfig builds the store configuration from the CLI config.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Path:        c.DBPath,
		BusyTimeout: c.BusyTimeout,
	}
}

// BusConfig builds the endpoint configuration from the CLI config.
func (c *Config) BusConfig() bus.Config {
	return bus.Config{
		Identity:  c.Identity,
		SocketDir: c.SocketDir,
		Grace:     c.Grace,
	}
}

// buildConfig builds a Config from CLI context flags.
func buildConfig(c *cli.Context) *Config {
	return &Config{
		Verbose:        c.Bool("verbose"),
		Identity:       c.String("identity"),
		DBPath:         c.String("db-path"),
		BusyTimeout:    c.Duration("busy-timeout"),
		SocketDir:      c.String("socket-dir"),
		Grace:          c.Duration("grace"),
		Subscribe:      c.StringSlice("subscribe"),
		Echo:           c.Bool("echo"),
		SweepInterval:  c.Duration("sweep-interval"),
		MetricsEnabled: c.Bool("metrics"),
		MetricsHost:    c.String("metrics-host"),
		MetricsPort:    c.Int("metrics-port"),
	}
}
