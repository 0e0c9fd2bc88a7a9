package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ipclab/ipcbus/pkg/bus"
	"github.com/ipclab/ipcbus/pkg/store"
)

// commonFlags apply to every command. Defaults come from the env-backed
// config loaders, so IPCBUS_* variables (or a .env file) seed them and an
// explicit flag overrides.
func commonFlags(storeCfg store.Config, busCfg bus.Config) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"IPCBUS_VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "db-path",
			Aliases: []string{"d"},
			Usage:   "Path of the shared SQLite message database",
			Value:   storeCfg.Path,
		},
		&cli.DurationFlag{
			Name:  "busy-timeout",
			Usage: "How long a writer waits for the cross-process write lock",
			Value: storeCfg.BusyTimeout,
		},
		&cli.StringFlag{
			Name:    "socket-dir",
			Aliases: []string{"s"},
			Usage:   "Shared directory holding the wakeup sockets",
			Value:   busCfg.SocketDir,
		},
		&cli.DurationFlag{
			Name:    "grace",
			Aliases: []string{"g"},
			Usage:   "Grace interval before undelivered messages expire",
			Value:   busCfg.Grace,
		},
	}
}

// metricsFlags configure the optional Prometheus endpoint.
func metricsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "metrics",
			Usage:   "Serve Prometheus metrics",
			EnvVars: []string{"IPCBUS_METRICS"},
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Metrics listen host",
			EnvVars: []string{"IPCBUS_METRICS_HOST"},
			Value:   "127.0.0.1",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Metrics listen port",
			EnvVars: []string{"IPCBUS_METRICS_PORT"},
			Value:   9090,
		},
	}
}

func identityFlag(busCfg bus.Config, usage string) cli.Flag {
	return &cli.StringFlag{
		Name:    "identity",
		Aliases: []string{"i"},
		Usage:   usage,
		Value:   busCfg.Identity,
	}
}

func listenFlags(storeCfg store.Config, busCfg bus.Config) []cli.Flag {
	flags := []cli.Flag{
		identityFlag(busCfg, "This process's destination name on the bus"),
		&cli.StringSliceFlag{
			Name:    "subscribe",
			Aliases: []string{"n"},
			Usage:   "Message names to subscribe to (repeatable)",
			EnvVars: []string{"IPCBUS_SUBSCRIBE"},
		},
		&cli.BoolFlag{
			Name:    "echo",
			Usage:   "Reply to every subscribed message with its own payload",
			EnvVars: []string{"IPCBUS_ECHO"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "How often the janitor sweeps expired messages",
			EnvVars: []string{"IPCBUS_SWEEP_INTERVAL"},
			Value:   time.Minute,
		},
	}
	flags = append(flags, commonFlags(storeCfg, busCfg)...)
	return append(flags, metricsFlags()...)
}

func sendFlags(storeCfg store.Config, busCfg bus.Config) []cli.Flag {
	flags := []cli.Flag{
		identityFlag(busCfg, "Sender identity (defaults to a transient per-process name)"),
		&cli.StringFlag{
			Name:     "to",
			Aliases:  []string{"t"},
			Usage:    "Destination identity",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Dot-namespaced message name",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "payload",
			Aliases: []string{"p"},
			Usage:   "Message payload",
		},
		&cli.DurationFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Wait this long for a reply (0 = fire and forget)",
		},
	}
	return append(flags, commonFlags(storeCfg, busCfg)...)
}

func sweepFlags(storeCfg store.Config, busCfg bus.Config) []cli.Flag {
	return commonFlags(storeCfg, busCfg)
}
