package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/ipclab/ipcbus/pkg/bus"
	"github.com/ipclab/ipcbus/pkg/store"
)

func main() {
	// A .env file is optional; it feeds the env-backed config loaders below,
	// and explicit flags override both.
	_ = godotenv.Load()

	storeCfg, err := store.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	busCfg, err := bus.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:  "ipcbus",
		Usage: "Durable cross-process message bus over shared SQLite storage",
		Commands: []*cli.Command{
			{
				Name:   "listen",
				Usage:  "Run an endpoint and print messages for the given identity",
				Flags:  listenFlags(storeCfg, busCfg),
				Action: runListen,
			},
			{
				Name:   "send",
				Usage:  "Send one message, optionally waiting for the reply",
				Flags:  sendFlags(storeCfg, busCfg),
				Action: runSend,
			},
			{
				Name:   "sweep",
				Usage:  "Sweep expired messages from the store once",
				Flags:  sweepFlags(storeCfg, busCfg),
				Action: runSweep,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
