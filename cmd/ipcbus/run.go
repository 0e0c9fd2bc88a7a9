package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	busmetrics "github.com/ipclab/ipcbus/internal/metrics"
	"github.com/ipclab/ipcbus/pkg/bus"
	"github.com/ipclab/ipcbus/pkg/janitor"
	"github.com/ipclab/ipcbus/pkg/metrics"
	"github.com/ipclab/ipcbus/pkg/notify"
	"github.com/ipclab/ipcbus/pkg/store"
	"github.com/ipclab/ipcbus/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

func runListen(c *cli.Context) error {
	cfg := buildConfig(c)
	if cfg.Identity == "" {
		return errors.New("invalid identity: set --identity or IPCBUS_IDENTITY")
	}
	sugar, err := utils.NewSugaredLogger(cfg.Identity, cfg.Verbose)
	if err != nil {
		return err
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors
	sugar.Infow("config",
		"identity", cfg.Identity,
		"dbPath", cfg.DBPath,
		"socketDir", cfg.SocketDir,
		"grace", cfg.Grace,
		"subscribe", cfg.Subscribe,
		"echo", cfg.Echo,
		"sweepInterval", cfg.SweepInterval,
		"metrics", cfg.MetricsEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StoreConfig(), sugar)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()

	transport, err := notify.NewTransport(cfg.SocketDir, sugar)
	if err != nil {
		return fmt.Errorf("failed to create wakeup transport: %w", err)
	}

	var (
		m   *busmetrics.Metrics
		srv *metrics.Server
	)
	reg := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		m, err = busmetrics.New(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		srv = metrics.NewServer(cfg.MetricsAddr(), cfg.Identity, reg)
	}

	ep, err := bus.Open(cfg.BusConfig(), st, transport, sugar, m)
	if err != nil {
		return fmt.Errorf("failed to open endpoint: %w", err)
	}
	defer ep.Close()

	for _, name := range cfg.Subscribe {
		name := name
		ep.Subscribe(name, func(msg *store.Message) {
			sugar.Infow("message",
				"name", msg.Name,
				"id", msg.ID,
				"source", msg.Source,
				"payload", string(msg.Payload),
			)
			if cfg.Echo {
				if _, err := ep.Respond(ctx, msg, msg.Payload); err != nil {
					sugar.Warnw("failed to respond", "name", msg.Name, "id", msg.ID, "error", err)
				}
			}
		})
		sugar.Infof("subscribed to %q", name)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return janitor.Start(gctx, st, cfg.SweepInterval, sugar, m)
	})
	if srv != nil {
		srvErr := srv.Start()
		g.Go(func() error {
			select {
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-srvErr:
				return err
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		return nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
		return err
	}

	sugar.Info("shutting down")
	return nil
}

func runSend(c *cli.Context) error {
	cfg := buildConfig(c)
	if cfg.Identity == "" {
		cfg.Identity = fmt.Sprintf("send-%d", os.Getpid())
	}
	sugar, err := utils.NewSugaredLogger(cfg.Identity, cfg.Verbose)
	if err != nil {
		return err
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StoreConfig(), sugar)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()

	transport, err := notify.NewTransport(cfg.SocketDir, sugar)
	if err != nil {
		return fmt.Errorf("failed to create wakeup transport: %w", err)
	}

	ep, err := bus.Open(cfg.BusConfig(), st, transport, sugar, nil)
	if err != nil {
		return fmt.Errorf("failed to open endpoint: %w", err)
	}
	defer ep.Close()

	name := c.String("name")
	destination := c.String("to")
	payload := []byte(c.String("payload"))
	wait := c.Duration("wait")

	var (
		replyCh chan *store.Message
		cont    bus.Continuation
	)
	if wait > 0 {
		replyCh = make(chan *store.Message, 1)
		cont = func(msg *store.Message) {
			replyCh <- msg
		}
	}

	id, err := ep.Send(ctx, name, payload, destination, cont)
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	sugar.Infow("sent", "name", name, "id", id, "destination", destination)

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return fmt.Errorf("no reply to message %d within %s", id, wait)
	case reply := <-replyCh:
		sugar.Infow("reply",
			"name", reply.Name,
			"id", reply.ID,
			"source", reply.Source,
			"payload", string(reply.Payload),
		)
		return nil
	}
}

func runSweep(c *cli.Context) error {
	cfg := buildConfig(c)
	sugar, err := utils.NewSugaredLogger("sweep", cfg.Verbose)
	if err != nil {
		return err
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	st, err := store.Open(cfg.StoreConfig(), sugar)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()

	n, err := st.SweepExpired(context.Background())
	if err != nil {
		return fmt.Errorf("failed to sweep: %w", err)
	}
	fmt.Printf("swept %d expired message(s)\n", n)
	return nil
}
