package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/platform"
	"github.com/podex-dev/agentcore/internal/secrets"
)

// NewWorkerCommand returns the worker subcommand.
func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Claim queued tasks and run them",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Tasks run at once",
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Worker id used for leases",
			},
		},
		Action: runWorker,
	}
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level := setupLogging(cmd, os.Stderr, cfg.Log.Level)

	// CLI flags override config
	if cmd.IsSet("concurrency") {
		cfg.Worker.Concurrency = cmd.Int("concurrency")
	}
	if cmd.IsSet("id") {
		cfg.Worker.ID = cmd.String("id")
	}

	svc, err := platform.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	pool, err := svc.Worker(ctx)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	sched, err := svc.Scheduler()
	if err != nil {
		return err
	}

	reloader := config.NewReloader(config.ReloaderConfig{
		ConfigPath: cmd.String("config"),
		DotenvPath: config.DotenvPath(),
		Initial:    cfg,
		Prepare: func(c *config.Config) error {
			return secrets.Unseal(c, secrets.KeyPath())
		},
	})
	reloader.OnReload(func(_, updated *config.Config) {
		if !cmd.Bool("debug") {
			level.Set(platform.ParseLevel(updated.Log.Level))
		}
	})

	var g run.Group

	// Worker pool.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return pool.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Liveness file.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		hb := svc.Heartbeat(pool.ID(), pool.Running)

		g.Add(
			func() error {
				return hb.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Maintenance jobs.
	if sched != nil {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return sched.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Config reload on SIGHUP.
	{
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		stop := make(chan struct{})

		g.Add(
			func() error {
				for {
					select {
					case <-hup:
						if err := reloader.Reload(); err != nil {
							slog.Error("config reload failed", "error", err)
						}
					case <-stop:
						return nil
					}
				}
			},
			func(_ error) {
				signal.Stop(hup)
				close(stop)
			},
		)
	}

	slog.Info("worker starting", "worker_id", pool.ID(), "queue", cfg.Queue.Driver, "storage", cfg.Storage.Driver)
	return g.Run()
}
