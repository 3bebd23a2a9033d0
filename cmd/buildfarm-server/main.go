// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// buildfarm-server serves the reference remote execution instance on a
// Unix socket. Blobs and cached action results live in memory; the
// operation queue is a SQLite database, so queued and leased
// operations survive a restart while their inputs must be uploaded
// again.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/config"
	"github.com/bureau-foundation/buildfarm/lib/instance/memory"
	"github.com/bureau-foundation/buildfarm/lib/opqueue"
	"github.com/bureau-foundation/buildfarm/lib/process"
	"github.com/bureau-foundation/buildfarm/lib/service"
	"github.com/bureau-foundation/buildfarm/lib/version"
)

const statsInterval = time.Minute

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath   string
		socketPath   string
		databasePath string
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("buildfarm-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to buildfarm.yaml (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&socketPath, "socket", "", "override server.socket_path")
	flagSet.StringVar(&databasePath, "database", "", "override server.database")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("buildfarm-server %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Server.SocketPath = socketPath
	}
	if databasePath != "" {
		cfg.Server.Database = databasePath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if err := cfg.EnsureServerPaths(); err != nil {
		return err
	}

	logger, err := service.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	queue, err := opqueue.Open(ctx, opqueue.Config{
		Path:          cfg.Server.Database,
		LeaseDuration: cfg.Server.LeaseDuration,
		Clock:         clk,
		Logger:        logger.With("component", "opqueue"),
	})
	if err != nil {
		return fmt.Errorf("opening operation queue: %w", err)
	}
	defer queue.Close()

	inst := memory.New(cfg.Instance.Name, queue, clk, logger)
	server := service.NewSocketServer(cfg.Server.SocketPath, logger)
	inst.RegisterHandlers(server)

	logger.Info("buildfarm-server",
		"version", version.Full(),
		"instance", cfg.Instance.Name,
		"database", cfg.Server.Database,
		"lease_duration", cfg.Server.LeaseDuration,
	)

	go logStats(ctx, queue, clk, logger)
	return server.Serve(ctx)
}

func logStats(ctx context.Context, queue *opqueue.Queue, clk clock.Clock, logger *slog.Logger) {
	ticker := clk.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats, err := queue.Stats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("reading queue stats", "error", err)
			}
			continue
		}
		logger.Info("queue stats",
			"queued", stats.Queued,
			"dispatched", stats.Dispatched,
			"done", stats.Done,
		)
	}
}
