// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// buildfarm-worker matches operations from a remote execution instance
// and runs them through the staged worker pipeline: input fetch,
// execute, and result reporting. SIGINT or SIGTERM starts a graceful
// drain bounded by worker.shutdown_timeout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/config"
	"github.com/bureau-foundation/buildfarm/lib/execution"
	"github.com/bureau-foundation/buildfarm/lib/instance/stub"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/process"
	"github.com/bureau-foundation/buildfarm/lib/service"
	"github.com/bureau-foundation/buildfarm/lib/version"
	"github.com/bureau-foundation/buildfarm/lib/worker"
)

// killGracePeriod separates SIGTERM from SIGKILL when an action times
// out.
const killGracePeriod = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("buildfarm-worker", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to buildfarm.yaml (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("buildfarm-worker %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureWorkerPaths(); err != nil {
		return err
	}

	logger, err := service.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With("worker", cfg.Worker.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	remote := stub.New(cfg.Instance.Name, cfg.Instance.SocketPath, logger)

	w, err := worker.New(worker.Options{
		Name:              cfg.Worker.Name,
		Root:              cfg.Worker.Root,
		Platform:          operation.NewPlatform(cfg.Worker.Platform),
		RequeueOnFailure:  cfg.Worker.RequeueOnFailure,
		InputFetchWidth:   cfg.Worker.InputFetchStageWidth,
		ExecuteWidth:      cfg.Worker.ExecuteStageWidth,
		ReportResultWidth: cfg.Worker.ReportResultStageWidth,
		PollPeriod:        cfg.Worker.PollPeriod,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
		InputCacheBytes:   cfg.Worker.InputCacheBytes,
		Instance:          remote,
		Runner: &execution.ProcessRunner{
			DefaultTimeout: cfg.Worker.DefaultTimeout,
			MaxTimeout:     cfg.Worker.MaxTimeout,
			OutputLimit:    cfg.Worker.OutputLimit,
			GracePeriod:    killGracePeriod,
			Clock:          clk,
			Logger:         logger,
		},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	logger.Info("buildfarm-worker",
		"version", version.Full(),
		"instance", cfg.Instance.Name,
		"socket", cfg.Instance.SocketPath,
		"root", cfg.Worker.Root,
	)
	return w.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}
