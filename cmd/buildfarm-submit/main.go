// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// buildfarm-submit builds an action from a JSONC definition, uploads
// whatever the instance is missing, and executes it. With --wait it
// blocks until the operation completes, copies the action's stdout
// and stderr to its own, and exits with the action's exit code.
//
//	buildfarm-submit --socket /run/buildfarm/instance.sock --wait action.jsonc
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/buildfarm/lib/actiondef"
	"github.com/bureau-foundation/buildfarm/lib/instance/stub"
	"github.com/bureau-foundation/buildfarm/lib/process"
	"github.com/bureau-foundation/buildfarm/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath      string
		instanceName    string
		wait            bool
		skipCacheLookup bool
		showVersion     bool
	)

	flagSet := pflag.NewFlagSet("buildfarm-submit", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "instance socket path (required)")
	flagSet.StringVar(&instanceName, "instance", "default", "instance name")
	flagSet.BoolVar(&wait, "wait", false, "wait for the operation and relay its output and exit code")
	flagSet.BoolVar(&skipCacheLookup, "skip-cache", false, "execute even if the action cache holds a result")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: buildfarm-submit [flags] <action.jsonc>\n\n%s", flagSet.FlagUsages())
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("buildfarm-submit %s\n", version.Info())
		return nil
	}

	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return &process.ExitError{Code: 2}
	}
	if socketPath == "" {
		return fmt.Errorf("--socket is required")
	}

	path := flagSet.Arg(0)
	definition, err := actiondef.ReadFile(path)
	if err != nil {
		return err
	}
	bundle, err := actiondef.Build(definition, filepath.Dir(path))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	remote := stub.New(instanceName, socketPath, nil)
	return submit(ctx, remote, bundle, submitOptions{
		SkipCacheLookup: skipCacheLookup,
		Wait:            wait,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	})
}
