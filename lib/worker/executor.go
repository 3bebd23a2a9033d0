// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/execution"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// Executor is the execute stage's processor. It publishes the
// Executing stage, runs the command under a lease poller, and records
// the outcome.
type Executor struct {
	Instance instance.Instance
	Runner   execution.Runner
	Poller   *Poller
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (e *Executor) Tick(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	if oc.Action == nil || oc.Command == nil || len(oc.Command.Arguments) == 0 {
		return nil, fmt.Errorf("operation %s reached execution without a command", oc.Name())
	}
	metadata := oc.Metadata
	metadata.Stage = operation.StageExecuting
	metadata.Worker = oc.Timing.Worker
	executing, err := oc.Operation.WithMetadata(metadata)
	if err != nil {
		return nil, err
	}
	if err := e.Instance.PutOperation(ctx, executing); err != nil {
		return nil, fmt.Errorf("publishing executing stage: %w", err)
	}
	next, err := oc.WithOperation(executing)
	if err != nil {
		return nil, err
	}

	runContext, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseLost atomic.Bool
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		e.Poller.Run(runContext, oc.Name(), operation.StageExecuting, func() {
			leaseLost.Store(true)
			cancel()
		})
	}()

	timing := next.Timing
	timing.ExecutionStartedAt = e.Clock.Now()
	e.Logger.Info("executing", "operation", oc.Name(), "argv0", oc.Command.Arguments[0])
	result, runErr := e.Runner.Run(runContext, execution.Request{
		Operation: oc.Name(),
		Command:   oc.Command,
		ExecDir:   oc.ExecDir,
		Timeout:   oc.Action.Timeout,
	})
	timing.ExecutionCompletedAt = e.Clock.Now()
	cancel()
	<-pollerDone

	if leaseLost.Load() {
		return nil, ErrLeaseLost
	}
	if runErr != nil {
		return nil, runErr
	}
	e.Logger.Info("execution finished", "operation", oc.Name(),
		"exit_code", result.ExitCode, "timed_out", result.TimedOut,
		"duration", timing.ExecutionCompletedAt.Sub(timing.ExecutionStartedAt))
	return next.WithResult(&result).WithTiming(timing), nil
}
