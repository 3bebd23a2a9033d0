// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/cas"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/execution"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// Options configures a Worker.
type Options struct {
	// Name identifies the worker in operation metadata and logs.
	Name string

	// Root holds exec directories.
	Root string

	Platform         operation.Platform
	RequeueOnFailure bool

	InputFetchWidth   int
	ExecuteWidth      int
	ReportResultWidth int

	// PollPeriod is how often a running operation's lease is
	// renewed. It must be shorter than the server's lease.
	PollPeriod time.Duration

	// ShutdownTimeout bounds the graceful drain when Run's context
	// is cancelled.
	ShutdownTimeout time.Duration

	// InputCacheBytes sizes the local blob cache. Zero disables it.
	InputCacheBytes int64

	Instance instance.Instance
	Runner   execution.Runner
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Stats counts operations by how they left the pipeline.
type Stats struct {
	Completed int64
	Failed    int64
}

// Worker is a pipeline wired to an instance.
type Worker struct {
	options  Options
	logger   *slog.Logger
	pipeline *Pipeline

	match   *MatchStage
	execute *ExecuteStage

	completed atomic.Int64
	failed    atomic.Int64
}

// New builds the pipeline. Stages are constructed sink first so each
// one can be given its neighbours.
func New(options Options) (*Worker, error) {
	if options.Instance == nil || options.Runner == nil {
		return nil, errors.New("worker needs an instance and a runner")
	}
	if options.Root == "" {
		return nil, errors.New("worker root is required")
	}
	if options.PollPeriod <= 0 {
		return nil, fmt.Errorf("poll period must be positive, got %s", options.PollPeriod)
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 30 * time.Second
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(options.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating worker root: %w", err)
	}

	w := &Worker{
		options:  options,
		logger:   options.Logger.With("worker", options.Name),
		pipeline: NewPipeline(options.Logger),
	}

	var cache *cas.Store
	if options.InputCacheBytes > 0 {
		cache = cas.NewStore(options.InputCacheBytes)
	}

	completion := NewSinkStage("completion", func(oc *OperationContext) {
		w.completed.Add(1)
	})
	discard := NewSinkStage("discard", func(oc *OperationContext) {
		w.failed.Add(1)
		w.logger.Debug("operation left the pipeline on the error path", "operation", oc.Name())
	})

	errorStage := NewQueueStage(QueueStageConfig{
		Name:     "error",
		Capacity: 1,
		Processor: &FailureHandler{
			Instance:         options.Instance,
			RequeueOnFailure: options.RequeueOnFailure,
			Logger:           w.logger.With("stage", "error"),
		},
		Output: discard,
		Error:  discard,
		Logger: w.logger,
	})
	reportResult := NewQueueStage(QueueStageConfig{
		Name:     "report_result",
		Capacity: options.ReportResultWidth,
		Processor: &ResultReporter{
			Instance: options.Instance,
			Clock:    options.Clock,
			Logger:   w.logger.With("stage", "report_result"),
		},
		Output: completion,
		Error:  errorStage,
		Logger: w.logger,
	})
	w.execute = NewExecuteStage(ExecuteStageConfig{
		Name:  "execute",
		Width: options.ExecuteWidth,
		Processor: &Executor{
			Instance: options.Instance,
			Runner:   options.Runner,
			Poller: &Poller{
				Instance: options.Instance,
				Period:   options.PollPeriod,
				Clock:    options.Clock,
				Logger:   w.logger.With("stage", "execute"),
			},
			Clock:  options.Clock,
			Logger: w.logger.With("stage", "execute"),
		},
		Output: reportResult,
		Error:  errorStage,
		Logger: w.logger,
	})
	inputFetch := NewQueueStage(QueueStageConfig{
		Name:     "input_fetch",
		Capacity: options.InputFetchWidth,
		Processor: &InputFetcher{
			Instance: options.Instance,
			Root:     options.Root,
			Cache:    cache,
			Logger:   w.logger.With("stage", "input_fetch"),
		},
		Output: w.execute,
		Error:  errorStage,
		Logger: w.logger,
	})
	w.match = NewMatchStage(MatchStageConfig{
		Name:             "match",
		Worker:           options.Name,
		Instance:         options.Instance,
		Platform:         options.Platform,
		RequeueOnFailure: options.RequeueOnFailure,
		Output:           inputFetch,
		Clock:            options.Clock,
		Logger:           w.logger,
	})

	w.pipeline.Add(w.match)
	w.pipeline.Add(inputFetch)
	w.pipeline.Add(w.execute)
	w.pipeline.Add(reportResult)
	w.pipeline.Add(errorStage)
	w.pipeline.AddSink(completion)
	w.pipeline.AddSink(discard)
	return w, nil
}

// Run works operations until ctx is cancelled, then drains the
// pipeline: no new operations are matched and those already admitted
// run to completion. If the drain outlasts ShutdownTimeout the stages
// up to and including execute are interrupted. Operations not yet
// executing go to the error stage, and executions already running
// finish under their own timeouts and report. The report and error
// stages then get another ShutdownTimeout to drain before they too
// are interrupted.
func (w *Worker) Run(ctx context.Context) error {
	runContext, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	defer interrupt()

	done := make(chan error, 1)
	go func() { done <- w.pipeline.Run(runContext) }()
	w.logger.Info("worker started",
		"platform", w.options.Platform.String(),
		"execute_width", w.execute.Width(),
		"requeue_on_failure", w.options.RequeueOnFailure)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	w.logger.Info("worker stopping", "running", w.execute.Running())
	shutdownContext, cancel := context.WithTimeout(context.Background(), w.options.ShutdownTimeout)
	defer cancel()
	if err := w.pipeline.Close(shutdownContext); err != nil {
		w.logger.Warn("graceful shutdown incomplete, interrupting stages",
			"error", err, "running", w.execute.Running())
		drainContext, cancel := context.WithTimeout(context.Background(), w.options.ShutdownTimeout)
		defer cancel()
		if err := w.pipeline.Interrupt(drainContext, w.execute); err != nil {
			w.logger.Error("reporting stages did not drain, abandoning their operations to lease expiry",
				"error", err)
		}
	}
	interrupt()
	err := <-done
	w.logger.Info("worker stopped", "completed", w.completed.Load(), "failed", w.failed.Load())
	return err
}

// Stats returns the operation counts so far.
func (w *Worker) Stats() Stats {
	return Stats{Completed: w.completed.Load(), Failed: w.failed.Load()}
}
