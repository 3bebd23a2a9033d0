// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ExecuteStageConfig configures an ExecuteStage.
type ExecuteStageConfig struct {
	Name string

	// Width is the maximum number of concurrent executions. Zero
	// means 1.
	Width int

	// Processor runs one execution. It is called concurrently.
	Processor Processor

	Output Stage
	Error  Stage
	Logger *slog.Logger
}

// ExecuteStage runs its processor on up to Width contexts at once.
//
// A Claim reserves an execution slot. When the driver takes the
// offered context it turns the reservation into an executor
// registered in the live set, then starts the executor's goroutine
// and goes straight back for the next context. The executor routes
// its result and removes itself from the live set when done. The
// number of reservations plus live executors never exceeds Width.
type ExecuteStage struct {
	lifecycle

	width      int
	processor  Processor
	output     Stage
	errorStage Stage
	logger     *slog.Logger

	reserved int
	workers  map[*executor]struct{}
	// inbox is the depth-1 handoff slot between Offer and the
	// driver.
	inbox   *OperationContext
	started bool
	stopped bool
}

// executor is the handle of one running execution.
type executor struct {
	oc *OperationContext
}

var (
	_ Stage  = (*ExecuteStage)(nil)
	_ Driver = (*ExecuteStage)(nil)
)

func NewExecuteStage(cfg ExecuteStageConfig) *ExecuteStage {
	if cfg.Width <= 0 {
		cfg.Width = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	stage := &ExecuteStage{
		width:      cfg.Width,
		processor:  cfg.Processor,
		output:     cfg.Output,
		errorStage: cfg.Error,
		logger:     cfg.Logger.With("stage", cfg.Name),
		workers:    make(map[*executor]struct{}, cfg.Width),
	}
	stage.initLifecycle(cfg.Name)
	return stage
}

// Width returns the configured maximum concurrency.
func (s *ExecuteStage) Width() int { return s.width }

func (s *ExecuteStage) Claim(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return false
		}
		if len(s.workers)+s.reserved < s.width {
			s.reserved++
			s.broadcastLocked()
			return true
		}
		if s.waitLocked(ctx, nil) != nil {
			return false
		}
	}
}

// Release returns an unused reservation.
func (s *ExecuteStage) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved == 0 {
		unheldPermit(s.name)
	}
	s.reserved--
	s.broadcastLocked()
}

// releaseExecutor removes e from the live set. A handle that is not
// live has already been released.
func (s *ExecuteStage) releaseExecutor(e *executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.workers[e]; !live {
		unheldPermit(s.name)
	}
	delete(s.workers, e)
	s.broadcastLocked()
}

// Offer places oc in the handoff slot, waiting while the driver has
// not yet taken the previous context. The wait ends when the driver
// empties the slot or stops; if no driver has been started, it ends
// when the stage is closed. Either way Offer then fails with
// ErrStageClosed.
func (s *ExecuteStage) Offer(oc *OperationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped || (s.closed && !s.started) {
			return fmt.Errorf("%s: %w", s.name, ErrStageClosed)
		}
		if s.reserved == 0 {
			return fmt.Errorf("%s: offer without a claim: %w", s.name, ErrUnheldPermit)
		}
		if s.inbox == nil {
			s.inbox = oc
			s.broadcastLocked()
			return nil
		}
		// Bounded by the driver draining the slot or stopping, or
		// without a driver by Close.
		_ = s.waitLocked(context.Background(), nil)
	}
}

func (s *ExecuteStage) IsClaimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimedLocked()
}

func (s *ExecuteStage) claimedLocked() bool {
	return s.reserved > 0 || len(s.workers) > 0
}

// Running returns the number of live executors.
func (s *ExecuteStage) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *ExecuteStage) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.claimedLocked() {
		if err := s.waitLocked(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExecuteStage) runningLocked() bool {
	return (!s.closed && !s.output.IsClosed()) || s.claimedLocked()
}

// take waits for the handoff slot to fill and converts the
// reservation that came with it into a live executor, all under the
// lock, so the executor is counted before its goroutine exists.
func (s *ExecuteStage) take(ctx context.Context) (*executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.inbox != nil {
			e := &executor{oc: s.inbox}
			s.inbox = nil
			s.reserved--
			s.workers[e] = struct{}{}
			s.broadcastLocked()
			return e, nil
		}
		if !s.runningLocked() {
			return nil, errDrained
		}
		var outputClosed <-chan struct{}
		if !s.output.IsClosed() {
			outputClosed = s.output.Closed()
		}
		if err := s.waitLocked(ctx, outputClosed); err != nil {
			return nil, err
		}
	}
}

// Run drives the stage. Executors run on a context that interrupting
// the driver does not cancel; their own timeouts bound them. On a
// normal drain Run returns only after every executor has finished.
func (s *ExecuteStage) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.broadcastLocked()
	s.mu.Unlock()
	s.logger.Debug("stage started", "width", s.width)
	defer s.shutdown(ctx)
	executorContext := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := s.take(ctx)
		if errors.Is(err, errDrained) {
			return nil
		}
		if err != nil {
			return err
		}
		go s.runExecutor(executorContext, e)
	}
}

func (s *ExecuteStage) runExecutor(ctx context.Context, e *executor) {
	defer s.releaseExecutor(e)
	result, err := tick(ctx, s.processor, e.oc)
	forward(ctx, s.name, s.output, s.errorStage, e.oc, result, err, s.logger)
}

func (s *ExecuteStage) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	s.closeLocked()
	leftover := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	if leftover != nil {
		divert(ctx, s.errorStage, leftover, &Failure{
			Kind:  FailureAdmission,
			Stage: s.name,
			Err:   fmt.Errorf("%s: %w", s.name, ErrStageClosed),
		}, s.logger)
		s.Release()
	}
	s.logger.Debug("stage stopped")
}
