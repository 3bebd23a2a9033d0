// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// QueueStageConfig configures a QueueStage.
type QueueStageConfig struct {
	Name string

	// Capacity is the number of permits, and the inbox depth. Zero
	// means 1.
	Capacity int

	Processor Processor
	Output    Stage
	Error     Stage
	Logger    *slog.Logger
}

// QueueStage processes contexts one at a time from a FIFO inbox of
// Capacity entries. Permits cover a context from Claim until its
// processing has finished, so Capacity also bounds how many contexts
// the stage holds at once.
type QueueStage struct {
	lifecycle

	capacity   int
	processor  Processor
	output     Stage
	errorStage Stage
	logger     *slog.Logger

	permits int
	inbox   []*OperationContext
	// stopped is set when the driver has exited; nothing offered
	// afterwards would ever be taken.
	stopped bool
}

var (
	_ Stage  = (*QueueStage)(nil)
	_ Driver = (*QueueStage)(nil)
)

// NewQueueStage returns a stage that feeds cfg.Output. The stage does
// nothing until Run is called.
func NewQueueStage(cfg QueueStageConfig) *QueueStage {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	stage := &QueueStage{
		capacity:   cfg.Capacity,
		processor:  cfg.Processor,
		output:     cfg.Output,
		errorStage: cfg.Error,
		logger:     cfg.Logger.With("stage", cfg.Name),
		inbox:      make([]*OperationContext, 0, cfg.Capacity),
	}
	stage.initLifecycle(cfg.Name)
	return stage
}

func (s *QueueStage) Claim(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return false
		}
		if s.permits < s.capacity {
			s.permits++
			s.broadcastLocked()
			return true
		}
		if s.waitLocked(ctx, nil) != nil {
			return false
		}
	}
}

func (s *QueueStage) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits == 0 {
		unheldPermit(s.name)
	}
	s.permits--
	s.broadcastLocked()
}

func (s *QueueStage) Offer(oc *OperationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("%s: %w", s.name, ErrStageClosed)
	}
	if len(s.inbox) >= s.capacity || len(s.inbox) >= s.permits {
		return fmt.Errorf("%s: %w", s.name, ErrInboxFull)
	}
	s.inbox = append(s.inbox, oc)
	s.broadcastLocked()
	return nil
}

func (s *QueueStage) IsClaimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits > 0
}

func (s *QueueStage) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.permits > 0 {
		if err := s.waitLocked(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

// runningLocked is the driver's loop condition: keep going while there
// is somewhere to send work, or while work is still owed a decision.
func (s *QueueStage) runningLocked() bool {
	return (!s.closed && !s.output.IsClosed()) || s.permits > 0
}

// take removes the oldest inbox entry, waiting for one if needed.
// It returns errDrained once the loop condition is false.
func (s *QueueStage) take(ctx context.Context) (*OperationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.inbox) > 0 {
			oc := s.inbox[0]
			s.inbox[0] = nil
			s.inbox = s.inbox[1:]
			return oc, nil
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

// Run drives the stage. It returns nil when the stage drained and
// ctx's error when interrupted.
func (s *QueueStage) Run(ctx context.Context) error {
	s.logger.Debug("stage started", "capacity", s.capacity)
	defer s.shutdown(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		oc, err := s.take(ctx)
		if errors.Is(err, errDrained) {
			return nil
		}
		if err != nil {
			return err
		}
		s.iterate(ctx, oc)
	}
}

func (s *QueueStage) iterate(ctx context.Context, oc *OperationContext) {
	if after, ok := s.processor.(AfterProcessor); ok {
		defer after.After(ctx, oc)
	}
	defer s.Release()
	result, err := tick(ctx, s.processor, oc)
	forward(ctx, s.name, s.output, s.errorStage, oc, result, err, s.logger)
}

// shutdown closes the stage and sends anything still queued (only
// possible after an interrupt) to the error stage.
func (s *QueueStage) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	s.closeLocked()
	leftover := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	for _, oc := range leftover {
		divert(ctx, s.errorStage, oc, &Failure{
			Kind:  FailureAdmission,
			Stage: s.name,
			Err:   fmt.Errorf("%s: %w", s.name, ErrStageClosed),
		}, s.logger)
		s.Release()
	}
	s.logger.Debug("stage stopped", "abandoned", len(leftover))
}
