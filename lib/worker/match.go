// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// matchRetryDelay is the pause after a failed match call before the
// next attempt.
const matchRetryDelay = time.Second

// MatchStageConfig configures a MatchStage.
type MatchStageConfig struct {
	Name     string
	Worker   string
	Instance instance.Instance
	Platform operation.Platform

	// RequeueOnFailure returns operations the pipeline could not
	// admit to the queue instead of letting their lease lapse.
	RequeueOnFailure bool

	Output Stage
	Clock  clock.Clock
	Logger *slog.Logger
}

// MatchStage is the head of the pipeline. It claims a permit on its
// output, asks the instance for an operation this worker's platform
// can run, and offers it. It stops when closed or when its output is.
type MatchStage struct {
	lifecycle

	worker           string
	instance         instance.Instance
	platform         operation.Platform
	requeueOnFailure bool
	output           Stage
	clock            clock.Clock
	logger           *slog.Logger

	started bool
	stopped chan struct{}
}

var _ Driver = (*MatchStage)(nil)

func NewMatchStage(cfg MatchStageConfig) *MatchStage {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	stage := &MatchStage{
		worker:           cfg.Worker,
		instance:         cfg.Instance,
		platform:         cfg.Platform.Normalize(),
		requeueOnFailure: cfg.RequeueOnFailure,
		output:           cfg.Output,
		clock:            cfg.Clock,
		logger:           cfg.Logger.With("stage", cfg.Name),
		stopped:          make(chan struct{}),
	}
	stage.initLifecycle(cfg.Name)
	return stage
}

// Run matches operations until the stage or its output closes, and
// then returns nil. Close cancels a match call in progress. Cancelling
// ctx interrupts the stage and Run returns ctx's error.
func (s *MatchStage) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer close(s.stopped)
	defer s.Close()

	matchContext, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Closed():
		case <-s.output.Closed():
		case <-matchContext.Done():
		}
		cancel()
	}()

	s.logger.Info("matching operations", "platform", s.platform.String())
	for !s.IsClosed() && !s.output.IsClosed() {
		if !s.output.Claim(matchContext) {
			break
		}
		err := s.matchOne(matchContext)
		if err == nil || matchContext.Err() != nil {
			continue
		}
		if errors.Is(err, instance.ErrOperationDropped) {
			continue
		}
		s.logger.Error("match failed", "error", err)
		select {
		case <-s.clock.After(matchRetryDelay):
		case <-matchContext.Done():
		}
	}
	return ctx.Err()
}

// matchOne runs one match call holding one output permit, and returns
// the permit if no operation was delivered.
func (s *MatchStage) matchOne(ctx context.Context) error {
	delivered := false
	defer func() {
		if !delivered {
			s.output.Release()
		}
	}()
	return s.instance.Match(ctx, s.platform, s.requeueOnFailure, func(op *operation.Operation) bool {
		oc, err := NewOperationContext(op, s.worker, s.clock.Now())
		if err != nil {
			s.logger.Warn("declining unreadable operation", "operation", op.Name, "error", err)
			return false
		}
		if err := s.output.Offer(oc); err != nil {
			s.logger.Warn("declining operation", "operation", op.Name, "error", err)
			return false
		}
		delivered = true
		s.logger.Info("operation matched", "operation", op.Name, "action", oc.Metadata.ActionDigest.Short())
		return true
	})
}

// WaitIdle waits for Run to return. A stage whose Run was never
// called is idle.
func (s *MatchStage) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
