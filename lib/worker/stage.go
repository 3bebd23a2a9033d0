// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Stage is the contract a stage exposes to its neighbours.
type Stage interface {
	Name() string

	// Claim blocks until the stage can admit one more context and
	// grants a permit for it. It returns false, without a permit,
	// once the stage is closed or ctx is done.
	Claim(ctx context.Context) bool

	// Release returns a permit obtained from Claim that will not be
	// used for an Offer. Releasing a permit that is not held panics
	// with an error wrapping ErrUnheldPermit.
	Release()

	// Offer hands a context to the stage. The caller must hold a
	// permit from Claim; the permit passes to the stage with the
	// context. On error the caller still holds the permit and must
	// Release it.
	Offer(oc *OperationContext) error

	// Close stops the stage granting new permits. Work already
	// admitted is still processed. Close is idempotent.
	Close()

	IsClosed() bool

	// Closed is closed when the stage is.
	Closed() <-chan struct{}

	// IsClaimed reports whether any permit is outstanding: contexts
	// queued, in processing, or claimed but not yet offered.
	IsClaimed() bool
}

// Driver is a stage with its own goroutine.
type Driver interface {
	Name() string

	// Run drives the stage until it has drained, then closes it.
	// Cancelling ctx interrupts the driver; it still closes the
	// stage on the way out.
	Run(ctx context.Context) error

	Close()

	// WaitIdle blocks until the stage holds no permits.
	WaitIdle(ctx context.Context) error
}

// Processor does a stage's work on one context.
type Processor interface {
	// Tick processes oc and returns the context to hand to the next
	// stage. An error diverts the original oc to the error stage.
	Tick(ctx context.Context, oc *OperationContext) (*OperationContext, error)
}

// AfterProcessor is implemented by processors that need a hook after
// each context has been routed and its permit released, whatever the
// outcome.
type AfterProcessor interface {
	Processor
	After(ctx context.Context, oc *OperationContext)
}

// lifecycle holds the closed state shared by every stage type.
type lifecycle struct {
	monitor
	name     string
	closed   bool
	closedCh chan struct{}
}

func (l *lifecycle) initLifecycle(name string) {
	l.monitor.init()
	l.name = name
	l.closedCh = make(chan struct{})
}

func (l *lifecycle) Name() string { return l.name }

func (l *lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *lifecycle) closeLocked() {
	if l.closed {
		return
	}
	l.closed = true
	close(l.closedCh)
	l.broadcastLocked()
}

func (l *lifecycle) IsClosed() bool {
	select {
	case <-l.closedCh:
		return true
	default:
		return false
	}
}

func (l *lifecycle) Closed() <-chan struct{} { return l.closedCh }

// tick runs processor.Tick, turning a panic into an error so a faulty
// context cannot take the driver or its siblings down with it.
func tick(ctx context.Context, processor Processor, oc *OperationContext) (result *OperationContext, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	result, err = processor.Tick(ctx, oc)
	if err == nil && result == nil {
		err = errNoResult
	}
	return result, err
}

// forward routes the outcome of processing original: result to output
// when the processor succeeded and output admits it, otherwise
// original to errorStage with the reason attached.
func forward(ctx context.Context, stage string, output, errorStage Stage, original, result *OperationContext, err error, logger *slog.Logger) {
	if err != nil {
		logger.Warn("processing failed", "operation", original.Name(), "error", err)
		divert(ctx, errorStage, original, &Failure{Kind: FailureProcessing, Stage: stage, Err: err}, logger)
		return
	}
	if !output.Claim(ctx) {
		divert(ctx, errorStage, original, &Failure{
			Kind:  FailureAdmission,
			Stage: stage,
			Err:   fmt.Errorf("%s: %w", output.Name(), ErrStageClosed),
		}, logger)
		return
	}
	if err := output.Offer(result); err != nil {
		output.Release()
		divert(ctx, errorStage, original, &Failure{Kind: FailureAdmission, Stage: stage, Err: err}, logger)
	}
}

// divert hands oc to errorStage. The wait for room in the error stage
// is not bounded by ctx: an interrupted stage still owes its contexts
// to the error path, and the error stage refuses claims once it has
// itself been shut down.
func divert(ctx context.Context, errorStage Stage, oc *OperationContext, failure *Failure, logger *slog.Logger) {
	failed := oc.WithFailure(failure)
	if errorStage == nil {
		logger.Error("operation dropped: no error stage", "operation", oc.Name(), "failure", failure)
		return
	}
	if !errorStage.Claim(context.WithoutCancel(ctx)) {
		logger.Error("operation dropped: error stage closed", "operation", oc.Name(), "failure", failure)
		return
	}
	if err := errorStage.Offer(failed); err != nil {
		errorStage.Release()
		logger.Error("operation dropped: error stage refused it", "operation", oc.Name(),
			"failure", failure, "error", err)
	}
}

// isInterrupt reports whether err is the driver's context ending.
func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
