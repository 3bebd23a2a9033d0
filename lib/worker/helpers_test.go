// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/testutil"
)

const waitTimeout = 5 * time.Second

// processorFunc adapts a function to Processor.
type processorFunc func(ctx context.Context, oc *OperationContext) (*OperationContext, error)

func (f processorFunc) Tick(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	return f(ctx, oc)
}

// passThrough forwards every context unchanged.
var passThrough = processorFunc(func(_ context.Context, oc *OperationContext) (*OperationContext, error) {
	return oc, nil
})

func newContext(name string) *OperationContext {
	return &OperationContext{Operation: &operation.Operation{Name: name}}
}

// collector is a sink that records what reaches it.
type collector struct {
	*SinkStage
	received chan *OperationContext
}

func newCollector(name string) *collector {
	c := &collector{received: make(chan *OperationContext, 64)}
	c.SinkStage = NewSinkStage(name, func(oc *OperationContext) { c.received <- oc })
	return c
}

func (c *collector) next(t *testing.T) *OperationContext {
	t.Helper()
	return testutil.RequireReceive(t, c.received, waitTimeout, "waiting for %s", c.Name())
}

func (c *collector) requireEmpty(t *testing.T) {
	t.Helper()
	select {
	case oc := <-c.received:
		t.Fatalf("%s received unexpected %s", c.Name(), oc.Name())
	default:
	}
}

// startDriver runs d until the test ends and returns a channel that
// receives Run's result.
func startDriver(t *testing.T, d Driver) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- d.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(waitTimeout):
			t.Errorf("stage %s did not stop", d.Name())
		}
	})
	return done
}

// claimAndOffer admits oc to stage the way an upstream stage would.
func claimAndOffer(t *testing.T, stage Stage, oc *OperationContext) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if !stage.Claim(ctx) {
		t.Fatalf("Claim on %s failed", stage.Name())
	}
	if err := stage.Offer(oc); err != nil {
		t.Fatalf("Offer to %s: %v", stage.Name(), err)
	}
}

// requirePanicsWithUnheldPermit runs fn and checks it panics with an
// error wrapping ErrUnheldPermit.
func requirePanicsWithUnheldPermit(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		recovered := recover()
		err, ok := recovered.(error)
		if !ok || !errors.Is(err, ErrUnheldPermit) {
			t.Errorf("recovered %v, want an error wrapping ErrUnheldPermit", recovered)
		}
	}()
	fn()
}

func failureOf(t *testing.T, oc *OperationContext) *Failure {
	t.Helper()
	if oc.Failure == nil {
		t.Fatalf("%s reached the error path without a failure", oc.Name())
	}
	return oc.Failure
}
