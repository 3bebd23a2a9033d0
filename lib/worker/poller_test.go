// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/testutil"
)

type pollResult struct {
	leased bool
	err    error
}

// pollingInstance answers PollOperation from a channel. Every other
// method panics through the nil embedded interface.
type pollingInstance struct {
	instance.Instance
	results chan pollResult
	polled  chan operation.Stage
}

func (p *pollingInstance) PollOperation(_ context.Context, _ string, stage operation.Stage) (bool, error) {
	p.polled <- stage
	result := <-p.results
	return result.leased, result.err
}

func TestPollerReportsLostLease(t *testing.T) {
	tests := []struct {
		name    string
		results []pollResult
	}{
		{"lease expires", []pollResult{{leased: true}, {leased: true}, {leased: false}}},
		{"operation gone", []pollResult{{leased: true}, {err: fmt.Errorf("operation x: %w", instance.ErrNotFound)}}},
		{"transport errors are retried", []pollResult{{err: errors.New("connection refused")}, {leased: true}, {leased: false}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := clock.Fake(time.Unix(1_700_000_000, 0))
			inst := &pollingInstance{results: make(chan pollResult), polled: make(chan operation.Stage, 1)}
			poller := &Poller{Instance: inst, Period: time.Second, Clock: fake, Logger: slog.New(slog.DiscardHandler)}

			lost := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				poller.Run(context.Background(), "operations/x", operation.StageExecuting, func() { close(lost) })
			}()

			for i, result := range test.results {
				fake.WaitForTimers(1)
				fake.Advance(time.Second)
				stage := testutil.RequireReceive(t, inst.polled, waitTimeout, "poll %d", i)
				if stage != operation.StageExecuting {
					t.Errorf("polled stage %s, want executing", stage)
				}
				inst.results <- result
			}
			testutil.RequireClosed(t, lost, waitTimeout, "lost callback")
			testutil.RequireClosed(t, done, waitTimeout, "poller exit")
		})
	}
}

func TestPollerStopsWithContext(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	inst := &pollingInstance{results: make(chan pollResult), polled: make(chan operation.Stage, 1)}
	poller := &Poller{Instance: inst, Period: time.Second, Clock: fake, Logger: slog.New(slog.DiscardHandler)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Run(ctx, "operations/x", operation.StageExecuting, func() { t.Error("lost called on cancel") })
	}()
	fake.WaitForTimers(1)
	cancel()
	testutil.RequireClosed(t, done, waitTimeout, "poller exit")
}
