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

// Poller keeps an operation's lease alive while the worker holds it.
type Poller struct {
	Instance instance.Instance
	Period   time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Run polls name at stage every Period until ctx is done. When the
// queue reports the lease gone, Run calls lost and returns. Transport
// errors are logged and retried on the next tick; the lease outlasts
// a few missed polls.
func (p *Poller) Run(ctx context.Context, name string, stage operation.Stage, lost func()) {
	ticker := p.Clock.NewTicker(p.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		leased, err := p.Instance.PollOperation(ctx, name, stage)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, instance.ErrNotFound):
			leased = false
		case err != nil:
			p.Logger.Warn("polling operation failed", "operation", name, "error", err)
			continue
		}
		if !leased {
			p.Logger.Warn("operation lease lost", "operation", name, "stage", stage.String())
			lost()
			return
		}
	}
}
