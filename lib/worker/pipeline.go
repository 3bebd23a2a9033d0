// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Pipeline runs a chain of stages. Drivers are added head first; the
// order is the order Close drains them in.
type Pipeline struct {
	logger *slog.Logger

	drivers []Driver
	sinks   []Stage

	mu      sync.Mutex
	running bool
	// Per-driver cancellation and exit, indexed like drivers. Set
	// once Run starts.
	stops  []context.CancelFunc
	exited []chan struct{}
}

func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{logger: logger}
}

// Add appends a driven stage.
func (p *Pipeline) Add(driver Driver) {
	p.drivers = append(p.drivers, driver)
}

// AddSink registers a terminal stage. Sinks are closed last during a
// graceful Close.
func (p *Pipeline) AddSink(sink Stage) {
	p.sinks = append(p.sinks, sink)
}

// Run starts every driver and waits for all of them to return.
// Interruption (ctx cancelled, or Interrupt) is not reported as an
// error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.running = true
	p.stops = make([]context.CancelFunc, len(p.drivers))
	p.exited = make([]chan struct{}, len(p.drivers))
	contexts := make([]context.Context, len(p.drivers))
	for i := range p.drivers {
		contexts[i], p.stops[i] = context.WithCancel(ctx)
		p.exited[i] = make(chan struct{})
	}
	p.mu.Unlock()

	var (
		wait   sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for i, driver := range p.drivers {
		wait.Add(1)
		go func() {
			defer wait.Done()
			defer close(p.exited[i])
			defer p.stops[i]()
			if err := driver.Run(contexts[i]); err != nil && !isInterrupt(err) {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("stage %s: %w", driver.Name(), err))
				errsMu.Unlock()
			}
		}()
	}
	wait.Wait()
	p.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

// Close shuts the pipeline down without abandoning work: the head
// stops admitting, every stage is waited on in order until it holds
// nothing, and then the sinks are closed so each driver sees its
// output closed with no work of its own left and exits. If ctx ends
// first, Close returns its error and the caller should interrupt Run.
func (p *Pipeline) Close(ctx context.Context) error {
	if len(p.drivers) == 0 {
		p.closeSinks()
		return nil
	}
	p.logger.Info("pipeline draining")
	head := p.drivers[0]
	head.Close()
	for _, driver := range p.drivers {
		if err := driver.WaitIdle(ctx); err != nil {
			return fmt.Errorf("waiting for stage %s: %w", driver.Name(), err)
		}
	}
	p.closeSinks()
	return nil
}

// Interrupt stops the drivers from the head through the given one, in
// order, without stranding work they have already accepted. Each is
// cancelled, waited for, and then waited on until idle before the next
// is cancelled, so work that runs detached from its driver (an
// ExecuteStage's executors) is still handed downstream. The waits on
// those drivers are not bounded by ctx. The stages after through keep
// running and are drained as in Close; ctx bounds only that drain. On
// error the caller should cancel Run's context.
func (p *Pipeline) Interrupt(ctx context.Context, through Driver) error {
	last := slices.Index(p.drivers, through)
	if last < 0 {
		return fmt.Errorf("stage %s is not part of the pipeline", through.Name())
	}

	p.mu.Lock()
	running := p.running
	stops, exited := p.stops, p.exited
	p.mu.Unlock()
	if !running {
		return errors.New("pipeline not running")
	}

	p.logger.Warn("pipeline interrupted", "through", through.Name())
	for i, driver := range p.drivers[:last+1] {
		stops[i]()
		<-exited[i]
		if err := driver.WaitIdle(context.Background()); err != nil {
			return fmt.Errorf("waiting for stage %s: %w", driver.Name(), err)
		}
	}
	for _, driver := range p.drivers[last+1:] {
		if err := driver.WaitIdle(ctx); err != nil {
			return fmt.Errorf("waiting for stage %s: %w", driver.Name(), err)
		}
	}
	p.closeSinks()
	return nil
}

func (p *Pipeline) closeSinks() {
	for _, sink := range p.sinks {
		sink.Close()
	}
}
