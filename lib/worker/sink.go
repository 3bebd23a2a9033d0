// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
)

// SinkStage is a terminal stage. It admits without limit while open
// and hands each offered context to a callback on the offering
// goroutine. It has no driver.
type SinkStage struct {
	lifecycle

	consume func(*OperationContext)
	permits int
}

var _ Stage = (*SinkStage)(nil)

// NewSinkStage returns a sink that passes contexts to consume. consume
// must not block for long: it runs on the upstream stage's goroutine.
func NewSinkStage(name string, consume func(*OperationContext)) *SinkStage {
	sink := &SinkStage{consume: consume}
	sink.initLifecycle(name)
	return sink
}

func (s *SinkStage) Claim(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.permits++
	return true
}

func (s *SinkStage) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits == 0 {
		unheldPermit(s.name)
	}
	s.permits--
	s.broadcastLocked()
}

// Offer consumes oc. A permit granted before Close is still honoured.
func (s *SinkStage) Offer(oc *OperationContext) error {
	s.mu.Lock()
	if s.permits == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s: offer without a claim: %w", s.name, ErrUnheldPermit)
	}
	s.mu.Unlock()

	s.consume(oc)
	s.Release()
	return nil
}

func (s *SinkStage) IsClaimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits > 0
}
