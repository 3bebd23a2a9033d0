// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"sync"
)

// monitor is a mutex with a broadcast channel that is closed and
// replaced on every state change. Waiters capture the channel under
// the lock, release the lock, and select on it alongside their
// cancellation, so no wakeup between the check and the wait is lost.
type monitor struct {
	mu      sync.Mutex
	changed chan struct{}
}

func (m *monitor) init() {
	m.changed = make(chan struct{})
}

// broadcastLocked wakes every waiter. Caller holds mu.
func (m *monitor) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// waitLocked releases mu until the state changes, extra is ready, or
// ctx is done, and reacquires it before returning. Caller holds mu.
func (m *monitor) waitLocked(ctx context.Context, extra <-chan struct{}) error {
	changed := m.changed
	m.mu.Unlock()
	defer m.mu.Lock()
	select {
	case <-changed:
		return nil
	case <-extra:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
