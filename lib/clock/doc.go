// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the
// worker and the reference instance.
//
// Lease deadlines in the operation queue, the poll period of an
// executing operation, and execution timestamps all read time through
// a [Clock]. Production code passes [Real]; tests pass [Fake] and move
// time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	poller := worker.NewPoller(instance, c, time.Second, logger)
//	// ... start the poller ...
//	c.WaitForTimers(1)     // the poller's ticker is registered
//	c.Advance(time.Second) // the poll fires deterministically
//
// WaitForTimers removes the race between a goroutine registering a
// ticker and the test advancing past it.
package clock
