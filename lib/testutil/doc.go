// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for buildfarm
// packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so a test that waits on a channel fails instead of hanging.
// [RequireBlocked] asserts the opposite: that nothing arrives for a
// short interval, which is how the stage tests show that a claim is
// suspended. These helpers are the only place tests use wall-clock
// time; everything else runs on a fake clock.
//
// [SocketDir] creates a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes.
//
// [UniqueID] generates distinct operation names and identifiers.
//
// All helpers fail the test with t.Fatalf rather than returning
// errors.
package testutil
