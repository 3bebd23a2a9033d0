// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package execution runs an action's command in a prepared exec
// directory.
//
// [ProcessRunner] is the only implementation: the command runs as a
// child process in its own process group, so a timeout kills the
// command and everything it spawned. A non-zero exit status or a
// timeout is an outcome reported in [Result]; Run returns an error only
// when the command could not be run at all or the caller's context was
// cancelled.
package execution
