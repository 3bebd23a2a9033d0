// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package instance defines the remote execution instance a worker
// talks to: blob storage keyed by digest, the action cache, and the
// operation queue.
//
// Two implementations exist. Package memory holds everything in the
// process (with the queue in SQLite) and can serve itself over a
// socket; package stub is the client for that socket. Workers only
// see the [Instance] interface.
package instance

import (
	"context"
	"errors"

	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// ErrNotFound is wrapped when a blob, action result, or operation does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrOperationDropped is wrapped when an operation could not be
// requeued because its metadata is unreadable. The operation is lost
// to this worker; its lease will lapse on the server.
var ErrOperationDropped = errors.New("operation dropped")

// MatchFunc receives a matched operation and reports whether it took
// ownership of it.
type MatchFunc func(op *operation.Operation) bool

// Instance is a remote execution instance.
type Instance interface {
	// Name is the instance name carried in every request.
	Name() string

	// FindMissingBlobs returns the digests the instance does not
	// hold.
	FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)

	// PutBlob stores data and returns its digest.
	PutBlob(ctx context.Context, data []byte) (digest.Digest, error)

	// GetBlob returns the blob named by d.
	GetBlob(ctx context.Context, d digest.Digest) ([]byte, error)

	GetActionResult(ctx context.Context, actionDigest digest.Digest) (*operation.ActionResult, error)
	PutActionResult(ctx context.Context, actionDigest digest.Digest, result *operation.ActionResult) error

	// Execute enqueues the action and returns its operation. Unless
	// skipCacheLookup is set, a cached result completes the
	// operation immediately.
	Execute(ctx context.Context, actionDigest digest.Digest, skipCacheLookup bool) (*operation.Operation, error)

	// Match blocks until an operation this platform can run is
	// leased, then calls onMatch. If onMatch declines and
	// requeueOnFailure is set, the operation is returned to the
	// queue.
	Match(ctx context.Context, platform operation.Platform, requeueOnFailure bool, onMatch MatchFunc) error

	// PutOperation records a new state for an operation.
	PutOperation(ctx context.Context, op *operation.Operation) error

	// PollOperation renews the worker's lease on name while its
	// stage is stage. False means the lease is gone.
	PollOperation(ctx context.Context, name string, stage operation.Stage) (bool, error)

	GetOperation(ctx context.Context, name string) (*operation.Operation, error)

	// WaitOperation blocks until name is done and returns it.
	WaitOperation(ctx context.Context, name string) (*operation.Operation, error)
}
