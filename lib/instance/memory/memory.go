// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is the reference remote execution instance: a CAS and
// action cache held in memory and an operation queue in SQLite. It is
// used directly by tests and served over a Unix socket by
// buildfarm-server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/buildfarm/lib/cas"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/opqueue"
)

// Instance implements instance.Instance.
type Instance struct {
	name   string
	blobs  *cas.Store
	queue  *opqueue.Queue
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	actionCache map[digest.Digest]*operation.ActionResult
}

var _ instance.Instance = (*Instance)(nil)

// New returns an instance named name over queue. The caller owns the
// queue and closes it.
func New(name string, queue *opqueue.Queue, c clock.Clock, logger *slog.Logger) *Instance {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Instance{
		name:        name,
		blobs:       cas.NewStore(0),
		queue:       queue,
		clock:       c,
		logger:      logger.With("instance", name),
		actionCache: make(map[digest.Digest]*operation.ActionResult),
	}
}

func (i *Instance) Name() string { return i.name }

func (i *Instance) FindMissingBlobs(_ context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	return i.blobs.FindMissing(digests), nil
}

func (i *Instance) PutBlob(_ context.Context, data []byte) (digest.Digest, error) {
	return i.blobs.Put(data), nil
}

func (i *Instance) GetBlob(_ context.Context, d digest.Digest) ([]byte, error) {
	data, err := i.blobs.Get(d)
	if err != nil {
		if errors.Is(err, cas.ErrNotFound) {
			return nil, fmt.Errorf("blob %s: %w", d, instance.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (i *Instance) GetActionResult(_ context.Context, actionDigest digest.Digest) (*operation.ActionResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	result, ok := i.actionCache[actionDigest]
	if !ok {
		return nil, fmt.Errorf("action result %s: %w", actionDigest, instance.ErrNotFound)
	}
	return result, nil
}

func (i *Instance) PutActionResult(_ context.Context, actionDigest digest.Digest, result *operation.ActionResult) error {
	if result == nil {
		return fmt.Errorf("action result for %s is nil", actionDigest)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.actionCache[actionDigest] = result
	return nil
}

// Execute looks the action up in the CAS to learn its platform, checks
// the action cache, and otherwise enqueues a new operation.
func (i *Instance) Execute(ctx context.Context, actionDigest digest.Digest, skipCacheLookup bool) (*operation.Operation, error) {
	data, err := i.GetBlob(ctx, actionDigest)
	if err != nil {
		return nil, fmt.Errorf("loading action: %w", err)
	}
	var action operation.Action
	if err := operation.Decode(data, &action); err != nil {
		return nil, fmt.Errorf("action %s: %w", actionDigest, err)
	}

	name := "operations/" + uuid.NewString()
	metadata := operation.ExecuteOperationMetadata{
		Stage:        operation.StageQueued,
		ActionDigest: actionDigest,
	}

	if !skipCacheLookup && !action.DoNotCache {
		if cached, err := i.GetActionResult(ctx, actionDigest); err == nil {
			metadata.Stage = operation.StageCacheCheck
			op, err := operation.New(name, metadata)
			if err != nil {
				return nil, err
			}
			completed, err := op.Complete(&operation.ExecuteResponse{Result: cached, CachedResult: true})
			if err != nil {
				return nil, err
			}
			// Recorded so the operation can be looked up like any other.
			if err := i.queue.Enqueue(ctx, completed, action.Platform); err != nil {
				return nil, err
			}
			i.logger.Info("action cache hit", "operation", name, "action", actionDigest.Short())
			return completed, nil
		}
	}

	op, err := operation.New(name, metadata)
	if err != nil {
		return nil, err
	}
	if err := i.queue.Enqueue(ctx, op, action.Platform); err != nil {
		return nil, err
	}
	i.logger.Info("operation queued", "operation", name, "action", actionDigest.Short(),
		"platform", action.Platform.String())
	return op, nil
}

// Match leases one operation from the queue and hands it to onMatch.
func (i *Instance) Match(ctx context.Context, platform operation.Platform, requeueOnFailure bool, onMatch instance.MatchFunc) error {
	op, err := i.queue.Take(ctx, platform)
	if err != nil {
		return err
	}
	if onMatch(op) || !requeueOnFailure {
		return nil
	}
	return instance.Requeue(ctx, i, op, i.logger)
}

// TakeOperation leases one operation without a callback. It backs the
// socket's take_operation action, where the callback runs on the
// client.
func (i *Instance) TakeOperation(ctx context.Context, platform operation.Platform) (*operation.Operation, error) {
	return i.queue.Take(ctx, platform)
}

func (i *Instance) PutOperation(ctx context.Context, op *operation.Operation) error {
	if err := i.queue.Put(ctx, op); err != nil {
		return translateQueueError(err)
	}
	return nil
}

func (i *Instance) PollOperation(ctx context.Context, name string, stage operation.Stage) (bool, error) {
	return i.queue.Poll(ctx, name, stage)
}

func (i *Instance) GetOperation(ctx context.Context, name string) (*operation.Operation, error) {
	op, err := i.queue.Get(ctx, name)
	if err != nil {
		return nil, translateQueueError(err)
	}
	return op, nil
}

func (i *Instance) WaitOperation(ctx context.Context, name string) (*operation.Operation, error) {
	op, err := i.queue.Wait(ctx, name)
	if err != nil {
		return nil, translateQueueError(err)
	}
	return op, nil
}
