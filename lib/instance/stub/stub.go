// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stub is the worker-side client of a remote execution
// instance served over the buildfarm socket protocol.
package stub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/service"
)

// Instance implements instance.Instance over a socket.
type Instance struct {
	name   string
	client *service.Client
	logger *slog.Logger
}

var _ instance.Instance = (*Instance)(nil)

// New returns a client for the instance called name served at
// socketPath.
func New(name, socketPath string, logger *slog.Logger) *Instance {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Instance{
		name:   name,
		client: service.NewClient(socketPath),
		logger: logger.With("instance", name),
	}
}

func (s *Instance) Name() string { return s.name }

// call adds the instance name to fields and restores ErrNotFound from
// the response.
func (s *Instance) call(ctx context.Context, action string, fields map[string]any, result any) error {
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["instance"] = s.name
	return instance.DecodeError(s.client.Call(ctx, action, fields, result))
}

func (s *Instance) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var response instance.FindMissingBlobsResponse
	err := s.call(ctx, instance.ActionFindMissingBlobs, map[string]any{"digests": digests}, &response)
	if err != nil {
		return nil, err
	}
	return response.Missing, nil
}

func (s *Instance) PutBlob(ctx context.Context, data []byte) (digest.Digest, error) {
	var response instance.PutBlobResponse
	if err := s.call(ctx, instance.ActionPutBlob, map[string]any{"data": data}, &response); err != nil {
		return digest.Digest{}, err
	}
	if expected := digest.Compute(data); response.Digest != expected {
		return digest.Digest{}, fmt.Errorf("instance stored blob as %s, expected %s", response.Digest, expected)
	}
	return response.Digest, nil
}

func (s *Instance) GetBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	var response instance.GetBlobResponse
	if err := s.call(ctx, instance.ActionGetBlob, map[string]any{"digest": d}, &response); err != nil {
		return nil, err
	}
	if actual := digest.Compute(response.Data); actual != d {
		return nil, fmt.Errorf("blob %s: received bytes hash to %s", d, actual)
	}
	return response.Data, nil
}

func (s *Instance) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*operation.ActionResult, error) {
	var result operation.ActionResult
	if err := s.call(ctx, instance.ActionGetActionResult, map[string]any{"action_digest": actionDigest}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Instance) PutActionResult(ctx context.Context, actionDigest digest.Digest, result *operation.ActionResult) error {
	return s.call(ctx, instance.ActionPutActionResult, map[string]any{
		"action_digest": actionDigest,
		"result":        result,
	}, nil)
}

func (s *Instance) Execute(ctx context.Context, actionDigest digest.Digest, skipCacheLookup bool) (*operation.Operation, error) {
	var op operation.Operation
	err := s.call(ctx, instance.ActionExecute, map[string]any{
		"action_digest":     actionDigest,
		"skip_cache_lookup": skipCacheLookup,
	}, &op)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Match takes one operation from the server (a long poll bounded by
// ctx) and offers it to onMatch. A declined operation is requeued when
// requeueOnFailure is set; one whose metadata cannot be read is
// dropped with a diagnostic.
func (s *Instance) Match(ctx context.Context, platform operation.Platform, requeueOnFailure bool, onMatch instance.MatchFunc) error {
	var op operation.Operation
	if err := s.call(ctx, instance.ActionTakeOperation, map[string]any{"platform": platform}, &op); err != nil {
		return err
	}
	s.logger.Debug("operation matched", "operation", op.Name)
	if onMatch(&op) || !requeueOnFailure {
		return nil
	}
	return instance.Requeue(ctx, s, &op, s.logger)
}

func (s *Instance) PutOperation(ctx context.Context, op *operation.Operation) error {
	return s.call(ctx, instance.ActionPutOperation, map[string]any{"operation": op}, nil)
}

func (s *Instance) PollOperation(ctx context.Context, name string, stage operation.Stage) (bool, error) {
	var response instance.PollOperationResponse
	err := s.call(ctx, instance.ActionPollOperation, map[string]any{"name": name, "stage": stage}, &response)
	if err != nil {
		return false, err
	}
	return response.Leased, nil
}

func (s *Instance) GetOperation(ctx context.Context, name string) (*operation.Operation, error) {
	var op operation.Operation
	if err := s.call(ctx, instance.ActionGetOperation, map[string]any{"name": name}, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Instance) WaitOperation(ctx context.Context, name string) (*operation.Operation, error) {
	var op operation.Operation
	if err := s.call(ctx, instance.ActionWaitOperation, map[string]any{"name": name}, &op); err != nil {
		return nil, err
	}
	return &op, nil
}
