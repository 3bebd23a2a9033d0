// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/buildfarm/lib/codec"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/service"
)

// RegisterHandlers exposes the instance on server. Requests naming a
// different instance are rejected.
func (i *Instance) RegisterHandlers(server *service.SocketServer) {
	server.Handle(instance.ActionFindMissingBlobs, handle(i, func(ctx context.Context, request *instance.FindMissingBlobsRequest) (any, error) {
		missing, err := i.FindMissingBlobs(ctx, request.Digests)
		if err != nil {
			return nil, err
		}
		return instance.FindMissingBlobsResponse{Missing: missing}, nil
	}))

	server.Handle(instance.ActionPutBlob, handle(i, func(ctx context.Context, request *instance.PutBlobRequest) (any, error) {
		d, err := i.PutBlob(ctx, request.Data)
		if err != nil {
			return nil, err
		}
		return instance.PutBlobResponse{Digest: d}, nil
	}))

	server.Handle(instance.ActionGetBlob, handle(i, func(ctx context.Context, request *instance.GetBlobRequest) (any, error) {
		data, err := i.GetBlob(ctx, request.Digest)
		if err != nil {
			return nil, err
		}
		return instance.GetBlobResponse{Data: data}, nil
	}))

	server.Handle(instance.ActionGetActionResult, handle(i, func(ctx context.Context, request *instance.GetActionResultRequest) (any, error) {
		return i.GetActionResult(ctx, request.ActionDigest)
	}))

	server.Handle(instance.ActionPutActionResult, handle(i, func(ctx context.Context, request *instance.PutActionResultRequest) (any, error) {
		return nil, i.PutActionResult(ctx, request.ActionDigest, request.Result)
	}))

	server.Handle(instance.ActionExecute, handle(i, func(ctx context.Context, request *instance.ExecuteRequest) (any, error) {
		return i.Execute(ctx, request.ActionDigest, request.SkipCacheLookup)
	}))

	server.Handle(instance.ActionTakeOperation, handle(i, func(ctx context.Context, request *instance.TakeOperationRequest) (any, error) {
		return i.TakeOperation(ctx, request.Platform)
	}))

	server.Handle(instance.ActionPutOperation, handle(i, func(ctx context.Context, request *instance.PutOperationRequest) (any, error) {
		if request.Operation == nil {
			return nil, fmt.Errorf("missing operation")
		}
		return nil, i.PutOperation(ctx, request.Operation)
	}))

	server.Handle(instance.ActionPollOperation, handle(i, func(ctx context.Context, request *instance.PollOperationRequest) (any, error) {
		leased, err := i.PollOperation(ctx, request.Name, request.Stage)
		if err != nil {
			return nil, err
		}
		return instance.PollOperationResponse{Leased: leased}, nil
	}))

	server.Handle(instance.ActionGetOperation, handle(i, func(ctx context.Context, request *instance.OperationNameRequest) (any, error) {
		return i.GetOperation(ctx, request.Name)
	}))

	server.Handle(instance.ActionWaitOperation, handle(i, func(ctx context.Context, request *instance.OperationNameRequest) (any, error) {
		return i.WaitOperation(ctx, request.Name)
	}))
}

// handle adapts a typed handler to service.ActionFunc: it decodes the
// request, checks the instance name, and encodes errors for the wire.
func handle[R any](i *Instance, fn func(context.Context, *R) (any, error)) service.ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		var request R
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		var header instance.RequestHeader
		if err := codec.Unmarshal(raw, &header); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if header.Instance != i.name {
			return nil, fmt.Errorf("unknown instance %q", header.Instance)
		}
		result, err := fn(ctx, &request)
		if err != nil {
			return nil, instance.EncodeError(err)
		}
		return result, nil
	}
}
