// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/buildfarm/lib/codec"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// OperationPutter is the part of an Instance that Requeue needs.
type OperationPutter interface {
	PutOperation(ctx context.Context, op *operation.Operation) error
}

// Requeue returns op to the queue by resetting its stage marker to
// Queued. op itself is not modified.
//
// If op's metadata cannot be decoded the operation is dropped: the
// packed metadata is logged in diagnostic form at warn level and the
// returned error wraps ErrOperationDropped. Requeue never panics.
func Requeue(ctx context.Context, putter OperationPutter, op *operation.Operation, logger *slog.Logger) error {
	queued, err := op.WithStage(operation.StageQueued)
	if err != nil {
		if !errors.Is(err, operation.ErrMalformedMetadata) {
			return fmt.Errorf("requeueing %s: %w", op.Name, err)
		}
		diagnostic, diagnoseErr := codec.Diagnose(op.Metadata.Value)
		if diagnoseErr != nil {
			diagnostic = fmt.Sprintf("undecodable (%d bytes): %v", len(op.Metadata.Value), diagnoseErr)
		}
		logger.Warn("dropping operation with malformed metadata",
			"operation", op.Name,
			"type_url", op.Metadata.TypeURL,
			"metadata", diagnostic,
			"error", err,
		)
		return fmt.Errorf("%w: %s: %v", ErrOperationDropped, op.Name, err)
	}

	if err := putter.PutOperation(ctx, queued); err != nil {
		return fmt.Errorf("requeueing %s: %w", op.Name, err)
	}
	logger.Info("operation requeued", "operation", op.Name)
	return nil
}
