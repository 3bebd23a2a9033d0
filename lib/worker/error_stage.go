// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// FailureHandler is the error stage's processor. Admission failures
// are returned to the queue so another worker (or this one, later) can
// run them; processing failures complete the operation with a failed
// status. Operations whose lease was lost are left alone. After
// removes the exec directory.
type FailureHandler struct {
	Instance         instance.Instance
	RequeueOnFailure bool
	Logger           *slog.Logger
}

var _ AfterProcessor = (*FailureHandler)(nil)

func (h *FailureHandler) Tick(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	failure := oc.Failure
	if failure == nil {
		failure = &Failure{Kind: FailureProcessing, Err: errors.New("diverted without a reason")}
	}
	logger := h.Logger.With("operation", oc.Name(), "failure_kind", failure.Kind.String(), "failed_stage", failure.Stage)

	if errors.Is(failure.Err, ErrLeaseLost) {
		logger.Warn("abandoning operation whose lease was lost", "error", failure.Err)
		return oc, nil
	}

	if failure.Kind == FailureAdmission && h.RequeueOnFailure {
		err := instance.Requeue(ctx, h.Instance, oc.Operation, logger)
		if errors.Is(err, instance.ErrOperationDropped) {
			return oc, nil
		}
		if err != nil {
			return nil, fmt.Errorf("requeueing: %w", err)
		}
		logger.Info("operation requeued", "error", failure.Err)
		return oc, nil
	}

	status := failureStatus(failure)
	completed, err := oc.Operation.Complete(&operation.ExecuteResponse{Status: status})
	if err != nil {
		// Unreadable metadata: nothing sensible can be published.
		logger.Warn("dropping operation with unreadable metadata", "error", err)
		return oc, nil
	}
	if err := h.Instance.PutOperation(ctx, completed); err != nil {
		return nil, fmt.Errorf("publishing failure: %w", err)
	}
	logger.Warn("operation failed", "status", status.Code.String(), "error", failure.Err)
	return oc.WithOperation(completed)
}

func (h *FailureHandler) After(_ context.Context, oc *OperationContext) {
	removeExecDir(oc, h.Logger)
}

// failureStatus maps a failure to the status reported to the client.
func failureStatus(failure *Failure) operation.Status {
	code := operation.StatusInternal
	switch {
	case failure.Kind == FailureAdmission:
		code = operation.StatusUnavailable
	case errors.Is(failure.Err, instance.ErrNotFound):
		code = operation.StatusFailedPrecondition
	case errors.Is(failure.Err, context.Canceled):
		code = operation.StatusCancelled
	}
	return operation.Status{Code: code, Message: failure.Error()}
}
