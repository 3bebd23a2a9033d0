// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/execution"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// OperationContext is the unit of work passed between stages. It is
// never modified after construction: each With method returns a new
// context and leaves the receiver untouched, so a stage that hands a
// context downstream keeps a consistent copy for error routing.
type OperationContext struct {
	Operation *operation.Operation

	// Metadata is the decoded form of Operation.Metadata.
	Metadata operation.ExecuteOperationMetadata

	Action  *operation.Action
	Command *operation.Command

	// ExecDir is where the input tree was materialized. Empty until
	// input fetch succeeds.
	ExecDir string

	Result *execution.Result

	// Timing accumulates the worker-side timestamps reported in the
	// action result.
	Timing operation.ExecutionMetadata

	// Failure is set only on contexts travelling the error path.
	Failure *Failure
}

// NewOperationContext decodes op's metadata into a fresh context.
func NewOperationContext(op *operation.Operation, worker string, now time.Time) (*OperationContext, error) {
	if op == nil {
		return nil, fmt.Errorf("nil operation")
	}
	metadata, err := operation.UnpackMetadata(op.Metadata)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.Name, err)
	}
	return &OperationContext{
		Operation: op,
		Metadata:  metadata,
		Timing: operation.ExecutionMetadata{
			Worker:          worker,
			WorkerStartedAt: now,
		},
	}, nil
}

// Name returns the operation name.
func (oc *OperationContext) Name() string {
	if oc.Operation == nil {
		return ""
	}
	return oc.Operation.Name
}

func (oc *OperationContext) clone() *OperationContext {
	next := *oc
	return &next
}

// WithOperation replaces the operation, re-deriving Metadata from it.
func (oc *OperationContext) WithOperation(op *operation.Operation) (*OperationContext, error) {
	metadata, err := operation.UnpackMetadata(op.Metadata)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.Name, err)
	}
	next := oc.clone()
	next.Operation = op
	next.Metadata = metadata
	return next, nil
}

func (oc *OperationContext) WithAction(action *operation.Action, command *operation.Command) *OperationContext {
	next := oc.clone()
	next.Action = action
	next.Command = command
	return next
}

func (oc *OperationContext) WithExecDir(dir string) *OperationContext {
	next := oc.clone()
	next.ExecDir = dir
	return next
}

func (oc *OperationContext) WithResult(result *execution.Result) *OperationContext {
	next := oc.clone()
	next.Result = result
	return next
}

func (oc *OperationContext) WithTiming(timing operation.ExecutionMetadata) *OperationContext {
	next := oc.clone()
	next.Timing = timing
	return next
}

func (oc *OperationContext) WithFailure(failure *Failure) *OperationContext {
	next := oc.clone()
	next.Failure = failure
	return next
}
