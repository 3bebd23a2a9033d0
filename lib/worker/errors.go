// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrStageClosed is returned by Offer once a stage has shut down
	// and will not process anything more.
	ErrStageClosed = errors.New("stage closed")

	// ErrInboxFull is returned by Offer when the inbox has no room,
	// which only happens when the caller offered without a claim.
	ErrInboxFull = errors.New("stage inbox full")

	// ErrUnheldPermit is the panic value (wrapped) when a permit is
	// released that was never claimed or was already released.
	ErrUnheldPermit = errors.New("release of a permit that is not held")

	// ErrLeaseLost means the queue no longer considers this worker
	// the owner of the operation. The operation must not be
	// completed or requeued by this worker.
	ErrLeaseLost = errors.New("operation lease lost")

	// errDrained is returned by take when the stage has nothing left
	// to do.
	errDrained = errors.New("stage drained")

	// errNoResult is reported when a processor returns neither a
	// result nor an error.
	errNoResult = errors.New("processor produced no result")
)

// FailureKind distinguishes why a context was diverted to the error
// stage, so the error stage can choose between retrying and failing.
type FailureKind int

const (
	// FailureProcessing means the stage's own work on the context
	// failed. Retrying would most likely fail again.
	FailureProcessing FailureKind = iota + 1

	// FailureAdmission means the work succeeded (or was never
	// attempted) but the next stage would not accept the context,
	// because it was closed or the pipeline was interrupted. The
	// operation is safe to retry elsewhere.
	FailureAdmission
)

func (k FailureKind) String() string {
	switch k {
	case FailureProcessing:
		return "processing"
	case FailureAdmission:
		return "admission"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Failure records why a context left the success path.
type Failure struct {
	Kind FailureKind

	// Stage names the stage that diverted the context.
	Stage string

	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure in stage %s: %v", f.Kind, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// unheldPermit panics with an error wrapping ErrUnheldPermit.
func unheldPermit(stage string) {
	panic(fmt.Errorf("stage %s: %w", stage, ErrUnheldPermit))
}
