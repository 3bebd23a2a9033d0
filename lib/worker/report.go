// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// ResultReporter uploads an execution's outputs, records the action
// result, and completes the operation. After removes the exec
// directory.
type ResultReporter struct {
	Instance instance.Instance
	Clock    clock.Clock
	Logger   *slog.Logger
}

var _ AfterProcessor = (*ResultReporter)(nil)

func (r *ResultReporter) Tick(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	if oc.Result == nil || oc.Action == nil || oc.Command == nil {
		return nil, fmt.Errorf("operation %s has no execution result", oc.Name())
	}

	uploads := make(map[digest.Digest][]byte)
	stage := func(data []byte) digest.Digest {
		d := digest.Compute(data)
		uploads[d] = data
		return d
	}

	result := &operation.ActionResult{
		ExitCode:     oc.Result.ExitCode,
		StdoutDigest: stage(oc.Result.Stdout),
		StderrDigest: stage(oc.Result.Stderr),
	}
	workingDirectory := filepath.Join(oc.ExecDir, oc.Command.WorkingDirectory)
	for _, path := range oc.Command.OutputFiles {
		data, executable, err := readOutput(filepath.Join(workingDirectory, path))
		if errors.Is(err, fs.ErrNotExist) {
			// Declared outputs the command did not produce are
			// simply absent from the result.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", path, err)
		}
		result.OutputFiles = append(result.OutputFiles, operation.OutputFile{
			Path:       path,
			Digest:     stage(data),
			Executable: executable,
		})
	}

	if err := r.upload(ctx, uploads); err != nil {
		return nil, err
	}

	timing := oc.Timing
	timing.OutputUploadCompletedAt = r.Clock.Now()
	timing.WorkerCompletedAt = timing.OutputUploadCompletedAt
	result.ExecutionMetadata = timing

	response := &operation.ExecuteResponse{Result: result, Status: operation.Status{Code: operation.StatusOK}}
	if oc.Result.TimedOut {
		response.Status = operation.Status{
			Code:    operation.StatusDeadlineExceeded,
			Message: "execution timed out",
		}
	}
	if response.Status.OK() && result.ExitCode == 0 && !oc.Action.DoNotCache {
		if err := r.Instance.PutActionResult(ctx, oc.Metadata.ActionDigest, result); err != nil {
			return nil, fmt.Errorf("caching action result: %w", err)
		}
	}

	completed, err := oc.Operation.Complete(response)
	if err != nil {
		return nil, err
	}
	if err := r.Instance.PutOperation(ctx, completed); err != nil {
		return nil, fmt.Errorf("completing operation: %w", err)
	}
	next, err := oc.WithOperation(completed)
	if err != nil {
		return nil, err
	}
	r.Logger.Info("operation completed", "operation", oc.Name(),
		"exit_code", result.ExitCode, "outputs", len(result.OutputFiles))
	return next.WithTiming(timing), nil
}

// upload sends the blobs the instance does not already hold.
func (r *ResultReporter) upload(ctx context.Context, blobs map[digest.Digest][]byte) error {
	digests := make([]digest.Digest, 0, len(blobs))
	for d := range blobs {
		digests = append(digests, d)
	}
	missing, err := r.Instance.FindMissingBlobs(ctx, digests)
	if err != nil {
		return fmt.Errorf("finding missing blobs: %w", err)
	}
	for _, d := range missing {
		if _, err := r.Instance.PutBlob(ctx, blobs[d]); err != nil {
			return fmt.Errorf("uploading %s: %w", d.Short(), err)
		}
	}
	return nil
}

func (r *ResultReporter) After(_ context.Context, oc *OperationContext) {
	removeExecDir(oc, r.Logger)
}

func readOutput(path string) ([]byte, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	if !info.Mode().IsRegular() {
		return nil, false, fmt.Errorf("not a regular file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	return data, info.Mode()&0o111 != 0, nil
}

func removeExecDir(oc *OperationContext, logger *slog.Logger) {
	if oc.ExecDir == "" {
		return
	}
	if err := os.RemoveAll(oc.ExecDir); err != nil {
		logger.Warn("removing exec directory failed", "operation", oc.Name(), "exec_dir", oc.ExecDir, "error", err)
	}
}
