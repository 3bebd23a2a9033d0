// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/bureau-foundation/buildfarm/lib/actiondef"
	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/process"
)

type submitOptions struct {
	SkipCacheLookup bool
	Wait            bool

	// Stdout receives the operation name, or with Wait the action's
	// stdout. Stderr receives the action's stderr.
	Stdout io.Writer
	Stderr io.Writer
}

func submit(ctx context.Context, inst instance.Instance, bundle *actiondef.Bundle, options submitOptions) error {
	if err := upload(ctx, inst, bundle.Blobs); err != nil {
		return err
	}

	op, err := inst.Execute(ctx, bundle.ActionDigest, options.SkipCacheLookup)
	if err != nil {
		return fmt.Errorf("executing %s: %w", bundle.ActionDigest.Short(), err)
	}
	if !options.Wait {
		fmt.Fprintln(options.Stdout, op.Name)
		return nil
	}

	if !op.Done {
		name := op.Name
		op, err = inst.WaitOperation(ctx, name)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", name, err)
		}
	}
	return relay(ctx, inst, op, options.Stdout, options.Stderr)
}

// upload sends the blobs the instance reports missing.
func upload(ctx context.Context, inst instance.Instance, blobs map[digest.Digest][]byte) error {
	missing, err := inst.FindMissingBlobs(ctx, slices.Collect(maps.Keys(blobs)))
	if err != nil {
		return fmt.Errorf("finding missing blobs: %w", err)
	}
	for _, d := range missing {
		if _, err := inst.PutBlob(ctx, blobs[d]); err != nil {
			return fmt.Errorf("uploading %s: %w", d.Short(), err)
		}
	}
	return nil
}

// relay writes a completed operation's output and turns its outcome
// into the process exit status.
func relay(ctx context.Context, inst instance.Instance, op *operation.Operation, stdout, stderr io.Writer) error {
	response := op.Response
	if response == nil {
		return fmt.Errorf("%s completed without a response", op.Name)
	}

	if result := response.Result; result != nil {
		for _, stream := range []struct {
			digest digest.Digest
			w      io.Writer
		}{
			{result.StdoutDigest, stdout},
			{result.StderrDigest, stderr},
		} {
			if stream.digest.IsZero() || stream.digest.Size == 0 {
				continue
			}
			data, err := inst.GetBlob(ctx, stream.digest)
			if err != nil {
				return fmt.Errorf("fetching output of %s: %w", op.Name, err)
			}
			if _, err := stream.w.Write(data); err != nil {
				return err
			}
		}
	}

	if !response.Status.OK() {
		message := response.Status.Code.String()
		if response.Status.Message != "" {
			message += ": " + response.Status.Message
		}
		return fmt.Errorf("%s failed: %s", op.Name, message)
	}
	if response.Result == nil {
		return fmt.Errorf("%s completed without a result", op.Name)
	}
	if code := response.Result.ExitCode; code != 0 {
		return &process.ExitError{Code: int(code)}
	}
	return nil
}
