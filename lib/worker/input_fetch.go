// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/buildfarm/lib/cas"
	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// InputFetcher prepares an operation for execution: it confirms the
// lease, loads the action and command, and materializes the input
// tree into a fresh exec directory under Root.
type InputFetcher struct {
	Instance instance.Instance
	Root     string

	// Cache holds blobs fetched for earlier operations. Optional.
	Cache *cas.Store

	Logger *slog.Logger
}

func (f *InputFetcher) Tick(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	execDir, err := ExecDir(f.Root, oc.Name())
	if err != nil {
		return nil, err
	}

	leased, err := f.Instance.PollOperation(ctx, oc.Name(), operation.StageQueued)
	if err != nil && !errors.Is(err, instance.ErrNotFound) {
		return nil, fmt.Errorf("polling operation: %w", err)
	}
	if !leased {
		return nil, ErrLeaseLost
	}

	var action operation.Action
	if err := f.fetchMessage(ctx, oc.Metadata.ActionDigest, &action); err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	var command operation.Command
	if err := f.fetchMessage(ctx, action.CommandDigest, &command); err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}

	if err := os.RemoveAll(execDir); err != nil {
		return nil, fmt.Errorf("clearing exec directory: %w", err)
	}
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating exec directory: %w", err)
	}
	if err := f.materialize(ctx, action.InputRootDigest, execDir); err != nil {
		os.RemoveAll(execDir)
		return nil, fmt.Errorf("input tree: %w", err)
	}
	f.Logger.Debug("inputs fetched", "operation", oc.Name(), "exec_dir", execDir)
	// The exec directory now travels with the context and is removed
	// by whichever stage finishes with it.
	return oc.WithAction(&action, &command).WithExecDir(execDir), nil
}

// ExecDir returns the exec directory for an operation: one entry of
// root/exec named after the operation with "/" replaced by "_". Names
// that do not reduce to a single entry ("", ".", "..") are rejected.
func ExecDir(root, operationName string) (string, error) {
	entry := strings.ReplaceAll(operationName, "/", "_")
	if !isEntryName(entry) {
		return "", fmt.Errorf("operation name %q cannot name an exec directory", operationName)
	}
	return filepath.Join(root, "exec", entry), nil
}

func (f *InputFetcher) fetchMessage(ctx context.Context, d digest.Digest, target any) error {
	data, err := f.fetchBlob(ctx, d)
	if err != nil {
		return err
	}
	return operation.Decode(data, target)
}

// fetchBlob reads through the local cache.
func (f *InputFetcher) fetchBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	if f.Cache != nil {
		if data, err := f.Cache.Get(d); err == nil {
			return data, nil
		}
	}
	data, err := f.Instance.GetBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	if f.Cache != nil {
		if err := f.Cache.PutDigest(d, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (f *InputFetcher) materialize(ctx context.Context, d digest.Digest, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var directory operation.Directory
	if err := f.fetchMessage(ctx, d, &directory); err != nil {
		return fmt.Errorf("directory %s: %w", d.Short(), err)
	}
	for _, file := range directory.Files {
		if !isEntryName(file.Name) {
			return fmt.Errorf("invalid file name %q", file.Name)
		}
		data, err := f.fetchBlob(ctx, file.Digest)
		if err != nil {
			return fmt.Errorf("file %s: %w", file.Name, err)
		}
		mode := os.FileMode(0o644)
		if file.Executable {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dir, file.Name), data, mode); err != nil {
			return err
		}
	}
	for _, child := range directory.Directories {
		if !isEntryName(child.Name) {
			return fmt.Errorf("invalid directory name %q", child.Name)
		}
		path := filepath.Join(dir, child.Name)
		if err := os.Mkdir(path, 0o755); err != nil {
			return err
		}
		if err := f.materialize(ctx, child.Digest, path); err != nil {
			return fmt.Errorf("%s/%w", child.Name, err)
		}
	}
	return nil
}

// isEntryName reports whether name is a single path component.
func isEntryName(name string) bool {
	return name != "" && name != "." && filepath.IsLocal(name) && !strings.ContainsRune(name, filepath.Separator)
}
