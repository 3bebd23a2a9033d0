// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/actiondef"
	"github.com/bureau-foundation/buildfarm/lib/instance/memory"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/opqueue"
)

// newMemoryInstance returns an in-process instance backed by a
// throwaway queue database.
func newMemoryInstance(t *testing.T) *memory.Instance {
	t.Helper()
	queue, err := opqueue.Open(context.Background(), opqueue.Config{
		Path:          filepath.Join(t.TempDir(), "queue.db"),
		LeaseDuration: time.Minute,
	})
	if err != nil {
		t.Fatalf("opqueue.Open: %v", err)
	}
	t.Cleanup(func() { queue.Close() })
	return memory.New("test", queue, nil, nil)
}

// submit uploads definition's blobs and enqueues it.
func submit(t *testing.T, inst *memory.Instance, definition *actiondef.Definition, skip ...string) *operation.Operation {
	t.Helper()
	ctx := context.Background()
	bundle, err := actiondef.Build(definition, t.TempDir())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	skipped := make(map[string]bool, len(skip))
	for _, content := range skip {
		skipped[content] = true
	}
	for _, data := range bundle.Blobs {
		if skipped[string(data)] {
			continue
		}
		if _, err := inst.PutBlob(ctx, data); err != nil {
			t.Fatalf("PutBlob: %v", err)
		}
	}
	op, err := inst.Execute(ctx, bundle.ActionDigest, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return op
}

// shellAction runs script with the test's PATH.
func shellAction(script string) *actiondef.Definition {
	return &actiondef.Definition{
		Arguments:   []string{"sh", "-c", script},
		Environment: map[string]string{"PATH": os.Getenv("PATH")},
	}
}
