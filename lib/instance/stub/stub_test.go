// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stub

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/instance/memory"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/opqueue"
	"github.com/bureau-foundation/buildfarm/lib/service"
	"github.com/bureau-foundation/buildfarm/lib/testutil"
)

// serve runs server until the test ends.
func serve(t *testing.T, server *service.SocketServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")
}

// startMemoryInstance serves a memory instance named "main" and returns
// a stub connected to it.
func startMemoryInstance(t *testing.T) *Instance {
	t.Helper()
	queue, err := opqueue.Open(context.Background(), opqueue.Config{
		Path:          filepath.Join(t.TempDir(), "queue.db"),
		LeaseDuration: time.Minute,
	})
	if err != nil {
		t.Fatalf("opqueue.Open: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	socketPath := filepath.Join(testutil.SocketDir(t), "instance.sock")
	server := service.NewSocketServer(socketPath, nil)
	memory.New("main", queue, nil, nil).RegisterHandlers(server)
	serve(t, server)
	return New("main", socketPath, nil)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBlobs(t *testing.T) {
	inst := startMemoryInstance(t)
	ctx := testContext(t)

	data := []byte("some blob contents")
	d, err := inst.PutBlob(ctx, data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if d != digest.Compute(data) {
		t.Errorf("PutBlob digest = %s, want %s", d, digest.Compute(data))
	}

	got, err := inst.GetBlob(ctx, d)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("GetBlob = %q, want %q", got, data)
	}

	absent := digest.Compute([]byte("absent"))
	missing, err := inst.FindMissingBlobs(ctx, []digest.Digest{d, absent})
	if err != nil {
		t.Fatalf("FindMissingBlobs: %v", err)
	}
	if len(missing) != 1 || missing[0] != absent {
		t.Errorf("FindMissingBlobs = %v, want [%s]", missing, absent)
	}

	if _, err := inst.GetBlob(ctx, absent); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("GetBlob(absent) = %v, want ErrNotFound", err)
	}
}

func TestActionCache(t *testing.T) {
	inst := startMemoryInstance(t)
	ctx := testContext(t)
	actionDigest := digest.Compute([]byte("action"))

	if _, err := inst.GetActionResult(ctx, actionDigest); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("GetActionResult before put = %v, want ErrNotFound", err)
	}
	result := &operation.ActionResult{ExitCode: 3, StdoutDigest: digest.Compute([]byte("out"))}
	if err := inst.PutActionResult(ctx, actionDigest, result); err != nil {
		t.Fatalf("PutActionResult: %v", err)
	}
	got, err := inst.GetActionResult(ctx, actionDigest)
	if err != nil {
		t.Fatalf("GetActionResult: %v", err)
	}
	if got.ExitCode != 3 || got.StdoutDigest != result.StdoutDigest {
		t.Errorf("GetActionResult = %+v, want %+v", got, result)
	}
}

func TestOperationLifecycle(t *testing.T) {
	inst := startMemoryInstance(t)
	ctx := testContext(t)

	commandData, commandDigest, err := operation.Encode(operation.Command{Arguments: []string{"true"}})
	if err != nil {
		t.Fatal(err)
	}
	actionData, actionDigest, err := operation.Encode(operation.Action{CommandDigest: commandDigest})
	if err != nil {
		t.Fatal(err)
	}
	for _, data := range [][]byte{commandData, actionData} {
		if _, err := inst.PutBlob(ctx, data); err != nil {
			t.Fatalf("PutBlob: %v", err)
		}
	}

	queued, err := inst.Execute(ctx, actionDigest, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var matched *operation.Operation
	err = inst.Match(ctx, operation.Platform{}, true, func(op *operation.Operation) bool {
		matched = op
		return true
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched == nil || matched.Name != queued.Name {
		t.Fatalf("Match delivered %v, want %s", matched, queued.Name)
	}

	executing, err := matched.WithStage(operation.StageExecuting)
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.PutOperation(ctx, executing); err != nil {
		t.Fatalf("PutOperation: %v", err)
	}
	leased, err := inst.PollOperation(ctx, matched.Name, operation.StageExecuting)
	if err != nil || !leased {
		t.Fatalf("PollOperation = %v, %v; want leased", leased, err)
	}

	waited := make(chan *operation.Operation, 1)
	go func() {
		op, err := inst.WaitOperation(ctx, matched.Name)
		if err != nil {
			t.Errorf("WaitOperation: %v", err)
		}
		waited <- op
	}()

	completed, err := executing.Complete(&operation.ExecuteResponse{Result: &operation.ActionResult{ExitCode: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.PutOperation(ctx, completed); err != nil {
		t.Fatalf("PutOperation(completed): %v", err)
	}
	final := testutil.RequireReceive(t, waited, 5*time.Second, "waiting for completion")
	if final == nil || !final.Done {
		t.Fatalf("WaitOperation returned %+v, want done", final)
	}

	got, err := inst.GetOperation(ctx, matched.Name)
	if err != nil || !got.Done {
		t.Errorf("GetOperation = %+v, %v", got, err)
	}
	if _, err := inst.GetOperation(ctx, "operations/absent"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("GetOperation(absent) = %v, want ErrNotFound", err)
	}
}

func TestMatchHonoursContext(t *testing.T) {
	inst := startMemoryInstance(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := inst.Match(ctx, operation.Platform{}, true, func(*operation.Operation) bool {
		t.Error("onMatch called on an empty queue")
		return true
	})
	if err == nil {
		t.Fatal("Match on an empty queue returned nil")
	}
}

func TestWrongInstanceRejected(t *testing.T) {
	inst := startMemoryInstance(t)
	other := New("other", inst.client.SocketPath(), nil)
	_, err := other.FindMissingBlobs(testContext(t), nil)
	if err == nil || !strings.Contains(err.Error(), "unknown instance") {
		t.Errorf("FindMissingBlobs on wrong instance = %v", err)
	}
}

func TestMatchDropsUnreadableOperation(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "instance.sock")
	server := service.NewSocketServer(socketPath, nil)
	var puts atomic.Int32
	server.Handle(instance.ActionTakeOperation, func(context.Context, []byte) (any, error) {
		return &operation.Operation{
			Name: "operations/garbled",
			Metadata: operation.Any{
				TypeURL: operation.MetadataTypeURL,
				Value:   []byte{0xa1, 0x65},
			},
		}, nil
	})
	server.Handle(instance.ActionPutOperation, func(context.Context, []byte) (any, error) {
		puts.Add(1)
		return nil, nil
	})
	serve(t, server)

	inst := New("main", socketPath, nil)
	err := inst.Match(testContext(t), operation.Platform{}, true, func(*operation.Operation) bool { return false })
	if !errors.Is(err, instance.ErrOperationDropped) {
		t.Errorf("Match = %v, want ErrOperationDropped", err)
	}
	if puts.Load() != 0 {
		t.Errorf("unreadable operation was put back %d times", puts.Load())
	}
}
