// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/actiondef"
	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/execution"
	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/instance/memory"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/testutil"
)

// startWorker runs a worker against inst until the test ends. Each
// configure function may adjust the options before New.
func startWorker(t *testing.T, inst instance.Instance, width int, configure ...func(*Options)) (*Worker, string, context.CancelFunc, <-chan error) {
	t.Helper()
	root := t.TempDir()
	options := Options{
		Name:              "test-worker",
		Root:              root,
		RequeueOnFailure:  true,
		InputFetchWidth:   1,
		ExecuteWidth:      width,
		ReportResultWidth: 1,
		PollPeriod:        time.Second,
		ShutdownTimeout:   waitTimeout,
		InputCacheBytes:   1 << 20,
		Instance:          inst,
		Runner:            &execution.ProcessRunner{DefaultTimeout: time.Minute, OutputLimit: 1 << 20},
	}
	for _, fn := range configure {
		fn(&options)
	}
	w, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- w.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(2 * waitTimeout):
			t.Error("worker did not stop")
		}
	})
	return w, root, cancel, done
}

func waitDone(t *testing.T, inst *memory.Instance, op *operation.Operation) *operation.Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()
	done, err := inst.WaitOperation(ctx, op.Name)
	if err != nil {
		t.Fatalf("WaitOperation(%s): %v", op.Name, err)
	}
	if done.Response == nil {
		t.Fatalf("%s completed without a response", op.Name)
	}
	return done
}

func blobString(t *testing.T, inst *memory.Instance, d digest.Digest) string {
	t.Helper()
	data, err := inst.GetBlob(context.Background(), d)
	if err != nil {
		t.Fatalf("GetBlob(%s): %v", d, err)
	}
	return string(data)
}

func TestWorkerExecutesAction(t *testing.T) {
	inst := newMemoryInstance(t)
	w, root, _, _ := startWorker(t, inst, 2)

	definition := shellAction("cat input/greeting; echo warning >&2; mkdir -p out; printf built > out/result")
	definition.Inputs = []actiondef.Input{{Path: "input/greeting", Content: "hello\n"}}
	definition.OutputFiles = []string{"out/result", "out/never-written"}
	op := submit(t, inst, definition)

	done := waitDone(t, inst, op)
	response := done.Response
	if !response.Status.OK() || response.Result == nil {
		t.Fatalf("response = %+v", response)
	}
	result := response.Result
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d", result.ExitCode)
	}
	if got := blobString(t, inst, result.StdoutDigest); got != "hello\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := blobString(t, inst, result.StderrDigest); got != "warning\n" {
		t.Errorf("stderr = %q", got)
	}
	if len(result.OutputFiles) != 1 || result.OutputFiles[0].Path != "out/result" {
		t.Fatalf("OutputFiles = %+v", result.OutputFiles)
	}
	if got := blobString(t, inst, result.OutputFiles[0].Digest); got != "built" {
		t.Errorf("out/result = %q", got)
	}
	metadata := result.ExecutionMetadata
	if metadata.Worker != "test-worker" || metadata.ExecutionStartedAt.IsZero() ||
		metadata.ExecutionCompletedAt.Before(metadata.ExecutionStartedAt) {
		t.Errorf("execution metadata = %+v", metadata)
	}

	stage, err := operation.UnpackMetadata(done.Metadata)
	if err != nil || stage.Stage != operation.StageCompleted {
		t.Errorf("final metadata = %+v, %v", stage, err)
	}
	if _, err := inst.GetActionResult(context.Background(), stage.ActionDigest); err != nil {
		t.Errorf("successful result not cached: %v", err)
	}
	execDir, err := ExecDir(root, op.Name)
	if err != nil {
		t.Fatalf("ExecDir: %v", err)
	}
	if _, err := os.Stat(execDir); !os.IsNotExist(err) {
		t.Errorf("exec directory left behind: %v", err)
	}
	waitForStats(t, w, Stats{Completed: 1})
}

func TestWorkerReportsNonZeroExit(t *testing.T) {
	inst := newMemoryInstance(t)
	startWorker(t, inst, 1)

	op := submit(t, inst, shellAction("echo failing; exit 3"))
	done := waitDone(t, inst, op)
	if done.Response.Result == nil || done.Response.Result.ExitCode != 3 {
		t.Fatalf("response = %+v", done.Response)
	}
	metadata, _ := operation.UnpackMetadata(done.Metadata)
	if _, err := inst.GetActionResult(context.Background(), metadata.ActionDigest); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("failing result cached: %v", err)
	}
}

func TestWorkerFailsOperationWithMissingInput(t *testing.T) {
	inst := newMemoryInstance(t)
	w, _, _, _ := startWorker(t, inst, 1)

	definition := shellAction("cat data")
	definition.Inputs = []actiondef.Input{{Path: "data", Content: "never uploaded"}}
	op := submit(t, inst, definition, "never uploaded")

	done := waitDone(t, inst, op)
	if done.Response.Status.Code != operation.StatusFailedPrecondition {
		t.Errorf("status = %+v, want failed precondition", done.Response.Status)
	}
	if done.Response.Result != nil {
		t.Errorf("failed operation carries a result: %+v", done.Response.Result)
	}
	waitForStats(t, w, Stats{Failed: 1})
}

func TestWorkerRunsActionsConcurrently(t *testing.T) {
	inst := newMemoryInstance(t)
	startWorker(t, inst, 3)

	// Each action waits for the others to start, so they can only
	// all finish if they run at the same time.
	barrier := t.TempDir()
	var ops []*operation.Operation
	for _, name := range []string{"a", "b", "c"} {
		script := "touch " + filepath.Join(barrier, name) + "; " +
			"for i in $(seq 100); do [ $(ls " + barrier + " | wc -l) -ge 3 ] && exit 0; sleep 0.05; done; exit 1"
		ops = append(ops, submit(t, inst, shellAction(script)))
	}
	for _, op := range ops {
		done := waitDone(t, inst, op)
		if done.Response.Result == nil || done.Response.Result.ExitCode != 0 {
			t.Errorf("%s: response %+v", op.Name, done.Response)
		}
	}
}

func TestWorkerGracefulShutdownFinishesRunningAction(t *testing.T) {
	inst := newMemoryInstance(t)
	_, _, stop, done := startWorker(t, inst, 1)

	op := submit(t, inst, shellAction("sleep 0.5; echo finished"))
	waitForStage(t, inst, op.Name, operation.StageExecuting)
	stop()

	if err := testutil.RequireReceive(t, done, 2*waitTimeout, "worker exit"); err != nil {
		t.Errorf("Run = %v", err)
	}
	final, err := inst.GetOperation(context.Background(), op.Name)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !final.Done || final.Response == nil || final.Response.Result == nil {
		t.Fatalf("operation not completed before shutdown: %+v", final)
	}
	if got := blobString(t, inst, final.Response.Result.StdoutDigest); got != "finished\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestWorkerShutdownTimeoutStillReportsRunningAction(t *testing.T) {
	inst := newMemoryInstance(t)
	w, _, stop, done := startWorker(t, inst, 1, func(options *Options) {
		options.ShutdownTimeout = 250 * time.Millisecond
	})

	op := submit(t, inst, shellAction("sleep 1; echo finished"))
	waitForStage(t, inst, op.Name, operation.StageExecuting)
	stop()

	// The drain gives up long before the action ends; the action must
	// still run to completion and be reported.
	if err := testutil.RequireReceive(t, done, 2*waitTimeout, "worker exit"); err != nil {
		t.Errorf("Run = %v", err)
	}
	final, err := inst.GetOperation(context.Background(), op.Name)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !final.Done || final.Response == nil || final.Response.Result == nil {
		t.Fatalf("running action not reported after shutdown timeout: %+v", final)
	}
	if !final.Response.Status.OK() || final.Response.Result.ExitCode != 0 {
		t.Errorf("response = %+v", final.Response)
	}
	if got := blobString(t, inst, final.Response.Result.StdoutDigest); got != "finished\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := w.Stats(); got != (Stats{Completed: 1}) {
		t.Errorf("Stats = %+v, want one completion", got)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	inst := newMemoryInstance(t)
	runner := &execution.ProcessRunner{}
	tests := []struct {
		name    string
		options Options
	}{
		{"no instance", Options{Root: t.TempDir(), PollPeriod: time.Second, Runner: runner}},
		{"no runner", Options{Root: t.TempDir(), PollPeriod: time.Second, Instance: inst}},
		{"no root", Options{PollPeriod: time.Second, Instance: inst, Runner: runner}},
		{"no poll period", Options{Root: t.TempDir(), Instance: inst, Runner: runner}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.options); err == nil {
				t.Error("New accepted invalid options")
			}
		})
	}
}

func waitForStage(t *testing.T, inst *memory.Instance, name string, want operation.Stage) {
	t.Helper()
	deadline := time.Now().Add(2 * waitTimeout)
	for time.Now().Before(deadline) {
		op, err := inst.GetOperation(context.Background(), name)
		if err == nil {
			if metadata, err := operation.UnpackMetadata(op.Metadata); err == nil && metadata.Stage == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never reached stage %s", name, want)
}

// waitForStats waits for the sinks to count what the instance already
// shows: a sink runs just after the operation is published.
func waitForStats(t *testing.T, w *Worker, want Stats) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for w.Stats() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Stats = %+v, want %+v", w.Stats(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
