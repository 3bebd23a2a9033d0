// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// Request describes one execution.
type Request struct {
	// Operation names the operation, for logging.
	Operation string

	Command *operation.Command

	// ExecDir is the directory the input tree was materialized into.
	// Command.WorkingDirectory and output paths are relative to it.
	ExecDir string

	// Timeout is the action's requested timeout. Zero selects the
	// runner's default.
	Timeout time.Duration
}

// Result is the outcome of a command that ran.
type Result struct {
	ExitCode int32

	Stdout []byte
	Stderr []byte

	// StdoutTruncated and StderrTruncated report that the stream
	// exceeded the runner's output limit and only its prefix was
	// kept.
	StdoutTruncated bool
	StderrTruncated bool

	// TimedOut is set when the command was killed at its timeout.
	// ExitCode is -1 in that case.
	TimedOut bool

	StartedAt   time.Time
	CompletedAt time.Time
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, request Request) (Result, error)
}

// ProcessRunner runs commands as child processes.
type ProcessRunner struct {
	// DefaultTimeout applies when the request carries none.
	DefaultTimeout time.Duration

	// MaxTimeout caps the requested timeout. Zero means no cap.
	MaxTimeout time.Duration

	// OutputLimit bounds how many bytes of each of stdout and stderr
	// are kept. Zero means unbounded.
	OutputLimit int64

	// GracePeriod is the time between SIGTERM and SIGKILL on
	// timeout. Zero sends SIGKILL immediately.
	GracePeriod time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

var _ Runner = (*ProcessRunner)(nil)

// EffectiveTimeout returns the timeout a request will run under.
func (r *ProcessRunner) EffectiveTimeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if r.MaxTimeout > 0 && (timeout <= 0 || timeout > r.MaxTimeout) {
		timeout = r.MaxTimeout
	}
	return timeout
}

// Run executes request.Command. Cancelling ctx kills the process group
// and returns ctx's error.
func (r *ProcessRunner) Run(ctx context.Context, request Request) (Result, error) {
	if request.Command == nil || len(request.Command.Arguments) == 0 {
		return Result{}, errors.New("command has no arguments")
	}
	workingDirectory, err := resolveInside(request.ExecDir, request.Command.WorkingDirectory)
	if err != nil {
		return Result{}, fmt.Errorf("working directory: %w", err)
	}
	if err := prepareOutputDirectories(workingDirectory, request.Command.OutputFiles); err != nil {
		return Result{}, err
	}

	c := r.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	runContext := ctx
	timeout := r.EffectiveTimeout(request.Timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		runContext, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	arguments := request.Command.Arguments
	cmd := exec.CommandContext(runContext, arguments[0], arguments[1:]...)
	cmd.Dir = workingDirectory
	cmd.Env = make([]string, 0, len(request.Command.Environment))
	for _, variable := range request.Command.Environment {
		cmd.Env = append(cmd.Env, variable.Name+"="+variable.Value)
	}

	stdout := &limitedBuffer{limit: r.OutputLimit}
	stderr := &limitedBuffer{limit: r.OutputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Negative PID signals every process in the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = r.killGroup(cmd)
	// Children that inherited stdout can hold the pipes open after
	// the group is killed; stop waiting on them eventually.
	cmd.WaitDelay = r.GracePeriod + time.Second

	result := Result{StartedAt: c.Now()}
	logger.Debug("command starting", "operation", request.Operation,
		"argv0", arguments[0], "timeout", timeout)
	runErr := cmd.Run()
	result.CompletedAt = c.Now()
	result.Stdout, result.StdoutTruncated = stdout.Bytes(), stdout.truncated
	result.Stderr, result.StderrTruncated = stderr.Bytes(), stderr.truncated

	if ctx.Err() != nil {
		return result, fmt.Errorf("execution interrupted: %w", ctx.Err())
	}
	if errors.Is(runContext.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		result.TimedOut = true
		logger.Info("command timed out", "operation", request.Operation, "timeout", timeout)
		return result, nil
	}
	if runErr != nil {
		var exitError *exec.ExitError
		if errors.As(runErr, &exitError) {
			result.ExitCode = int32(exitError.ExitCode())
			return result, nil
		}
		return result, fmt.Errorf("running %s: %w", arguments[0], runErr)
	}
	return result, nil
}

func (r *ProcessRunner) killGroup(cmd *exec.Cmd) func() error {
	grace := r.GracePeriod
	return func() error {
		group := -cmd.Process.Pid
		if grace <= 0 {
			return unix.Kill(group, unix.SIGKILL)
		}
		if err := unix.Kill(group, unix.SIGTERM); err != nil {
			return unix.Kill(group, unix.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group is gone.
			_ = unix.Kill(group, unix.SIGKILL)
		}()
		return nil
	}
}

// resolveInside joins relative onto root, refusing paths that leave
// root.
func resolveInside(root, relative string) (string, error) {
	if relative == "" {
		return root, nil
	}
	if !filepath.IsLocal(relative) {
		return "", fmt.Errorf("path %q escapes the exec directory", relative)
	}
	return filepath.Join(root, relative), nil
}

// prepareOutputDirectories creates the parent directories of every
// declared output so commands can write them without mkdir.
func prepareOutputDirectories(workingDirectory string, outputs []string) error {
	for _, output := range outputs {
		path, err := resolveInside(workingDirectory, output)
		if err != nil {
			return fmt.Errorf("output file: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating directory for output %s: %w", output, err)
		}
	}
	return nil
}
