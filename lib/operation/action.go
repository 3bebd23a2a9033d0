// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package operation

import (
	"time"

	"github.com/bureau-foundation/buildfarm/lib/digest"
)

// Action is an executable unit of work: a command applied to an input
// tree. Its digest is the cache key for the action result.
type Action struct {
	CommandDigest   digest.Digest `cbor:"command_digest"`
	InputRootDigest digest.Digest `cbor:"input_root_digest"`
	// Timeout of zero means the worker's default.
	Timeout    time.Duration `cbor:"timeout,omitempty"`
	DoNotCache bool          `cbor:"do_not_cache,omitempty"`
	Platform   Platform      `cbor:"platform,omitempty"`
}

// Command is the process an action runs.
type Command struct {
	Arguments   []string              `cbor:"arguments"`
	Environment []EnvironmentVariable `cbor:"environment,omitempty"`
	// WorkingDirectory is relative to the input root.
	WorkingDirectory string `cbor:"working_directory,omitempty"`
	// OutputFiles are paths relative to the working directory that
	// the command is expected to produce.
	OutputFiles []string `cbor:"output_files,omitempty"`
}

type EnvironmentVariable struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// Directory is one level of an input tree. Children are referenced by
// digest, so a whole tree is named by the digest of its root.
type Directory struct {
	Files       []FileNode      `cbor:"files,omitempty"`
	Directories []DirectoryNode `cbor:"directories,omitempty"`
}

type FileNode struct {
	Name       string        `cbor:"name"`
	Digest     digest.Digest `cbor:"digest"`
	Executable bool          `cbor:"executable,omitempty"`
}

type DirectoryNode struct {
	Name   string        `cbor:"name"`
	Digest digest.Digest `cbor:"digest"`
}

// ActionResult is the outcome of running an action. A non-zero exit
// code is a result, not a failure.
type ActionResult struct {
	ExitCode          int32             `cbor:"exit_code"`
	OutputFiles       []OutputFile      `cbor:"output_files,omitempty"`
	StdoutDigest      digest.Digest     `cbor:"stdout_digest"`
	StderrDigest      digest.Digest     `cbor:"stderr_digest"`
	ExecutionMetadata ExecutionMetadata `cbor:"execution_metadata"`
}

type OutputFile struct {
	Path       string        `cbor:"path"`
	Digest     digest.Digest `cbor:"digest"`
	Executable bool          `cbor:"executable,omitempty"`
}

// ExecutionMetadata records where and when an action ran.
type ExecutionMetadata struct {
	Worker                  string    `cbor:"worker,omitempty"`
	QueuedAt                time.Time `cbor:"queued_at"`
	WorkerStartedAt         time.Time `cbor:"worker_started_at"`
	ExecutionStartedAt      time.Time `cbor:"execution_started_at"`
	ExecutionCompletedAt    time.Time `cbor:"execution_completed_at"`
	WorkerCompletedAt       time.Time `cbor:"worker_completed_at"`
	OutputUploadCompletedAt time.Time `cbor:"output_upload_completed_at"`
}

// ExecuteResponse is attached to an operation when it completes.
type ExecuteResponse struct {
	Result       *ActionResult `cbor:"result,omitempty"`
	Status       Status        `cbor:"status"`
	Message      string        `cbor:"message,omitempty"`
	CachedResult bool          `cbor:"cached_result,omitempty"`
}

// StatusCode classifies how an operation ended.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusCancelled
	StatusInvalidArgument
	StatusDeadlineExceeded
	StatusNotFound
	StatusFailedPrecondition
	StatusInternal
	StatusUnavailable
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusCancelled:
		return "cancelled"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusDeadlineExceeded:
		return "deadline_exceeded"
	case StatusNotFound:
		return "not_found"
	case StatusFailedPrecondition:
		return "failed_precondition"
	case StatusInternal:
		return "internal"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

type Status struct {
	Code    StatusCode `cbor:"code"`
	Message string     `cbor:"message,omitempty"`
}

// OK reports whether the status is StatusOK.
func (s Status) OK() bool { return s.Code == StatusOK }
