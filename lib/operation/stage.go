// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package operation

import "fmt"

// Stage is the lifecycle marker carried in an operation's metadata.
type Stage uint8

const (
	StageUnknown Stage = iota
	StageCacheCheck
	StageQueued
	StageExecuting
	StageCompleted
)

var stageNames = [...]string{
	StageUnknown:    "unknown",
	StageCacheCheck: "cache_check",
	StageQueued:     "queued",
	StageExecuting:  "executing",
	StageCompleted:  "completed",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// ParseStage is the inverse of String.
func ParseStage(name string) (Stage, error) {
	for stage, stageName := range stageNames {
		if stageName == name {
			return Stage(stage), nil
		}
	}
	return StageUnknown, fmt.Errorf("unknown operation stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	if int(s) >= len(stageNames) {
		return nil, fmt.Errorf("cannot encode %s", s)
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
