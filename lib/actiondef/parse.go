// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package actiondef reads action definitions: JSONC files describing a
// command, its inputs, and its platform requirements, authored by hand
// and submitted with buildfarm-submit.
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → Definition
//  2. Validate: structural checks (arguments present, paths local,
//     exactly one of source or content per input, parseable timeout)
//  3. Build: Definition → Bundle (the encoded Action, Command, input
//     tree and file blobs, ready for upload)
package actiondef

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Definition is the authored form of an action.
type Definition struct {
	Arguments        []string          `json:"arguments"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	OutputFiles      []string          `json:"output_files,omitempty"`
	Inputs           []Input           `json:"inputs,omitempty"`

	// Timeout is a Go duration string ("90s", "10m"). Empty leaves
	// the choice to the worker.
	Timeout    string            `json:"timeout,omitempty"`
	DoNotCache bool              `json:"do_not_cache,omitempty"`
	Platform   map[string]string `json:"platform,omitempty"`
}

// Input places one file in the input tree. Exactly one of Source (a
// local file, relative to the definition file) or Content (inline
// text) is set.
type Input struct {
	Path       string `json:"path"`
	Source     string `json:"source,omitempty"`
	Content    string `json:"content,omitempty"`
	Executable bool   `json:"executable,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result.
func Parse(data []byte) (*Definition, error) {
	var definition Definition
	if err := json.Unmarshal(jsonc.ToJSON(data), &definition); err != nil {
		return nil, fmt.Errorf("parsing action definition: %w", err)
	}
	return &definition, nil
}

// ReadFile reads and parses a JSONC action definition.
func ReadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	definition, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return definition, nil
}
