// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actiondef

import (
	"fmt"
	"path/filepath"
	"time"
)

// Validate checks a Definition for structural issues and returns
// human-readable descriptions. An empty list means the definition can
// be built.
func Validate(definition *Definition) []string {
	var issues []string

	if len(definition.Arguments) == 0 || definition.Arguments[0] == "" {
		issues = append(issues, "arguments: at least the program is required")
	}
	if definition.WorkingDirectory != "" && !filepath.IsLocal(definition.WorkingDirectory) {
		issues = append(issues, fmt.Sprintf("working_directory %q must be a relative path inside the input root", definition.WorkingDirectory))
	}
	for index, output := range definition.OutputFiles {
		if !filepath.IsLocal(output) {
			issues = append(issues, fmt.Sprintf("output_files[%d] %q must be a relative path", index, output))
		}
	}
	if definition.Timeout != "" {
		timeout, err := time.ParseDuration(definition.Timeout)
		if err != nil {
			issues = append(issues, fmt.Sprintf("timeout: %v", err))
		} else if timeout <= 0 {
			issues = append(issues, fmt.Sprintf("timeout %q must be positive", definition.Timeout))
		}
	}

	seen := make(map[string]int, len(definition.Inputs))
	for index, input := range definition.Inputs {
		prefix := fmt.Sprintf("inputs[%d]", index)
		if input.Path == "" {
			issues = append(issues, prefix+": path is required")
			continue
		}
		clean := filepath.Clean(input.Path)
		if !filepath.IsLocal(input.Path) {
			issues = append(issues, fmt.Sprintf("%s %q: path must be relative and stay inside the input root", prefix, input.Path))
		} else if first, exists := seen[clean]; exists {
			issues = append(issues, fmt.Sprintf("%s %q: duplicate path (first used at inputs[%d])", prefix, input.Path, first))
		} else {
			seen[clean] = index
		}
		if (input.Source == "") == (input.Content == "") {
			issues = append(issues, fmt.Sprintf("%s %q: exactly one of source or content is required", prefix, input.Path))
		}
	}

	// A file and a directory cannot share a path.
	for path := range seen {
		for parent := filepath.Dir(path); parent != "."; parent = filepath.Dir(parent) {
			if index, exists := seen[parent]; exists {
				issues = append(issues, fmt.Sprintf("inputs[%d] %q: is a file but %q needs it to be a directory",
					index, parent, path))
			}
		}
	}

	return issues
}
