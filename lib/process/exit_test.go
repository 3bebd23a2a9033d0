// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestReport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantText string
	}{
		{"plain error", errors.New("boom"), 1, "error: boom\n"},
		{"silent exit code", &ExitError{Code: 3}, 3, ""},
		{"exit code with message", &ExitError{Code: 2, Message: "timed out"}, 2, "error: timed out\n"},
		{"wrapped exit code", fmt.Errorf("submit: %w", &ExitError{Code: 7}), 7, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buffer bytes.Buffer
			if code := report(&buffer, test.err); code != test.wantCode {
				t.Errorf("code = %d, want %d", code, test.wantCode)
			}
			if buffer.String() != test.wantText {
				t.Errorf("output = %q, want %q", buffer.String(), test.wantText)
			}
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	if got := (&ExitError{Code: 4}).Error(); got != "exit status 4" {
		t.Errorf("Error() = %q", got)
	}
}
