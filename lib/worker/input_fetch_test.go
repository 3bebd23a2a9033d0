// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestExecDir(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"operations/1234", "/root/exec/operations_1234"},
		{"plain", "/root/exec/plain"},
		{"../..", "/root/exec/.._.."},
		{"", ""},
		{".", ""},
		{"..", ""},
	}
	for _, test := range tests {
		got, err := ExecDir("/root", test.name)
		if test.want == "" {
			if err == nil {
				t.Errorf("ExecDir(%q) = %q, want an error", test.name, got)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("ExecDir(%q) = %q, %v; want %q", test.name, got, err, test.want)
		}
	}
}

func TestInputFetcherRejectsNameOutsideExecRoot(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, "exec", "other", "file")
	if err := os.MkdirAll(filepath.Dir(keep), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The name is refused before the instance is consulted.
	fetcher := &InputFetcher{Root: root}
	for _, name := range []string{".", ".."} {
		if _, err := fetcher.Tick(context.Background(), newContext(name)); err == nil {
			t.Errorf("Tick accepted operation %q", name)
		}
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("worker root damaged: %v", err)
	}
}
