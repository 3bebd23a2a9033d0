// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actiondef

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

const sampleDefinition = `{
	// Compile a single file.
	"arguments": ["cc", "-o", "out/hello", "hello.c"],
	"environment": {"LANG": "C", "CC_FLAGS": "-O2"},
	"output_files": ["out/hello"],
	"inputs": [
		{"path": "hello.c", "source": "hello.c"},
		{"path": "include/greeting.h", "content": "#define GREETING \"hi\"\n"},
	],
	"timeout": "90s",
	"platform": {"os": "linux"},
}`

func TestParseJSONC(t *testing.T) {
	definition, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(definition.Arguments) != 4 || definition.Arguments[0] != "cc" {
		t.Errorf("Arguments = %v", definition.Arguments)
	}
	if len(definition.Inputs) != 2 || definition.Inputs[1].Content == "" {
		t.Errorf("Inputs = %+v", definition.Inputs)
	}
	if issues := Validate(definition); len(issues) != 0 {
		t.Errorf("Validate = %v", issues)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse([]byte(`{"arguments": [`)); err == nil {
		t.Error("Parse accepted truncated input")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name          string
		definition    Definition
		wantSubstring string
	}{
		{"no arguments", Definition{}, "arguments"},
		{"escaping working directory", Definition{Arguments: []string{"true"}, WorkingDirectory: "../up"}, "working_directory"},
		{"absolute output", Definition{Arguments: []string{"true"}, OutputFiles: []string{"/tmp/x"}}, "output_files[0]"},
		{"bad timeout", Definition{Arguments: []string{"true"}, Timeout: "soon"}, "timeout"},
		{"negative timeout", Definition{Arguments: []string{"true"}, Timeout: "-1s"}, "positive"},
		{"input without path", Definition{Arguments: []string{"true"}, Inputs: []Input{{Content: "x"}}}, "path is required"},
		{"input with both", Definition{Arguments: []string{"true"}, Inputs: []Input{{Path: "a", Source: "a", Content: "a"}}}, "exactly one"},
		{"input with neither", Definition{Arguments: []string{"true"}, Inputs: []Input{{Path: "a"}}}, "exactly one"},
		{"duplicate input", Definition{Arguments: []string{"true"}, Inputs: []Input{{Path: "a", Content: "1"}, {Path: "./a", Content: "2"}}}, "duplicate"},
		{"file as directory", Definition{Arguments: []string{"true"}, Inputs: []Input{{Path: "a", Content: "1"}, {Path: "a/b", Content: "2"}}}, "directory"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			issues := Validate(&test.definition)
			if len(issues) == 0 {
				t.Fatal("Validate found no issues")
			}
			joined := strings.Join(issues, "\n")
			if !strings.Contains(joined, test.wantSubstring) {
				t.Errorf("issues %q do not mention %q", joined, test.wantSubstring)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	baseDir := t.TempDir()
	source := []byte("int main(void) { return 0; }\n")
	if err := os.WriteFile(filepath.Join(baseDir, "hello.c"), source, 0o644); err != nil {
		t.Fatal(err)
	}
	definition, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	bundle, err := Build(definition, baseDir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if bundle.Action.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", bundle.Action.Timeout)
	}
	if !operation.NewPlatform(map[string]string{"os": "linux"}).Satisfies(bundle.Action.Platform) {
		t.Errorf("Platform = %s", bundle.Action.Platform)
	}
	for d, data := range bundle.Blobs {
		if digest.Compute(data) != d {
			t.Errorf("blob %s does not hash to its key", d)
		}
	}
	if _, ok := bundle.Blobs[digest.Compute(source)]; !ok {
		t.Error("source file not in the bundle")
	}

	var command operation.Command
	if err := operation.Decode(bundle.Blobs[bundle.Action.CommandDigest], &command); err != nil {
		t.Fatalf("decoding command: %v", err)
	}
	if len(command.Environment) != 2 || command.Environment[0].Name != "CC_FLAGS" {
		t.Errorf("Environment = %+v, want sorted by name", command.Environment)
	}

	var root operation.Directory
	if err := operation.Decode(bundle.Blobs[bundle.Action.InputRootDigest], &root); err != nil {
		t.Fatalf("decoding input root: %v", err)
	}
	if len(root.Files) != 1 || root.Files[0].Name != "hello.c" {
		t.Errorf("root files = %+v", root.Files)
	}
	if len(root.Directories) != 1 || root.Directories[0].Name != "include" {
		t.Fatalf("root directories = %+v", root.Directories)
	}
	var include operation.Directory
	if err := operation.Decode(bundle.Blobs[root.Directories[0].Digest], &include); err != nil {
		t.Fatalf("decoding include: %v", err)
	}
	if len(include.Files) != 1 || include.Files[0].Name != "greeting.h" {
		t.Errorf("include files = %+v", include.Files)
	}

	again, err := Build(definition, baseDir)
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if again.ActionDigest != bundle.ActionDigest {
		t.Error("building the same definition twice gave different action digests")
	}
}

func TestBuildMissingSource(t *testing.T) {
	definition := &Definition{
		Arguments: []string{"true"},
		Inputs:    []Input{{Path: "absent", Source: "absent"}},
	}
	if _, err := Build(definition, t.TempDir()); err == nil {
		t.Error("Build succeeded with a missing source file")
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "action.jsonc")
	if err := os.WriteFile(path, []byte(`{"arguments": ["true"], /* trailing */}`), 0o644); err != nil {
		t.Fatal(err)
	}
	definition, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(definition.Arguments) != 1 {
		t.Errorf("Arguments = %v", definition.Arguments)
	}
}
