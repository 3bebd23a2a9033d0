// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package actiondef

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/operation"
)

// Bundle is a built action: everything that must be in the CAS before
// the action digest is submitted.
type Bundle struct {
	Action       operation.Action
	ActionDigest digest.Digest

	// Blobs holds the encoded action, command, every directory of
	// the input tree, and every input file.
	Blobs map[digest.Digest][]byte
}

// Build validates definition and encodes it. Input sources are read
// relative to baseDir.
func Build(definition *Definition, baseDir string) (*Bundle, error) {
	if issues := Validate(definition); len(issues) > 0 {
		return nil, fmt.Errorf("invalid action definition:\n  %s", strings.Join(issues, "\n  "))
	}

	bundle := &Bundle{Blobs: make(map[digest.Digest][]byte)}
	add := func(message any) (digest.Digest, error) {
		data, d, err := operation.Encode(message)
		if err != nil {
			return digest.Digest{}, err
		}
		bundle.Blobs[d] = data
		return d, nil
	}

	command := operation.Command{
		Arguments:        definition.Arguments,
		WorkingDirectory: definition.WorkingDirectory,
		OutputFiles:      definition.OutputFiles,
	}
	for name, value := range definition.Environment {
		command.Environment = append(command.Environment, operation.EnvironmentVariable{Name: name, Value: value})
	}
	slices.SortFunc(command.Environment, func(a, b operation.EnvironmentVariable) int {
		return strings.Compare(a.Name, b.Name)
	})
	commandDigest, err := add(command)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	root := newTreeNode()
	for _, input := range definition.Inputs {
		data, err := inputContent(input, baseDir)
		if err != nil {
			return nil, err
		}
		d := digest.Compute(data)
		bundle.Blobs[d] = data
		root.insert(strings.Split(filepath.Clean(input.Path), string(filepath.Separator)),
			operation.FileNode{Digest: d, Executable: input.Executable})
	}
	rootDigest, err := root.encode(add)
	if err != nil {
		return nil, fmt.Errorf("encoding input tree: %w", err)
	}

	bundle.Action = operation.Action{
		CommandDigest:   commandDigest,
		InputRootDigest: rootDigest,
		DoNotCache:      definition.DoNotCache,
		Platform:        operation.NewPlatform(definition.Platform),
	}
	if definition.Timeout != "" {
		// Validate already parsed it.
		bundle.Action.Timeout, _ = time.ParseDuration(definition.Timeout)
	}
	bundle.ActionDigest, err = add(bundle.Action)
	if err != nil {
		return nil, fmt.Errorf("encoding action: %w", err)
	}
	return bundle, nil
}

func inputContent(input Input, baseDir string) ([]byte, error) {
	if input.Content != "" {
		return []byte(input.Content), nil
	}
	source := input.Source
	if !filepath.IsAbs(source) {
		source = filepath.Join(baseDir, source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", input.Path, err)
	}
	return data, nil
}

// treeNode is a directory under construction.
type treeNode struct {
	files       map[string]operation.FileNode
	directories map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{
		files:       make(map[string]operation.FileNode),
		directories: make(map[string]*treeNode),
	}
}

func (n *treeNode) insert(components []string, file operation.FileNode) {
	if len(components) == 1 {
		file.Name = components[0]
		n.files[file.Name] = file
		return
	}
	child, ok := n.directories[components[0]]
	if !ok {
		child = newTreeNode()
		n.directories[components[0]] = child
	}
	child.insert(components[1:], file)
}

// encode encodes children before parents, so a directory's digest
// covers its whole subtree. Entries are sorted by name so equal trees
// have equal digests.
func (n *treeNode) encode(add func(any) (digest.Digest, error)) (digest.Digest, error) {
	var directory operation.Directory
	for _, name := range sortedKeys(n.files) {
		directory.Files = append(directory.Files, n.files[name])
	}
	for _, name := range sortedKeys(n.directories) {
		d, err := n.directories[name].encode(add)
		if err != nil {
			return digest.Digest{}, err
		}
		directory.Directories = append(directory.Directories, operation.DirectoryNode{Name: name, Digest: d})
	}
	if len(directory.Files) > 0 && len(directory.Directories) > 0 {
		for _, file := range directory.Files {
			if _, clash := n.directories[file.Name]; clash {
				return digest.Digest{}, errors.New(file.Name + " is both a file and a directory")
			}
		}
	}
	return add(directory)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
