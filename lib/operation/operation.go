// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package operation

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/buildfarm/lib/codec"
	"github.com/bureau-foundation/buildfarm/lib/digest"
)

// MetadataTypeURL identifies packed ExecuteOperationMetadata.
const MetadataTypeURL = "buildfarm/execute-operation-metadata"

// ErrMalformedMetadata is wrapped by UnpackMetadata when the packed
// metadata has the wrong type or cannot be decoded.
var ErrMalformedMetadata = errors.New("malformed operation metadata")

// Any is a self-describing packed value.
type Any struct {
	TypeURL string `cbor:"type_url"`
	Value   []byte `cbor:"value"`
}

// Operation is one requested execution as tracked by the queue.
type Operation struct {
	Name     string           `cbor:"name"`
	Done     bool             `cbor:"done"`
	Metadata Any              `cbor:"metadata"`
	Response *ExecuteResponse `cbor:"response,omitempty"`
}

// ExecuteOperationMetadata is the decoded form of Operation.Metadata.
type ExecuteOperationMetadata struct {
	Stage            Stage         `cbor:"stage"`
	ActionDigest     digest.Digest `cbor:"action_digest"`
	StdoutStreamName string        `cbor:"stdout_stream_name,omitempty"`
	StderrStreamName string        `cbor:"stderr_stream_name,omitempty"`
	Worker           string        `cbor:"worker,omitempty"`
}

// PackMetadata encodes metadata into an Any.
func PackMetadata(metadata ExecuteOperationMetadata) (Any, error) {
	value, err := codec.Marshal(metadata)
	if err != nil {
		return Any{}, fmt.Errorf("packing operation metadata: %w", err)
	}
	return Any{TypeURL: MetadataTypeURL, Value: value}, nil
}

// UnpackMetadata decodes packed metadata. Any failure wraps
// ErrMalformedMetadata.
func UnpackMetadata(packed Any) (ExecuteOperationMetadata, error) {
	if packed.TypeURL != MetadataTypeURL {
		return ExecuteOperationMetadata{}, fmt.Errorf("%w: type %q, want %q",
			ErrMalformedMetadata, packed.TypeURL, MetadataTypeURL)
	}
	var metadata ExecuteOperationMetadata
	if err := codec.Unmarshal(packed.Value, &metadata); err != nil {
		return ExecuteOperationMetadata{}, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return metadata, nil
}

// New builds an operation named name carrying metadata.
func New(name string, metadata ExecuteOperationMetadata) (*Operation, error) {
	packed, err := PackMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return &Operation{Name: name, Metadata: packed}, nil
}

// WithStage returns a copy of op whose metadata stage marker is stage.
// The receiver is not modified. Fails with ErrMalformedMetadata when
// the existing metadata cannot be decoded.
func (op *Operation) WithStage(stage Stage) (*Operation, error) {
	metadata, err := UnpackMetadata(op.Metadata)
	if err != nil {
		return nil, err
	}
	metadata.Stage = stage
	return op.WithMetadata(metadata)
}

// WithMetadata returns a copy of op carrying metadata.
func (op *Operation) WithMetadata(metadata ExecuteOperationMetadata) (*Operation, error) {
	packed, err := PackMetadata(metadata)
	if err != nil {
		return nil, err
	}
	updated := *op
	updated.Metadata = packed
	return &updated, nil
}

// Complete returns a copy of op marked done with response attached
// and its stage marker set to StageCompleted.
func (op *Operation) Complete(response *ExecuteResponse) (*Operation, error) {
	updated, err := op.WithStage(StageCompleted)
	if err != nil {
		return nil, err
	}
	updated.Done = true
	updated.Response = response
	return updated, nil
}

// Encode returns the CBOR encoding of message and its digest. Used for
// every message stored in the CAS.
func Encode(message any) ([]byte, digest.Digest, error) {
	data, err := codec.Marshal(message)
	if err != nil {
		return nil, digest.Digest{}, fmt.Errorf("encoding %T: %w", message, err)
	}
	return data, digest.Compute(data), nil
}

// Decode decodes a CAS message into target.
func Decode(data []byte, target any) error {
	if err := codec.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding %T: %w", target, err)
	}
	return nil
}
