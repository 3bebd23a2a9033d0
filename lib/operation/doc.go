// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package operation defines the data model shared by the worker, the
// remote execution client, and the reference instance: operations and
// their packed execution metadata, actions, commands, input trees, and
// results.
//
// An [Operation] is the queue's view of one requested execution. Its
// metadata travels packed in an [Any] so the queue can store and ship
// it without knowing its schema; [UnpackMetadata] recovers the typed
// [ExecuteOperationMetadata] and reports [ErrMalformedMetadata] when
// the packed bytes are unusable. Updates such as resetting the stage
// marker for a requeue go through [Operation.WithStage], which returns
// a new operation and leaves the original untouched.
//
// Actions, commands, and directories are stored in the CAS in their
// CBOR encoding. [Encode] returns both the bytes and their digest so
// the two can never disagree.
package operation
