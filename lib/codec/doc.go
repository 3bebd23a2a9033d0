// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the buildfarm's single CBOR configuration.
//
// Every byte the buildfarm puts on a socket or into the operation queue
// is CBOR: instance protocol requests and responses, packed operation
// metadata, and queued operation rows. Encoding uses Core
// Deterministic Encoding (RFC 8949 §4.2) so the same logical value
// always produces the same bytes, which keeps digests of encoded
// actions and commands stable across processes.
//
// For buffers (metadata, blobs):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For streams (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only ever travel as CBOR use `cbor` struct tags. Types
// that are also printed as JSON by the command-line tools use `json`
// tags, which fxamacker/cbor reads as a fallback. A field never
// carries both.
package codec
