// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest identifies blobs in the content-addressable store.
//
// A [Digest] is the BLAKE3 keyed hash of a blob's bytes together with
// the blob's length. The key is a fixed domain constant, so buildfarm
// digests never collide with plain BLAKE3 hashes of the same bytes
// computed elsewhere. The canonical string form is "<hex>/<size>".
package digest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Size of the hash portion of a digest, in bytes.
const Size = 32

// blobDomainKey is the BLAKE3 key for blob hashes: the ASCII domain
// name zero-padded to 32 bytes. Changing it invalidates every stored
// digest.
var blobDomainKey = [32]byte{
	'b', 'u', 'i', 'l', 'd', 'f', 'a', 'r', 'm', '.', 'b', 'l', 'o', 'b', 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ErrInvalid is wrapped by every Parse failure.
var ErrInvalid = errors.New("invalid digest")

// Digest names a blob by content hash and length.
type Digest struct {
	Hash [Size]byte
	Size int64
}

// Compute returns the digest of data.
func Compute(data []byte) Digest {
	hasher := newHasher()
	hasher.Write(data)
	return finish(hasher, int64(len(data)))
}

// ComputeReader reads r to EOF and returns the digest of its contents.
func ComputeReader(r io.Reader) (Digest, error) {
	hasher := newHasher()
	size, err := io.Copy(hasher, r)
	if err != nil {
		return Digest{}, fmt.Errorf("hashing blob: %w", err)
	}
	return finish(hasher, size), nil
}

// Empty is the digest of the zero-length blob.
var Empty = Compute(nil)

// IsZero reports whether d is the zero value (no digest set). The
// digest of an empty blob is not zero; see [Empty].
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns "<hex>/<size>".
func (d Digest) String() string {
	return hex.EncodeToString(d.Hash[:]) + "/" + strconv.FormatInt(d.Size, 10)
}

// Short returns the first 12 hex characters of the hash, for logs.
func (d Digest) Short() string {
	return hex.EncodeToString(d.Hash[:6])
}

// MarshalText encodes d in its string form so digests appear as
// readable strings in CBOR and YAML.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the string form.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse parses the "<hex>/<size>" form produced by String.
func Parse(s string) (Digest, error) {
	hexHash, sizeText, found := strings.Cut(s, "/")
	if !found {
		return Digest{}, fmt.Errorf("%w: %q has no size component", ErrInvalid, s)
	}
	decoded, err := hex.DecodeString(hexHash)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	if len(decoded) != Size {
		return Digest{}, fmt.Errorf("%w: hash is %d bytes, want %d", ErrInvalid, len(decoded), Size)
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil || size < 0 {
		return Digest{}, fmt.Errorf("%w: bad size %q", ErrInvalid, sizeText)
	}
	var d Digest
	copy(d.Hash[:], decoded)
	d.Size = size
	return d, nil
}

func newHasher() *blake3.Hasher {
	// NewKeyed only fails for a key that is not 32 bytes.
	hasher, err := blake3.NewKeyed(blobDomainKey[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

func finish(hasher *blake3.Hasher, size int64) Digest {
	var d Digest
	copy(d.Hash[:], hasher.Sum(nil))
	d.Size = size
	return d
}
