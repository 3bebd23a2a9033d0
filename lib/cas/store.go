// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas is an in-memory content-addressable blob store.
//
// Blobs are keyed by [digest.Digest] and held compressed; Get
// decompresses and re-verifies the digest before returning bytes. A
// store with a byte limit evicts its oldest blobs first, which is how
// the worker bounds its input cache. The reference instance uses an
// unbounded store.
package cas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/buildfarm/lib/digest"
)

// ErrNotFound is returned by Get for a digest the store does not hold.
var ErrNotFound = errors.New("blob not found")

// ErrDigestMismatch is returned by PutDigest when the bytes do not
// hash to the claimed digest.
var ErrDigestMismatch = errors.New("blob does not match digest")

type entry struct {
	data        []byte
	compression Compression
}

// Store holds blobs in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	blobs    map[digest.Digest]entry
	order    []digest.Digest // insertion order, oldest first
	stored   int64           // sum of len(entry.data)
	maxBytes int64
}

// NewStore returns an empty store. maxBytes bounds the compressed
// bytes held; zero or negative means unbounded.
func NewStore(maxBytes int64) *Store {
	return &Store{
		blobs:    make(map[digest.Digest]entry),
		maxBytes: maxBytes,
	}
}

// Put stores data and returns its digest.
func (s *Store) Put(data []byte) digest.Digest {
	d := digest.Compute(data)
	s.insert(d, data)
	return d
}

// PutDigest stores data under d after checking that the bytes match.
func (s *Store) PutDigest(d digest.Digest, data []byte) error {
	if actual := digest.Compute(data); actual != d {
		return fmt.Errorf("%w: got %s, claimed %s", ErrDigestMismatch, actual, d)
	}
	s.insert(d, data)
	return nil
}

func (s *Store) insert(d digest.Digest, data []byte) {
	if d.Size == 0 {
		return
	}
	encoded, compression := compress(data)
	if len(encoded) == len(data) && compression == CompressionNone {
		// Never alias the caller's buffer.
		encoded = append([]byte(nil), data...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[d]; exists {
		return
	}
	s.blobs[d] = entry{data: encoded, compression: compression}
	s.order = append(s.order, d)
	s.stored += int64(len(encoded))
	s.evictLocked()
}

// evictLocked drops the oldest blobs until the store fits its limit.
// The newest blob is always kept, even when it alone exceeds the limit.
func (s *Store) evictLocked() {
	if s.maxBytes <= 0 {
		return
	}
	for s.stored > s.maxBytes && len(s.order) > 1 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if e, ok := s.blobs[oldest]; ok {
			s.stored -= int64(len(e.data))
			delete(s.blobs, oldest)
		}
	}
}

// Get returns the blob for d. The empty blob is always present.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	if d == digest.Empty {
		return []byte{}, nil
	}

	s.mu.Lock()
	e, ok := s.blobs[d]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}

	data, err := decompress(e.data, e.compression, int(d.Size))
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", d, err)
	}
	if actual := digest.Compute(data); actual != d {
		return nil, fmt.Errorf("reading blob %s: stored bytes hash to %s", d, actual)
	}
	if e.compression == CompressionNone {
		data = append([]byte(nil), data...)
	}
	return data, nil
}

// Contains reports whether the store holds d.
func (s *Store) Contains(d digest.Digest) bool {
	if d == digest.Empty {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[d]
	return ok
}

// FindMissing returns the digests in ds that the store does not hold,
// in input order, without duplicates.
func (s *Store) FindMissing(ds []digest.Digest) []digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []digest.Digest
	seen := make(map[digest.Digest]struct{}, len(ds))
	for _, d := range ds {
		if d == digest.Empty {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		if _, ok := s.blobs[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

// Len returns the number of blobs held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Bytes returns the compressed bytes held.
func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}
