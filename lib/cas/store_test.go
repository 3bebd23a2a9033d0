// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/bureau-foundation/buildfarm/lib/digest"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return data
}

func TestStorePutGet(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"small", []byte("tiny")},
		{"text", bytes.Repeat([]byte("int main() { return 0; }\n"), 500)},
		{"random", randomBytes(t, 4096)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := NewStore(0)
			d := store.Put(test.data)
			if d != digest.Compute(test.data) {
				t.Fatalf("Put returned %s, want %s", d, digest.Compute(test.data))
			}
			got, err := store.Get(d)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, test.data) {
				t.Errorf("Get returned %d bytes, want the %d stored", len(got), len(test.data))
			}
		})
	}
}

func TestStoreCompressesText(t *testing.T) {
	store := NewStore(0)
	data := bytes.Repeat([]byte("compile: ok\n"), 1000)
	store.Put(data)
	if store.Bytes() >= int64(len(data)) {
		t.Errorf("stored %d bytes for %d bytes of repetitive text", store.Bytes(), len(data))
	}
}

func TestStoreDoesNotAliasCallerBuffer(t *testing.T) {
	store := NewStore(0)
	data := []byte("mutable")
	d := store.Put(data)
	data[0] = 'M'

	got, err := store.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "mutable" {
		t.Errorf("Get = %q after caller mutation, want %q", got, "mutable")
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore(0)
	_, err := store.Get(digest.Compute([]byte("absent")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestStoreEmptyBlobAlwaysPresent(t *testing.T) {
	store := NewStore(0)
	if !store.Contains(digest.Empty) {
		t.Error("empty blob not reported as present")
	}
	got, err := store.Get(digest.Empty)
	if err != nil || len(got) != 0 {
		t.Errorf("Get(Empty) = %q, %v; want empty, nil", got, err)
	}
	if missing := store.FindMissing([]digest.Digest{digest.Empty}); len(missing) != 0 {
		t.Errorf("FindMissing(Empty) = %v, want none", missing)
	}
}

func TestStorePutDigestRejectsMismatch(t *testing.T) {
	store := NewStore(0)
	claimed := digest.Compute([]byte("expected"))
	err := store.PutDigest(claimed, []byte("actual"))
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("PutDigest error = %v, want ErrDigestMismatch", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d after rejected put, want 0", store.Len())
	}
}

func TestStoreFindMissing(t *testing.T) {
	store := NewStore(0)
	present := store.Put([]byte("present"))
	absent := digest.Compute([]byte("absent"))

	missing := store.FindMissing([]digest.Digest{present, absent, absent})
	if len(missing) != 1 || missing[0] != absent {
		t.Errorf("FindMissing = %v, want [%s]", missing, absent)
	}
}

func TestStoreEvictsOldestFirst(t *testing.T) {
	// Random data is stored uncompressed, so sizes are predictable.
	store := NewStore(250)
	first := store.Put(randomBytes(t, 100))
	second := store.Put(randomBytes(t, 100))
	third := store.Put(randomBytes(t, 100))

	if store.Contains(first) {
		t.Error("oldest blob survived eviction")
	}
	if !store.Contains(second) || !store.Contains(third) {
		t.Error("newer blobs were evicted")
	}
	if store.Bytes() > 250 {
		t.Errorf("Bytes = %d, exceeds limit 250", store.Bytes())
	}
}

func TestStoreKeepsOversizedNewestBlob(t *testing.T) {
	store := NewStore(10)
	d := store.Put(randomBytes(t, 100))
	if !store.Contains(d) {
		t.Error("a blob larger than the limit was dropped on insert")
	}
}

func TestCompressionSelection(t *testing.T) {
	if _, compression := compress([]byte("short")); compression != CompressionNone {
		t.Errorf("short blob compressed with %s, want none", compression)
	}
	if _, compression := compress(randomBytes(t, 8192)); compression != CompressionNone {
		t.Errorf("random blob compressed with %s, want none", compression)
	}
	text := bytes.Repeat([]byte("the quick brown fox "), 400)
	encoded, compression := compress(text)
	if compression != CompressionZstd {
		t.Errorf("repetitive text compressed with %s, want zstd", compression)
	}
	decoded, err := decompress(encoded, compression, len(text))
	if err != nil || !bytes.Equal(decoded, text) {
		t.Errorf("decompress round trip failed: %v", err)
	}
}

func TestDecompressRejectsWrongSize(t *testing.T) {
	if _, err := decompress([]byte("abc"), CompressionNone, 4); err == nil {
		t.Error("decompress accepted a size mismatch")
	}
	if _, err := decompress([]byte("abc"), Compression(9), 3); err == nil {
		t.Error("decompress accepted an unknown compression")
	}
}

func TestLZ4RoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("lz4 block "), 300)
	encoded, err := compressLZ4(text)
	if err != nil {
		t.Fatalf("compressLZ4: %v", err)
	}
	decoded, err := decompress(encoded, CompressionLZ4, len(text))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decoded, text) {
		t.Error("LZ4 round trip changed the data")
	}

	if _, err := compressLZ4(randomBytes(t, 4096)); !errors.Is(err, errIncompressible) {
		t.Errorf("compressLZ4(random) error = %v, want errIncompressible", err)
	}
}
