// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a stored blob is encoded.
type Compression uint8

const (
	// CompressionNone stores the bytes as given. Chosen for small and
	// already-compressed blobs.
	CompressionNone Compression = iota

	// CompressionLZ4 is LZ4 block compression, picked when zstd only
	// achieves a modest ratio.
	CompressionLZ4

	// CompressionZstd is zstd at the default level. Source files,
	// logs and most build outputs land here.
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// minCompressSize is the smallest blob worth probing.
const minCompressSize = 64

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cas: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cas: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible means the encoded form would not be smaller.
var errIncompressible = errors.New("blob is incompressible")

// compress encodes data with the best-fitting algorithm. zstd output
// with a ratio of at least 1.5 is kept as is; a ratio between 1.1 and
// 1.5 switches to LZ4 for cheaper decoding; anything less is stored
// raw.
func compress(data []byte) ([]byte, Compression) {
	if len(data) < minCompressSize {
		return data, CompressionNone
	}

	zstdEncoded := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(zstdEncoded))
	switch {
	case ratio >= 1.5:
		return zstdEncoded, CompressionZstd
	case ratio >= 1.1:
		lz4Encoded, err := compressLZ4(data)
		if err != nil {
			// LZ4 gave up where zstd managed; keep zstd.
			return zstdEncoded, CompressionZstd
		}
		return lz4Encoded, CompressionLZ4
	default:
		return data, CompressionNone
	}
}

// decompress reverses compress. size is the uncompressed length and
// must match exactly.
func decompress(encoded []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(encoded) != size {
			return nil, fmt.Errorf("stored blob is %d bytes, expected %d", len(encoded), size)
		}
		return encoded, nil

	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(encoded, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(encoded, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}
