// Package compression provides page-level compression for SST files.
//
// Reference: teacher's util/compression.h equivalent, narrowed to the
// four codecs the engine's table options actually expose.
package compression

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm usable for a table's SST pages.
type Type uint8

const (
	// None indicates no compression.
	None Type = 0x0

	// Lz4Compression uses LZ4 raw block compression.
	Lz4Compression Type = 0x1

	// SnappyCompression uses Google Snappy compression.
	SnappyCompression Type = 0x2

	// ZstdCompression uses Zstandard compression.
	ZstdCompression Type = 0x3
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Lz4Compression:
		return "Lz4"
	case SnappyCompression:
		return "Snappy"
	case ZstdCompression:
		return "Zstd"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// IsSupported returns true if the compression type is one of the engine's
// recognized codecs.
func (t Type) IsSupported() bool {
	switch t {
	case None, Lz4Compression, SnappyCompression, ZstdCompression:
		return true
	default:
		return false
	}
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	case Lz4Compression:
		return compressLZ4(data)
	case ZstdCompression:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// compressLZ4 compresses data using LZ4 raw block format (not the LZ4 Frame
// format, which carries magic bytes and frame headers this engine never
// writes or reads).
func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(data, dst, ht[:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress block: %w", err)
	}
	if n == 0 {
		// Incompressible input; caller should fall back to storing raw.
		return nil, nil
	}
	return dst[:n], nil
}

// compressZstd compresses data using Zstandard at the default speed level.
func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses data using the specified compression type.
// For LZ4, use DecompressWithSize if the uncompressed size is known -
// it avoids the grow-and-retry loop below.
func Decompress(t Type, data []byte) ([]byte, error) {
	return DecompressWithSize(t, data, 0)
}

// DecompressWithSize decompresses data given a known uncompressed size.
// If expectedSize is 0, a grow-and-retry strategy is used for LZ4.
func DecompressWithSize(t Type, data []byte, expectedSize int) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case SnappyCompression:
		return snappy.Decode(nil, data)
	case Lz4Compression:
		return decompressLZ4(data, expectedSize)
	case ZstdCompression:
		return decompressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func decompressLZ4(data []byte, expectedSize int) ([]byte, error) {
	if expectedSize > 0 {
		dst := make([]byte, expectedSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 uncompress block: %w", err)
		}
		return dst[:n], nil
	}

	bufSize := max(len(data)*4, 256)
	for range 10 {
		dst := make([]byte, bufSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return dst[:n], nil
		}
		bufSize *= 2
	}
	return nil, fmt.Errorf("lz4 uncompress block: buffer too small after retries")
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
