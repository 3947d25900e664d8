package lsm

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec of segment data blocks.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
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
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return dec
}

// compressBlock appends the stored form of data to dst and returns the codec
// actually used. Blocks that do not shrink by at least an eighth are stored
// uncompressed.
func compressBlock(dst, data []byte, c Compression) ([]byte, Compression) {
	n := len(dst)
	switch c {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst = grow(dst, bound)
		m, err := lz4.CompressBlock(data, dst[n:n+bound], nil)
		if err != nil || m == 0 {
			return append(dst[:n], data...), CompressionNone
		}
		dst = dst[:n+m]
	case CompressionZstd:
		enc := getZstdEncoder()
		dst = enc.EncodeAll(data, dst)
		zstdEncoderPool.Put(enc)
	default:
		return append(dst, data...), CompressionNone
	}
	if len(dst)-n > len(data)-len(data)/8 {
		return append(dst[:n], data...), CompressionNone
	}
	return dst, c
}

// decompressBlock returns the uncompressed contents of a stored block. For
// uncompressed blocks the result aliases stored.
func decompressBlock(stored []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(stored) != size {
			return nil, fmt.Errorf("stored size %d != %d", len(stored), size)
		}
		return stored, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4: decompressed %d bytes, wanted %d", n, size)
		}
		return out, nil
	case CompressionZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd: decompressed %d bytes, wanted %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

// grow makes room for n more bytes past len(b) without changing len(b).
func grow(b []byte, n int) []byte {
	if cap(b)-len(b) < n {
		nb := make([]byte, len(b), len(b)+n)
		copy(nb, b)
		return nb
	}
	return b
}
