package compressors

import (
	"fmt"

	"github.com/INLOpen/granite/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the page codec using the LZ4 block format. The
// block format does not store the original size; the page header does, so
// Decompress can size its buffer exactly.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		// Incompressible input: CompressBlock signals this with n == 0.
		// Store the raw bytes; Decompress falls back on a size match.
		return data, nil
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(data []byte, uncompressedSize int) ([]byte, error) {
	if len(data) == uncompressedSize {
		// Raw fallback from Compress.
		return data, nil
	}
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if n != uncompressedSize {
		return nil, fmt.Errorf("lz4 page size mismatch: have %d, header says %d", n, uncompressedSize)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
