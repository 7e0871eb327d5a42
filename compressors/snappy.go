package compressors

import (
	"fmt"

	"github.com/INLOpen/granite/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the page codec using the Snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte, uncompressedSize int) ([]byte, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	if len(decompressed) != uncompressedSize {
		return nil, fmt.Errorf("snappy page size mismatch: have %d, header says %d", len(decompressed), uncompressedSize)
	}
	return decompressed, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
