package core

import "fmt"

// MagicString identifies a data file. It appears at the very beginning of the
// file and again at the very end, after the file metadata.
const MagicString = "GRANITE"

// VersionNumber is the format version written directly after the head magic.
const VersionNumber = "000001"

// HeaderLength is the byte length of MagicString + VersionNumber.
const HeaderLength = len(MagicString) + len(VersionNumber)

// Markers prefix every record in the data section of a file.
const (
	MarkerChunkHeader      byte = 1
	MarkerChunkGroupFooter byte = 2
	MarkerVersion          byte = 3
	MarkerSeparator        byte = 4
)

// File name suffixes used by the engine.
const (
	DataFileSuffix  = ".gft"
	TempFileSuffix  = ".temp"
	MergeFileSuffix = ".merge"
)

// PathSeparator joins a device id and a measurement id into a full series
// path, e.g. "root.vehicle.d0.s0". The bloom filter is built over full paths.
const PathSeparator = "."

// DataType is the value type of one measurement.
type DataType uint8

const (
	Boolean DataType = iota
	Int32
	Int64
	Float
	Double
	Text
)

func (d DataType) String() string {
	switch d {
	case Boolean:
		return "BOOLEAN"
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case Text:
		return "TEXT"
	default:
		return fmt.Sprintf("DataType(%d)", uint8(d))
	}
}

// Valid reports whether d is a known data type. Used when decoding headers
// read from disk, where any byte value may appear.
func (d DataType) Valid() bool {
	return d <= Text
}

// Encoding selects the column encoder for one measurement.
type Encoding uint8

const (
	EncodingPlain Encoding = iota
	EncodingTS2Diff
	EncodingGorilla
	EncodingRLE
)

func (e Encoding) String() string {
	switch e {
	case EncodingPlain:
		return "PLAIN"
	case EncodingTS2Diff:
		return "TS_2DIFF"
	case EncodingGorilla:
		return "GORILLA"
	case EncodingRLE:
		return "RLE"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// CompressionType selects the page codec.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "UNCOMPRESSED"
	case CompressionSnappy:
		return "SNAPPY"
	case CompressionLZ4:
		return "LZ4"
	case CompressionZstd:
		return "ZSTD"
	default:
		return fmt.Sprintf("CompressionType(%d)", uint8(c))
	}
}

// Compressor is implemented by the page codecs in the compressors package.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	// Decompress inflates data into a buffer of exactly uncompressedSize
	// bytes. The size is always known from the page header.
	Decompress(data []byte, uncompressedSize int) ([]byte, error)
	Type() CompressionType
}

// SeriesPath returns the full path of a series, device + "." + measurement.
func SeriesPath(device, measurement string) string {
	return device + PathSeparator + measurement
}

// TimePartition maps a timestamp to its partition number (floor division, so
// negative timestamps land in negative partitions). A non-positive interval
// disables partitioning: everything maps to partition 0.
func TimePartition(t, partitionInterval int64) int64 {
	if partitionInterval <= 0 {
		return 0
	}
	p := t / partitionInterval
	if t < 0 && t%partitionInterval != 0 {
		p--
	}
	return p
}
