// Package encoding implements the column codecs used inside pages: plain
// for every type, delta-of-delta for integer columns (including the time
// column), gorilla XOR for floating point, and run-length for booleans.
// Each codec encodes a whole column at once; the sample count travels in
// the page statistics, so decoders take it as a parameter.
package encoding

import (
	"fmt"

	"github.com/INLOpen/granite/core"
)

// Encoder serializes one column of values of a fixed data type.
type Encoder interface {
	Encode(values []interface{}) ([]byte, error)
}

// Decoder is the inverse of Encoder; count comes from page statistics.
type Decoder interface {
	Decode(data []byte, count int) ([]interface{}, error)
}

// NewEncoder returns the encoder for an (encoding, data type) pair, or an
// error for unsupported combinations (caught at schema registration).
func NewEncoder(enc core.Encoding, dt core.DataType) (Encoder, error) {
	switch enc {
	case core.EncodingPlain:
		return &plainCodec{dt: dt}, nil
	case core.EncodingTS2Diff:
		if dt != core.Int32 && dt != core.Int64 {
			return nil, fmt.Errorf("TS_2DIFF encoding requires an integer type, got %s", dt)
		}
		return &ts2DiffCodec{dt: dt}, nil
	case core.EncodingGorilla:
		if dt != core.Float && dt != core.Double {
			return nil, fmt.Errorf("GORILLA encoding requires a floating type, got %s", dt)
		}
		return &gorillaCodec{dt: dt}, nil
	case core.EncodingRLE:
		if dt != core.Boolean {
			return nil, fmt.Errorf("RLE encoding supports BOOLEAN only, got %s", dt)
		}
		return &rleBoolCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %d", enc)
	}
}

// NewDecoder returns the decoder for an (encoding, data type) pair.
func NewDecoder(enc core.Encoding, dt core.DataType) (Decoder, error) {
	e, err := NewEncoder(enc, dt)
	if err != nil {
		return nil, err
	}
	return e.(Decoder), nil
}

// NewTimeEncoder returns the encoder used for the timestamp column of every
// page. Timestamps are monotone within a chunk, which is the best case for
// delta-of-delta.
func NewTimeEncoder() Encoder {
	return &ts2DiffCodec{dt: core.Int64}
}

// NewTimeDecoder is the inverse of NewTimeEncoder.
func NewTimeDecoder() Decoder {
	return &ts2DiffCodec{dt: core.Int64}
}
