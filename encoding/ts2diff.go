package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/granite/core"
)

// ts2DiffCodec stores the first value as a zigzag varint, then the
// delta-of-delta of each following value, also zigzag varint encoded.
// Regular sampling intervals collapse to a stream of zero bytes.
type ts2DiffCodec struct {
	dt core.DataType
}

var _ Encoder = (*ts2DiffCodec)(nil)
var _ Decoder = (*ts2DiffCodec)(nil)

func (c *ts2DiffCodec) toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("TS_2DIFF: unsupported value type %T", v)
	}
}

func (c *ts2DiffCodec) fromInt64(v int64) interface{} {
	if c.dt == core.Int32 {
		return int32(v)
	}
	return v
}

func (c *ts2DiffCodec) Encode(values []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte
	prev, prevDelta := int64(0), int64(0)
	for i, raw := range values {
		v, err := c.toInt64(raw)
		if err != nil {
			return nil, err
		}
		var out int64
		switch i {
		case 0:
			out = v
		default:
			delta := v - prev
			out = delta - prevDelta
			prevDelta = delta
		}
		prev = v
		n := binary.PutVarint(scratch[:], out)
		buf.Write(scratch[:n])
	}
	return buf.Bytes(), nil
}

func (c *ts2DiffCodec) Decode(data []byte, count int) ([]interface{}, error) {
	r := bytes.NewReader(data)
	values := make([]interface{}, 0, count)
	prev, prevDelta := int64(0), int64(0)
	for i := 0; i < count; i++ {
		out, err := binary.ReadVarint(r)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("TS_2DIFF decode at value %d: %w", i, err)
		}
		var v int64
		switch i {
		case 0:
			v = out
		default:
			delta := prevDelta + out
			v = prev + delta
			prevDelta = delta
		}
		prev = v
		values = append(values, c.fromInt64(v))
	}
	return values, nil
}
