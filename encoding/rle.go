package encoding

import (
	"bytes"
	"encoding/binary"
	"io"
)

// rleBoolCodec stores boolean columns as (varint runLength, value byte)
// pairs.
type rleBoolCodec struct{}

var _ Encoder = (*rleBoolCodec)(nil)
var _ Decoder = (*rleBoolCodec)(nil)

func (c *rleBoolCodec) Encode(values []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte
	i := 0
	for i < len(values) {
		v := values[i].(bool)
		run := 1
		for i+run < len(values) && values[i+run].(bool) == v {
			run++
		}
		n := binary.PutUvarint(scratch[:], uint64(run))
		buf.Write(scratch[:n])
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		i += run
	}
	return buf.Bytes(), nil
}

func (c *rleBoolCodec) Decode(data []byte, count int) ([]interface{}, error) {
	r := bytes.NewReader(data)
	values := make([]interface{}, 0, count)
	for len(values) < count {
		run, err := binary.ReadUvarint(r)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < run && len(values) < count; j++ {
			values = append(values, b != 0)
		}
	}
	return values, nil
}
