package encoding

import (
	"bytes"

	"github.com/INLOpen/granite/core"
)

// plainCodec writes each value back to back in the shared big-endian
// format. The only codec valid for TEXT columns.
type plainCodec struct {
	dt core.DataType
}

var _ Encoder = (*plainCodec)(nil)
var _ Decoder = (*plainCodec)(nil)

func (c *plainCodec) Encode(values []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range values {
		if _, err := core.WriteValue(&buf, c.dt, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (c *plainCodec) Decode(data []byte, count int) ([]interface{}, error) {
	r := bytes.NewReader(data)
	values := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		v, err := core.ReadValue(r, c.dt)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
