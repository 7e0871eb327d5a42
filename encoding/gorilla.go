package encoding

import (
	"bytes"
	"math"

	"github.com/INLOpen/granite/core"
)

// gorillaCodec is the XOR float scheme from the Gorilla paper: the first
// value is stored raw; each later value is XORed with its predecessor, and
// only the meaningful bits of the XOR are written, reusing the previous
// leading/trailing-zero window when it still fits.
type gorillaCodec struct {
	dt core.DataType
}

var _ Encoder = (*gorillaCodec)(nil)
var _ Decoder = (*gorillaCodec)(nil)

func (c *gorillaCodec) bits(v interface{}) uint64 {
	if c.dt == core.Float {
		return uint64(math.Float32bits(v.(float32)))
	}
	return math.Float64bits(v.(float64))
}

func (c *gorillaCodec) value(bits uint64) interface{} {
	if c.dt == core.Float {
		return math.Float32frombits(uint32(bits))
	}
	return math.Float64frombits(bits)
}

// width of one raw value and of the leading-zero-count field
func (c *gorillaCodec) widths() (valueBits, leadingBits uint) {
	if c.dt == core.Float {
		return 32, 5
	}
	return 64, 6
}

func leadingZeros(v uint64, width uint) uint {
	n := uint(0)
	for i := int(width) - 1; i >= 0; i-- {
		if (v>>uint(i))&1 == 1 {
			break
		}
		n++
	}
	return n
}

func trailingZeros(v uint64, width uint) uint {
	if v == 0 {
		return width
	}
	n := uint(0)
	for i := uint(0); i < width; i++ {
		if (v>>i)&1 == 1 {
			break
		}
		n++
	}
	return n
}

func (c *gorillaCodec) Encode(values []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	w := newBitWriter(&buf)
	valueBits, leadingWidth := c.widths()
	var prev uint64
	prevLeading, prevTrailing := uint(0), valueBits
	for i, raw := range values {
		cur := c.bits(raw)
		if i == 0 {
			w.writeBits(cur, valueBits)
			prev = cur
			continue
		}
		xor := cur ^ prev
		prev = cur
		if xor == 0 {
			w.writeBit(false)
			continue
		}
		w.writeBit(true)
		lead := leadingZeros(xor, valueBits)
		trail := trailingZeros(xor, valueBits)
		maxLead := uint(1)<<leadingWidth - 1
		if lead > maxLead {
			lead = maxLead
		}
		if prevTrailing < valueBits && lead >= prevLeading && trail >= prevTrailing {
			// Fits the previous window: control bit 0, reuse widths.
			w.writeBit(false)
			w.writeBits(xor>>prevTrailing, valueBits-prevLeading-prevTrailing)
		} else {
			w.writeBit(true)
			meaningful := valueBits - lead - trail
			w.writeBits(uint64(lead), leadingWidth)
			w.writeBits(uint64(meaningful), 6)
			w.writeBits(xor>>trail, meaningful)
			prevLeading, prevTrailing = lead, trail
		}
	}
	w.flush()
	return buf.Bytes(), nil
}

func (c *gorillaCodec) Decode(data []byte, count int) ([]interface{}, error) {
	r := newBitReader(data)
	valueBits, leadingWidth := c.widths()
	values := make([]interface{}, 0, count)
	var prev uint64
	prevLeading, prevTrailing := uint(0), valueBits
	for i := 0; i < count; i++ {
		if i == 0 {
			bits, err := r.readBits(valueBits)
			if err != nil {
				return nil, err
			}
			prev = bits
			values = append(values, c.value(bits))
			continue
		}
		changed, err := r.readBit()
		if err != nil {
			return nil, err
		}
		if !changed {
			values = append(values, c.value(prev))
			continue
		}
		newWindow, err := r.readBit()
		if err != nil {
			return nil, err
		}
		if newWindow {
			lead64, err := r.readBits(leadingWidth)
			if err != nil {
				return nil, err
			}
			meaningful64, err := r.readBits(6)
			if err != nil {
				return nil, err
			}
			if meaningful64 == 0 {
				// A full 64-bit window does not fit the 6-bit field and
				// wraps to 0; a changed value never has 0 meaningful bits.
				meaningful64 = 64
			}
			prevLeading = uint(lead64)
			prevTrailing = valueBits - prevLeading - uint(meaningful64)
		}
		xorBits, err := r.readBits(valueBits - prevLeading - prevTrailing)
		if err != nil {
			return nil, err
		}
		prev ^= xorBits << prevTrailing
		values = append(values, c.value(prev))
	}
	return values, nil
}
