package encoding

import (
	"testing"

	"github.com/INLOpen/granite/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, enc core.Encoding, dt core.DataType, values []interface{}) {
	t.Helper()
	encoder, err := NewEncoder(enc, dt)
	require.NoError(t, err)
	data, err := encoder.Encode(values)
	require.NoError(t, err)
	decoder, err := NewDecoder(enc, dt)
	require.NoError(t, err)
	got, err := decoder.Decode(data, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestPlainRoundTrip(t *testing.T) {
	roundTrip(t, core.EncodingPlain, core.Text, []interface{}{"a", "", "hello world"})
	roundTrip(t, core.EncodingPlain, core.Int32, []interface{}{int32(-1), int32(0), int32(1 << 30)})
	roundTrip(t, core.EncodingPlain, core.Double, []interface{}{1.5, -2.25, 0.0})
}

func TestTS2DiffRoundTrip(t *testing.T) {
	regular := make([]interface{}, 1000)
	for i := range regular {
		regular[i] = int64(1000 + i*10)
	}
	roundTrip(t, core.EncodingTS2Diff, core.Int64, regular)

	irregular := []interface{}{int64(-50), int64(0), int64(7), int64(7), int64(1 << 40)}
	roundTrip(t, core.EncodingTS2Diff, core.Int64, irregular)

	roundTrip(t, core.EncodingTS2Diff, core.Int32, []interface{}{int32(5), int32(4), int32(100)})
}

func TestTS2DiffCompactsRegularIntervals(t *testing.T) {
	values := make([]interface{}, 10000)
	for i := range values {
		values[i] = int64(i * 1000)
	}
	encoder, err := NewEncoder(core.EncodingTS2Diff, core.Int64)
	require.NoError(t, err)
	data, err := encoder.Encode(values)
	require.NoError(t, err)
	// Constant deltas collapse to one byte per value after the ramp-up.
	assert.Less(t, len(data), len(values)*2)
}

func TestGorillaRoundTrip(t *testing.T) {
	values := []interface{}{12.0, 12.0, 24.0, 15.5, 14.0625, 3.25, -7.5}
	roundTrip(t, core.EncodingGorilla, core.Double, values)

	floats := []interface{}{float32(1.0), float32(1.0), float32(-3.5), float32(100.25)}
	roundTrip(t, core.EncodingGorilla, core.Float, floats)
}

func TestGorillaRepeatedValues(t *testing.T) {
	values := make([]interface{}, 500)
	for i := range values {
		values[i] = 42.5
	}
	encoder, err := NewEncoder(core.EncodingGorilla, core.Double)
	require.NoError(t, err)
	data, err := encoder.Encode(values)
	require.NoError(t, err)
	// One raw value plus one bit per repeat.
	assert.Less(t, len(data), 80)
	decoder, err := NewDecoder(core.EncodingGorilla, core.Double)
	require.NoError(t, err)
	got, err := decoder.Decode(data, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestRLEBoolRoundTrip(t *testing.T) {
	values := []interface{}{true, true, true, false, true, false, false, false}
	roundTrip(t, core.EncodingRLE, core.Boolean, values)
}

func TestUnsupportedCombinations(t *testing.T) {
	_, err := NewEncoder(core.EncodingTS2Diff, core.Text)
	assert.Error(t, err)
	_, err = NewEncoder(core.EncodingGorilla, core.Int64)
	assert.Error(t, err)
	_, err = NewEncoder(core.EncodingRLE, core.Double)
	assert.Error(t, err)
}
