package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/granite/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("granite storage engine page data "), 100)
	types := []core.CompressionType{
		core.CompressionNone,
		core.CompressionSnappy,
		core.CompressionLZ4,
		core.CompressionZstd,
	}
	for _, ct := range types {
		t.Run(ct.String(), func(t *testing.T) {
			c, err := Get(ct)
			require.NoError(t, err)
			assert.Equal(t, ct, c.Type())

			compressed, err := c.Compress(payload)
			require.NoError(t, err)
			got, err := c.Decompress(compressed, len(payload))
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestEmptyPayload(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZstd} {
		c, err := Get(ct)
		require.NoError(t, err)
		compressed, err := c.Compress(nil)
		require.NoError(t, err)
		got, err := c.Decompress(compressed, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestUnknownType(t *testing.T) {
	_, err := Get(core.CompressionType(99))
	assert.Error(t, err)
}
