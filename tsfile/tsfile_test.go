package tsfile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/INLOpen/granite/compressors"
	"github.com/INLOpen/granite/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int32Schema(measurement string) core.MeasurementSchema {
	return core.MeasurementSchema{
		MeasurementID: measurement,
		DataType:      core.Int32,
		Encoding:      core.EncodingPlain,
		Compression:   core.CompressionSnappy,
	}
}

// writeTestFile builds a sealed file: for every device, one chunk per
// measurement holding count samples starting at startTime, value = int32
// timestamp.
func writeTestFile(t *testing.T, path string, devices, measurements []string, startTime int64, count int, opts WriterOptions) {
	t.Helper()
	w, err := NewWriter(path, opts)
	require.NoError(t, err)
	compressor := compressors.NewSnappyCompressor()
	for _, device := range devices {
		require.NoError(t, w.StartChunkGroup(device))
		for _, m := range measurements {
			cw := NewChunkWriter(int32Schema(m), compressor, 100)
			for i := 0; i < count; i++ {
				ts := startTime + int64(i)
				require.NoError(t, cw.Write(ts, int32(ts)))
			}
			_, err := w.WriteChunk(cw)
			require.NoError(t, err)
		}
		require.NoError(t, w.EndChunkGroup())
	}
	require.NoError(t, w.WriteVersion(7))
	require.NoError(t, w.EndFile(context.Background()))
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-1-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0", "root.sg.d1"}, []string{"s0", "s1"}, 100, 50, WriterOptions{})

	r, err := OpenReader(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()

	head, err := r.ReadHeadMagic()
	require.NoError(t, err)
	assert.Equal(t, core.MagicString, head)
	tail, err := r.ReadTailMagic()
	require.NoError(t, err)
	assert.Equal(t, core.MagicString, tail)

	devices, err := r.AllDevices()
	require.NoError(t, err)
	assert.Equal(t, []string{"root.sg.d0", "root.sg.d1"}, devices)

	chunks, err := r.ChunkMetadataList("root.sg.d0", "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(100), chunks[0].StartTime())
	assert.Equal(t, int64(149), chunks[0].EndTime())
	assert.Equal(t, int64(7), chunks[0].Version)

	pairs, err := r.ReadChunk(chunks[0])
	require.NoError(t, err)
	require.Len(t, pairs, 50)
	for i, p := range pairs {
		assert.Equal(t, int64(100+i), p.Timestamp)
		assert.Equal(t, int32(100+i), p.Value)
	}
}

func TestChunkStatisticsContainSampleTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-2-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0"}, []string{"s0"}, 1, 321, WriterOptions{})

	r, err := OpenReader(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	chunks, err := r.ChunkMetadataList("root.sg.d0", "s0")
	require.NoError(t, err)
	for _, cm := range chunks {
		pairs, err := r.ReadChunk(cm)
		require.NoError(t, err)
		require.NotEmpty(t, pairs)
		assert.LessOrEqual(t, cm.StartTime(), pairs[0].Timestamp)
		assert.GreaterOrEqual(t, cm.EndTime(), pairs[len(pairs)-1].Timestamp)
	}
}

func TestPathNotFoundReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-3-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0"}, []string{"s0"}, 1, 10, WriterOptions{})

	r, err := OpenReader(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()

	chunks, err := r.ChunkMetadataList("root.sg.d0", "nope")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = r.ChunkMetadataList("root.sg.missing", "s0")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestBloomFilterRejectsAbsentSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-4-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0"}, []string{"s0", "s1"}, 1, 5, WriterOptions{})

	r, err := OpenReader(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	bloom, err := r.ReadBloomFilter()
	require.NoError(t, err)
	assert.True(t, bloom.Contains("root.sg.d0.s0"))
	assert.True(t, bloom.Contains("root.sg.d0.s1"))

	// The filter may report false positives but never false negatives;
	// sample enough absent paths to see it reject.
	rejected := 0
	for i := 0; i < 100; i++ {
		if !bloom.Contains(fmt.Sprintf("root.other.d%d.sX", i)) {
			rejected++
		}
	}
	assert.Greater(t, rejected, 50)
}

func TestDeepIndexTraversal(t *testing.T) {
	// A tiny fan-out forces multi-level device and measurement subtrees.
	opts := WriterOptions{MaxDegreeOfIndexNode: 2}
	var devices, measurements []string
	for i := 0; i < 9; i++ {
		devices = append(devices, fmt.Sprintf("root.sg.d%02d", i))
	}
	for i := 0; i < 11; i++ {
		measurements = append(measurements, fmt.Sprintf("s%02d", i))
	}
	path := filepath.Join(t.TempDir(), "1-5-0.gft")
	writeTestFile(t, path, devices, measurements, 10, 4, opts)

	r, err := OpenReader(path, ReaderOptions{MaxDegreeOfIndexNode: 2})
	require.NoError(t, err)
	defer r.Close()

	got, err := r.AllDevices()
	require.NoError(t, err)
	assert.Equal(t, devices, got)

	for _, d := range devices {
		for _, m := range measurements {
			chunks, err := r.ChunkMetadataList(d, m)
			require.NoError(t, err)
			require.Len(t, chunks, 1, "device %s measurement %s", d, m)
		}
	}

	// Bulk path: measurement count far above D/ln(D) triggers the leaf
	// traversal.
	series, err := r.TimeseriesMetadataOfDevice(devices[3], measurements)
	require.NoError(t, err)
	assert.Len(t, series, len(measurements))

	// Individual descents for a small subset.
	series, err = r.TimeseriesMetadataOfDevice(devices[3], measurements[:1])
	require.NoError(t, err)
	assert.Len(t, series, 1)

	byMeasurement, err := r.ChunkMetadataInDevice(devices[8])
	require.NoError(t, err)
	assert.Len(t, byMeasurement, len(measurements))
}

func TestVisibleMetadataBeforeSeal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-6-0.gft")
	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)
	compressor := compressors.NewSnappyCompressor()

	require.NoError(t, w.StartChunkGroup("root.sg.d0"))
	cw := NewChunkWriter(int32Schema("s0"), compressor, 100)
	for i := 0; i < 10; i++ {
		require.NoError(t, cw.Write(int64(i), int32(i)))
	}
	_, err = w.WriteChunk(cw)
	require.NoError(t, err)
	require.NoError(t, w.EndChunkGroup())
	require.NoError(t, w.WriteVersion(3))

	visible := w.VisibleMetadata("root.sg.d0", "s0")
	require.Len(t, visible, 1)
	assert.Equal(t, int64(0), visible[0].StartTime())
	assert.Equal(t, int64(9), visible[0].EndTime())
	assert.Equal(t, int64(3), visible[0].Version)
	assert.Empty(t, w.VisibleMetadata("root.sg.d0", "s9"))

	require.NoError(t, w.EndFile(context.Background()))
}
