package cache

import (
	"context"
	"expvar"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/INLOpen/granite/compressors"
	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/tsfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var metricSeq int

func newMetrics() (*expvar.Int, *expvar.Int) {
	metricSeq++
	return expvar.NewInt(fmt.Sprintf("cache_test_hits_%d", metricSeq)),
		expvar.NewInt(fmt.Sprintf("cache_test_misses_%d", metricSeq))
}

func writeFile(t *testing.T, dir, name string, measurements []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	w, err := tsfile.NewWriter(path, tsfile.WriterOptions{})
	require.NoError(t, err)
	compressor := compressors.NewSnappyCompressor()
	require.NoError(t, w.StartChunkGroup("root.sg.d0"))
	for _, m := range measurements {
		cw := tsfile.NewChunkWriter(core.MeasurementSchema{
			MeasurementID: m, DataType: core.Int64, Encoding: core.EncodingTS2Diff,
		}, compressor, 64)
		for i := int64(0); i < 10; i++ {
			require.NoError(t, cw.Write(i, i))
		}
		_, err = w.WriteChunk(cw)
		require.NoError(t, err)
	}
	require.NoError(t, w.EndChunkGroup())
	require.NoError(t, w.WriteVersion(1))
	require.NoError(t, w.EndFile(context.Background()))
	return path
}

func TestGetCachesChunkMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "1-1-0.gft", []string{"s0", "s1"})
	reader, err := tsfile.OpenReader(path, tsfile.ReaderOptions{})
	require.NoError(t, err)
	defer reader.Close()

	c := NewChunkMetadataCache(1<<20, nil)
	hits, misses := newMetrics()
	c.SetMetrics(hits, misses)

	first, err := c.Get(reader, "root.sg.d0", "s0")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(0), hits.Value())
	assert.Equal(t, int64(1), misses.Value())

	second, err := c.Get(reader, "root.sg.d0", "s0")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(1), hits.Value())
	assert.Equal(t, 1, c.Len())

	// Returned lists are copies: mutating one must not poison the cache.
	second[0].DeletedAt = 12345
	third, err := c.Get(reader, "root.sg.d0", "s0")
	require.NoError(t, err)
	assert.NotEqual(t, int64(12345), third[0].DeletedAt)
}

func TestGetAbsentSeriesIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "1-2-0.gft", []string{"s0"})
	reader, err := tsfile.OpenReader(path, tsfile.ReaderOptions{})
	require.NoError(t, err)
	defer reader.Close()

	c := NewChunkMetadataCache(1<<20, nil)
	chunks, err := c.Get(reader, "root.sg.d0", "absent")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestDisabledCacheStillUsesBloomFilter(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "1-3-0.gft", []string{"s0"})
	reader, err := tsfile.OpenReader(path, tsfile.ReaderOptions{})
	require.NoError(t, err)
	defer reader.Close()

	c := NewChunkMetadataCache(0, nil)
	chunks, err := c.Get(reader, "root.sg.d0", "s0")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, c.Len())

	// A path the bloom filter rejects short-circuits to an empty list.
	chunks, err = c.Get(reader, "root.elsewhere.devX", "nada")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRemoveDropsFileEntries(t *testing.T) {
	dir := t.TempDir()
	pathA := writeFile(t, dir, "1-4-0.gft", []string{"s0"})
	pathB := writeFile(t, dir, "1-5-0.gft", []string{"s0"})
	readerA, err := tsfile.OpenReader(pathA, tsfile.ReaderOptions{})
	require.NoError(t, err)
	defer readerA.Close()
	readerB, err := tsfile.OpenReader(pathB, tsfile.ReaderOptions{})
	require.NoError(t, err)
	defer readerB.Close()

	c := NewChunkMetadataCache(1<<20, nil)
	_, err = c.Get(readerA, "root.sg.d0", "s0")
	require.NoError(t, err)
	_, err = c.Get(readerB, "root.sg.d0", "s0")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	c.Remove(pathA)
	assert.Equal(t, 1, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestEvictionUnderByteBudget(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "1-6-0.gft", []string{"s0", "s1", "s2", "s3", "s4"})
	reader, err := tsfile.OpenReader(path, tsfile.ReaderOptions{})
	require.NoError(t, err)
	defer reader.Close()

	// A budget good for roughly two entries forces strict LRU eviction.
	c := NewChunkMetadataCache(300, nil)
	for _, m := range []string{"s0", "s1", "s2", "s3", "s4"} {
		_, err := c.Get(reader, "root.sg.d0", m)
		require.NoError(t, err)
	}
	assert.Less(t, c.Len(), 5)
	assert.Greater(t, c.Len(), 0)
}
