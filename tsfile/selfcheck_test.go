package tsfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/granite/compressors"
	"github.com/INLOpen/granite/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfCheckCompleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-1-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0"}, []string{"s0"}, 1, 100, WriterOptions{})

	result, err := SelfCheck(path, true, nil)
	require.NoError(t, err)
	assert.Equal(t, CheckComplete, result.Status)
}

func TestSelfCheckOnlyMagicHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-2-0.gft")
	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	result, err := SelfCheck(path, false, nil)
	require.NoError(t, err)
	assert.Equal(t, CheckOnlyMagicHead, result.Status)
	assert.Equal(t, int64(core.HeaderLength), result.TruncatedPosition)
}

func TestSelfCheckIncompatible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.gft")
	require.NoError(t, os.WriteFile(path, []byte("not a data file at all"), 0o644))

	result, err := SelfCheck(path, false, nil)
	require.NoError(t, err)
	assert.Equal(t, CheckIncompatible, result.Status)

	short := filepath.Join(t.TempDir(), "short.gft")
	require.NoError(t, os.WriteFile(short, []byte("xy"), 0o644))
	result, err = SelfCheck(short, false, nil)
	require.NoError(t, err)
	assert.Equal(t, CheckIncompatible, result.Status)
}

func TestSelfCheckRecoversMetadataFromPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-3-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0", "root.sg.d1"}, []string{"s0"}, 50, 20, WriterOptions{})

	result, err := SelfCheck(path, false, nil)
	require.NoError(t, err)
	assert.Equal(t, CheckTruncated, result.Status)
	require.Len(t, result.ChunkGroups, 2)
	assert.Equal(t, "root.sg.d0", result.ChunkGroups[0].Device)
	require.Len(t, result.ChunkGroups[0].Chunks, 1)
	assert.Equal(t, int64(50), result.ChunkGroups[0].Chunks[0].StartTime())
	assert.Equal(t, int64(69), result.ChunkGroups[0].Chunks[0].EndTime())
	require.Len(t, result.VersionInfo, 1)
	assert.Equal(t, int64(7), result.VersionInfo[0].Version)
}

// A torn tail is truncated back to the last complete chunk group; replaying
// the prefix and re-appending a fresh tail yields a valid complete file with
// the same content as a single-session write.
func TestSelfCheckTornTailRecoversToValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-4-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0"}, []string{"s0"}, 1, 200, WriterOptions{})

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-17))

	result, err := SelfCheck(path, false, nil)
	require.NoError(t, err)
	assert.Equal(t, CheckTruncated, result.Status)
	assert.LessOrEqual(t, result.TruncatedPosition, info.Size()-17)
	require.Len(t, result.ChunkGroups, 1)

	w, _, err := NewRestorableWriter(path, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteVersion(7))
	require.NoError(t, w.EndFile(context.Background()))

	r, err := OpenReader(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	chunks, err := r.ChunkMetadataList("root.sg.d0", "s0")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	pairs, err := r.ReadChunk(chunks[0])
	require.NoError(t, err)
	require.Len(t, pairs, 200)
	assert.Equal(t, int64(1), pairs[0].Timestamp)
	assert.Equal(t, int64(200), pairs[len(pairs)-1].Timestamp)
}

// Tearing the file inside a chunk group drops the whole group.
func TestSelfCheckDropsHalfFinishedChunkGroup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-5-0.gft")

	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)
	compressor := compressors.NewSnappyCompressor()
	require.NoError(t, w.StartChunkGroup("root.sg.d0"))
	cw := NewChunkWriter(int32Schema("s0"), compressor, 100)
	for i := 0; i < 50; i++ {
		require.NoError(t, cw.Write(int64(i), int32(i)))
	}
	_, err = w.WriteChunk(cw)
	require.NoError(t, err)
	require.NoError(t, w.EndChunkGroup())
	groupEnd := w.Offset()

	// Second group: chunk written, footer missing.
	require.NoError(t, w.StartChunkGroup("root.sg.d1"))
	cw = NewChunkWriter(int32Schema("s0"), compressor, 100)
	require.NoError(t, cw.Write(1, int32(1)))
	_, err = w.WriteChunk(cw)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Abort())

	result, err := SelfCheck(path, false, nil)
	require.NoError(t, err)
	assert.Equal(t, CheckTruncated, result.Status)
	assert.Equal(t, groupEnd, result.TruncatedPosition)
	require.Len(t, result.ChunkGroups, 1)
	assert.Equal(t, "root.sg.d0", result.ChunkGroups[0].Device)
}

func TestRestorableWriterContinuesAppending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-6-0.gft")
	writeTestFile(t, path, []string{"root.sg.d0"}, []string{"s0"}, 1, 10, WriterOptions{})

	w, result, err := NewRestorableWriter(path, WriterOptions{})
	require.NoError(t, err)
	assert.Equal(t, CheckTruncated, result.Status)
	require.Len(t, w.ChunkGroups(), 1)

	compressor := compressors.NewSnappyCompressor()
	require.NoError(t, w.StartChunkGroup("root.sg.d0"))
	cw := NewChunkWriter(int32Schema("s0"), compressor, 100)
	for i := 11; i <= 20; i++ {
		require.NoError(t, cw.Write(int64(i), int32(i)))
	}
	_, err = w.WriteChunk(cw)
	require.NoError(t, err)
	require.NoError(t, w.EndChunkGroup())
	require.NoError(t, w.WriteVersion(8))
	require.NoError(t, w.EndFile(context.Background()))

	r, err := OpenReader(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	chunks, err := r.ChunkMetadataList("root.sg.d0", "s0")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(7), chunks[0].Version)
	assert.Equal(t, int64(8), chunks[1].Version)
}
