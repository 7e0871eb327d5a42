package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/granite/compressors"
	"github.com/INLOpen/granite/config"
	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/resource"
	"github.com/INLOpen/granite/tsfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recoverDevice = "root.sg.d0"

// buildSealedFile writes a sealed data file holding one chunk per
// measurement with the given timestamps, persists its side-car and returns
// the closed resource.
func buildSealedFile(t *testing.T, dir, name string, measurements []string, times []int64, version int64, valueAt func(ts int64) int32) *resource.FileResource {
	t.Helper()
	path := filepath.Join(dir, name)
	w, err := tsfile.NewWriter(path, tsfile.WriterOptions{})
	require.NoError(t, err)
	compressor, err := compressors.Get(core.CompressionSnappy)
	require.NoError(t, err)
	require.NoError(t, w.StartChunkGroup(recoverDevice))
	for _, m := range measurements {
		cw := tsfile.NewChunkWriter(core.MeasurementSchema{
			MeasurementID: m, DataType: core.Int32, Encoding: core.EncodingPlain, Compression: core.CompressionSnappy,
		}, compressor, 64)
		for _, ts := range times {
			require.NoError(t, cw.Write(ts, valueAt(ts)))
		}
		_, err = w.WriteChunk(cw)
		require.NoError(t, err)
	}
	require.NoError(t, w.EndChunkGroup())
	require.NoError(t, w.WriteVersion(version))
	require.NoError(t, w.EndFile(context.Background()))

	res := resource.NewFileResource(path)
	for _, ts := range times {
		res.UpdateStartTime(recoverDevice, ts)
		res.UpdateEndTime(recoverDevice, ts)
	}
	res.SetHistoricalVersions(map[int64]struct{}{version: {}})
	require.NoError(t, res.Serialize())
	res.SetClosed(true)
	return res
}

type mergeFixture struct {
	sysDir string
	opts   TaskOptions
	seq    []*resource.FileResource
	unseq  []*resource.FileResource
}

func seqValue(ts int64) int32 {
	return int32(ts)
}

func unseqValue(ts int64) int32 {
	return int32(ts) + 1000
}

// newMergeFixture builds two sequence files and one overlapping unsequence
// file with two series, then runs the merge up to (and including) the first
// series and abandons it without sealing anything, as a crash would.
func newMergeFixture(t *testing.T) *mergeFixture {
	t.Helper()
	base := t.TempDir()
	sysDir := filepath.Join(base, "system")
	dataDir := filepath.Join(base, "data")
	require.NoError(t, os.MkdirAll(sysDir, 0o755))
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	measurements := []string{"s0", "s1"}
	seq1 := buildSealedFile(t, dataDir, "1-1-0.gft", measurements, timeRange(100, 110), 1, seqValue)
	seq2 := buildSealedFile(t, dataDir, "2-2-0.gft", measurements, timeRange(200, 210), 2, seqValue)
	unseq := buildSealedFile(t, dataDir, "3-3-0.gft", measurements, []int64{105, 205}, 3, unseqValue)

	fx := &mergeFixture{
		sysDir: sysDir,
		seq:    []*resource.FileResource{seq1, seq2},
		unseq:  []*resource.FileResource{unseq},
		opts: TaskOptions{
			Strategy:             config.MergeInplace,
			SysDir:               sysDir,
			TargetDir:            dataDir,
			Compression:          core.CompressionSnappy,
			MaxDegreeOfIndexNode: 256,
			BloomFilterErrorRate: 0.05,
		},
	}

	res := NewResource(fx.seq, fx.unseq, fx.opts.MaxDegreeOfIndexNode)
	task := NewTask(res, fx.opts, nil)
	log, err := NewLogger(sysDir)
	require.NoError(t, err)
	task.log = log
	require.NoError(t, log.LogFiles(paths(fx.seq), paths(fx.unseq)))
	require.NoError(t, log.LogMergeStart())
	series, err := res.SeriesUnion()
	require.NoError(t, err)
	require.Len(t, series, 2)
	require.NoError(t, task.mergeSeries(series[:1], nil))
	// Crash: the log and the unsealed .merge targets are simply abandoned.
	require.NoError(t, log.Close())
	res.CloseReaders()
	return fx
}

func timeRange(start, end int64) []int64 {
	var out []int64
	for ts := start; ts < end; ts++ {
		out = append(out, ts)
	}
	return out
}

// reload rebuilds the resource lists the way startup would.
func (fx *mergeFixture) reload(t *testing.T) (seq, unseq []*resource.FileResource) {
	t.Helper()
	for _, f := range fx.seq {
		res := resource.NewFileResource(f.Path())
		require.NoError(t, res.Deserialize())
		res.SetClosed(true)
		seq = append(seq, res)
	}
	for _, f := range fx.unseq {
		res := resource.NewFileResource(f.Path())
		require.NoError(t, res.Deserialize())
		res.SetClosed(true)
		unseq = append(unseq, res)
	}
	return seq, unseq
}

func readSeries(t *testing.T, path, measurement string) map[int64]int32 {
	t.Helper()
	r, err := tsfile.OpenReader(path, tsfile.ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	chunks, err := r.ChunkMetadataList(recoverDevice, measurement)
	require.NoError(t, err)
	out := map[int64]int32{}
	for _, cm := range chunks {
		pairs, err := r.ReadChunk(cm)
		require.NoError(t, err)
		for _, p := range pairs {
			_, dup := out[p.Timestamp]
			require.False(t, dup, "timestamp %d appears twice in %s.%s", p.Timestamp, path, measurement)
			out[p.Timestamp] = p.Value.(int32)
		}
	}
	return out
}

func TestRecoverResumesFromMergeStart(t *testing.T) {
	fx := newMergeFixture(t)
	seq, unseq := fx.reload(t)

	var gotSeq, gotUnseq []*resource.FileResource
	callback := func(seqFiles, unseqFiles []*resource.FileResource, logPath string, newFiles []*resource.FileResource) {
		gotSeq, gotUnseq = seqFiles, unseqFiles
		assert.Empty(t, newFiles)
	}
	require.NoError(t, Recover(seq, unseq, true, fx.opts, callback))

	require.Len(t, gotSeq, 2)
	require.Len(t, gotUnseq, 1)
	analyzer, err := AnalyzeLog(LogPath(fx.sysDir))
	require.NoError(t, err)
	assert.Equal(t, StatusMergeEnd, analyzer.Status)

	// Both series of both files carry the merged-in out-of-order samples,
	// including the one the interrupted run had already merged.
	for _, m := range []string{"s0", "s1"} {
		first := readSeries(t, seq[0].Path(), m)
		require.Len(t, first, 10)
		assert.Equal(t, unseqValue(105), first[105])
		assert.Equal(t, seqValue(100), first[100])

		second := readSeries(t, seq[1].Path(), m)
		require.Len(t, second, 10)
		assert.Equal(t, unseqValue(205), second[205])
	}

	// The intermediate targets are gone after the successful finish.
	for _, f := range seq {
		assert.NoFileExists(t, f.Path()+core.MergeFileSuffix)
	}
}

func TestRecoverAbortRollsBackInterruptedMerge(t *testing.T) {
	fx := newMergeFixture(t)
	seq, unseq := fx.reload(t)

	called := false
	callback := func([]*resource.FileResource, []*resource.FileResource, string, []*resource.FileResource) {
		called = true
	}
	require.NoError(t, Recover(seq, unseq, false, fx.opts, callback))

	assert.False(t, called)
	assert.NoFileExists(t, LogPath(fx.sysDir))
	for _, f := range seq {
		assert.NoFileExists(t, f.Path()+core.MergeFileSuffix)
	}
	// The inputs were never touched: originals keep their pre-merge
	// content and the unsequence file survives.
	first := readSeries(t, seq[0].Path(), "s0")
	require.Len(t, first, 10)
	assert.Equal(t, seqValue(105), first[105])
	assert.FileExists(t, unseq[0].Path())
}

func TestRecoverAbortsWhenInputsMissing(t *testing.T) {
	fx := newMergeFixture(t)
	seq, _ := fx.reload(t)
	// The unsequence input vanished between the crash and the restart; the
	// recoverer must abort and log, never fabricate empty outputs.
	require.NoError(t, fx.unseq[0].Remove())

	called := false
	callback := func([]*resource.FileResource, []*resource.FileResource, string, []*resource.FileResource) {
		called = true
	}
	require.NoError(t, Recover(seq, nil, true, fx.opts, callback))

	assert.False(t, called)
	assert.NoFileExists(t, LogPath(fx.sysDir))
	for _, f := range seq {
		assert.NoFileExists(t, f.Path()+core.MergeFileSuffix)
		content := readSeries(t, f.Path(), "s0")
		require.Len(t, content, 10)
	}
}
