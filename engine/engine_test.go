package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/granite/config"
	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/merge"
	"github.com/INLOpen/granite/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGroup  = "root.vehicle"
	testDevice = "root.vehicle.d0"
)

type mapSchemaProvider struct {
	schemas map[string]core.MeasurementSchema
}

func (m *mapSchemaProvider) SeriesSchema(device, measurement string) (core.MeasurementSchema, error) {
	if s, ok := m.schemas[measurement]; ok {
		return s, nil
	}
	return core.MeasurementSchema{}, fmt.Errorf("unknown series %s.%s", device, measurement)
}

func testSchema() core.SchemaProvider {
	return &mapSchemaProvider{schemas: map[string]core.MeasurementSchema{
		"s0": {MeasurementID: "s0", DataType: core.Int32, Encoding: core.EncodingPlain, Compression: core.CompressionSnappy},
		"s1": {MeasurementID: "s1", DataType: core.Int64, Encoding: core.EncodingTS2Diff, Compression: core.CompressionSnappy},
	}}
}

func testConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.SysDir = filepath.Join(base, "system")
	cfg.FlushWorkers = 2
	cfg.MergeWorkers = 1
	return cfg
}

func newTestProcessor(t *testing.T, cfg config.EngineConfig, opts Options) *StorageGroupProcessor {
	t.Helper()
	p, err := NewStorageGroupProcessor(testGroup, cfg, testSchema(), opts)
	require.NoError(t, err)
	return p
}

func insertRow(t *testing.T, p *StorageGroupProcessor, ts int64, value int32) {
	t.Helper()
	require.NoError(t, p.Insert(&core.InsertPlan{
		Device:       testDevice,
		Timestamp:    ts,
		Measurements: []string{"s0"},
		Values:       []interface{}{value},
	}))
}

func TestSequenceSyncClose(t *testing.T) {
	p := newTestProcessor(t, testConfig(t), Options{})
	defer p.Close()

	for ts := int64(1); ts <= 10; ts++ {
		insertRow(t, p, ts, int32(ts))
		p.AsyncCloseAllWorkingFileProcessors()
	}
	p.SyncCloseAllWorkingFileProcessors()

	q, err := p.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	defer q.Close()
	assert.Len(t, q.SeqResources, 10)
	assert.Empty(t, q.UnseqResources)
	for _, res := range q.SeqResources {
		assert.True(t, res.IsClosed())
	}
}

func TestUnseqUnsealedDelete(t *testing.T) {
	p := newTestProcessor(t, testConfig(t), Options{})
	defer p.Close()

	insertRow(t, p, 10000, 1000)
	p.SyncCloseAllWorkingFileProcessors()

	for ts := int64(1); ts <= 10; ts++ {
		insertRow(t, p, ts, int32(ts))
	}
	for _, fp := range p.WorkingUnseqProcessors() {
		require.NoError(t, fp.SyncFlush())
	}
	for ts := int64(11); ts <= 20; ts++ {
		insertRow(t, p, ts, int32(ts))
	}

	require.NoError(t, p.Delete(testDevice, "s0", 15))

	unseq := p.WorkingUnseqProcessors()
	require.Len(t, unseq, 1)
	memChunks, chunkMeta, err := unseq[0].Query(testDevice, "s0")
	require.NoError(t, err)

	expected := int64(16)
	for _, chunk := range memChunks {
		reader := chunk.PointReader()
		for reader.HasNext() {
			pair := reader.Next()
			assert.Equal(t, expected, pair.Timestamp)
			expected++
		}
	}
	assert.Equal(t, int64(21), expected)
	assert.Empty(t, chunkMeta)
}

func TestTabletWriteAndSyncClose(t *testing.T) {
	p := newTestProcessor(t, testConfig(t), Options{})
	defer p.Close()

	makeTablet := func(start, count int64) *core.InsertTabletPlan {
		times := make([]int64, count)
		s0 := make([]int32, count)
		s1 := make([]int64, count)
		for i := int64(0); i < count; i++ {
			times[i] = start + i
			s0[i] = 1
			s1[i] = 1
		}
		return &core.InsertTabletPlan{
			Device:       testDevice,
			Measurements: []string{"s0", "s1"},
			DataTypes:    []core.DataType{core.Int32, core.Int64},
			Timestamps:   times,
			Columns:      []interface{}{s0, s1},
			RowCount:     int(count),
		}
	}

	for _, err := range p.InsertTablet(makeTablet(0, 100)) {
		require.NoError(t, err)
	}
	p.AsyncCloseAllWorkingFileProcessors()

	for _, err := range p.InsertTablet(makeTablet(50, 99)) {
		require.NoError(t, err)
	}
	p.AsyncCloseAllWorkingFileProcessors()
	p.SyncCloseAllWorkingFileProcessors()

	q, err := p.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	defer q.Close()
	assert.Len(t, q.SeqResources, 2)
	assert.Len(t, q.UnseqResources, 1)
	for _, res := range q.SeqResources {
		assert.True(t, res.IsClosed())
	}
}

func TestSeqAndUnseqSyncClose(t *testing.T) {
	p := newTestProcessor(t, testConfig(t), Options{})
	defer p.Close()

	for ts := int64(21); ts <= 30; ts++ {
		insertRow(t, p, ts, int32(ts))
		p.AsyncCloseAllWorkingFileProcessors()
	}
	p.SyncCloseAllWorkingFileProcessors()

	for ts := int64(10); ts >= 1; ts-- {
		insertRow(t, p, ts, int32(ts))
		p.AsyncCloseAllWorkingFileProcessors()
	}
	p.SyncCloseAllWorkingFileProcessors()

	q, err := p.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	defer q.Close()
	assert.Len(t, q.SeqResources, 10)
	assert.Len(t, q.UnseqResources, 10)
	for _, res := range q.SeqResources {
		assert.True(t, res.IsClosed())
	}
	for _, res := range q.UnseqResources {
		assert.True(t, res.IsClosed())
	}
}

func TestMergeSqueezesSeqAndUnseqIntoOneFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.MergeStrategy = config.MergeSqueeze
	mergeEnded := make(chan struct{}, 1)
	p := newTestProcessor(t, cfg, Options{MergeEndHook: func() { mergeEnded <- struct{}{} }})
	defer p.Close()

	for ts := int64(21); ts <= 30; ts++ {
		insertRow(t, p, ts, int32(ts))
		p.AsyncCloseAllWorkingFileProcessors()
	}
	p.SyncCloseAllWorkingFileProcessors()
	for ts := int64(10); ts >= 1; ts-- {
		insertRow(t, p, ts, int32(ts))
		p.AsyncCloseAllWorkingFileProcessors()
	}
	p.SyncCloseAllWorkingFileProcessors()

	require.NoError(t, p.Merge(true))
	select {
	case <-mergeEnded:
	case <-time.After(30 * time.Second):
		t.Fatal("merge did not finish in time")
	}

	assert.NoFileExists(t, merge.LogPath(p.sysDir()))

	q, err := p.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	defer q.Close()
	require.Len(t, q.SeqResources, 1)
	assert.Empty(t, q.UnseqResources)
	assert.True(t, q.SeqResources[0].IsClosed())

	chunks, err := p.ChunkMetadata(q.SeqResources[0], testDevice, "s0")
	require.NoError(t, err)
	var got []int64
	for _, cm := range chunks {
		pairs, err := p.ReadChunk(q.SeqResources[0], cm)
		require.NoError(t, err)
		for _, pair := range pairs {
			got = append(got, pair.Timestamp)
		}
	}
	var want []int64
	for ts := int64(1); ts <= 10; ts++ {
		want = append(want, ts)
	}
	for ts := int64(21); ts <= 30; ts++ {
		want = append(want, ts)
	}
	assert.Equal(t, want, got)
}

func TestDeleteHidesSealedSamples(t *testing.T) {
	p := newTestProcessor(t, testConfig(t), Options{})
	defer p.Close()

	for ts := int64(1); ts <= 10; ts++ {
		insertRow(t, p, ts, int32(ts))
	}
	p.SyncCloseAllWorkingFileProcessors()
	require.NoError(t, p.Delete(testDevice, "s0", 5))

	q, err := p.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	defer q.Close()
	require.Len(t, q.SeqResources, 1)

	chunks, err := p.ChunkMetadata(q.SeqResources[0], testDevice, "s0")
	require.NoError(t, err)
	var got []int64
	for _, cm := range chunks {
		pairs, err := p.ReadChunk(q.SeqResources[0], cm)
		require.NoError(t, err)
		for _, pair := range pairs {
			got = append(got, pair.Timestamp)
		}
	}
	assert.Equal(t, []int64{6, 7, 8, 9, 10}, got)
}

func TestRecoveryAfterCleanRestart(t *testing.T) {
	cfg := testConfig(t)
	p := newTestProcessor(t, cfg, Options{})
	for ts := int64(1); ts <= 10; ts++ {
		insertRow(t, p, ts, int32(ts))
	}
	p.SyncCloseAllWorkingFileProcessors()
	require.NoError(t, p.Close())

	p2 := newTestProcessor(t, cfg, Options{})
	defer p2.Close()

	q, err := p2.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	assert.Len(t, q.SeqResources, 1)
	assert.True(t, q.SeqResources[0].IsClosed())
	q.Close()

	// The classifier was rebuilt from the recovered end times: an earlier
	// timestamp lands in the unsequence population.
	insertRow(t, p2, 5, 55)
	q, err = p2.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	defer q.Close()
	assert.Len(t, q.SeqResources, 1)
	assert.Len(t, q.UnseqResources, 1)
}

func TestRecoverySelfChecksTornFile(t *testing.T) {
	cfg := testConfig(t)
	p := newTestProcessor(t, cfg, Options{})
	for ts := int64(1); ts <= 100; ts++ {
		insertRow(t, p, ts, int32(ts))
	}
	p.SyncCloseAllWorkingFileProcessors()

	q, err := p.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	require.Len(t, q.SeqResources, 1)
	dataPath := q.SeqResources[0].Path()
	q.Close()
	require.NoError(t, p.Close())

	// Tear the tail off and drop the side-car, as if the process died
	// while sealing.
	info, err := os.Stat(dataPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(dataPath, info.Size()-17))
	require.NoError(t, os.Remove(dataPath+resource.ResourceSuffix))

	p2 := newTestProcessor(t, cfg, Options{})
	defer p2.Close()

	q, err = p2.Query(testDevice, "s0", nil)
	require.NoError(t, err)
	defer q.Close()
	require.Len(t, q.SeqResources, 1)
	res := q.SeqResources[0]
	assert.True(t, res.IsClosed())
	start, ok := res.StartTime(testDevice)
	require.True(t, ok)
	assert.Equal(t, int64(1), start)
	end, ok := res.EndTime(testDevice)
	require.True(t, ok)
	assert.Equal(t, int64(100), end)

	chunks, err := p2.ChunkMetadata(res, testDevice, "s0")
	require.NoError(t, err)
	total := 0
	for _, cm := range chunks {
		pairs, err := p2.ReadChunk(res, cm)
		require.NoError(t, err)
		total += len(pairs)
	}
	assert.Equal(t, 100, total)
}

func TestInsertRejectsUnknownSchema(t *testing.T) {
	p := newTestProcessor(t, testConfig(t), Options{})
	defer p.Close()

	err := p.Insert(&core.InsertPlan{
		Device:       testDevice,
		Timestamp:    1,
		Measurements: []string{"mystery"},
		Values:       []interface{}{int32(1)},
	})
	require.Error(t, err)
	assert.True(t, core.IsWriteProcessError(err))
}

type countingWAL struct {
	appended int
}

func (w *countingWAL) Append(plan *core.InsertPlan) error {
	w.appended++
	return nil
}

func TestWALAppenderInvokedPerInsert(t *testing.T) {
	wal := &countingWAL{}
	p := newTestProcessor(t, testConfig(t), Options{WAL: wal})
	defer p.Close()

	for ts := int64(1); ts <= 5; ts++ {
		insertRow(t, p, ts, int32(ts))
	}
	assert.Equal(t, 5, wal.appended)
}

func TestQueryWithTimeFilterSkipsFiles(t *testing.T) {
	p := newTestProcessor(t, testConfig(t), Options{})
	defer p.Close()

	for ts := int64(1); ts <= 10; ts++ {
		insertRow(t, p, ts, int32(ts))
		p.AsyncCloseAllWorkingFileProcessors()
	}
	p.SyncCloseAllWorkingFileProcessors()

	q, err := p.Query(testDevice, "s0", &TimeFilter{StartTime: 3, EndTime: 4})
	require.NoError(t, err)
	defer q.Close()
	assert.Len(t, q.SeqResources, 2)
}
