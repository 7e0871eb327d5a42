package memtable

import (
	"testing"

	"github.com/INLOpen/granite/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schema(m string) core.MeasurementSchema {
	return core.MeasurementSchema{MeasurementID: m, DataType: core.Int32, Encoding: core.EncodingPlain}
}

func TestInsertAndSnapshotOrder(t *testing.T) {
	mem := NewMemtable(1)
	for _, ts := range []int64{5, 1, 9, 3} {
		require.NoError(t, mem.Insert("d0", "s0", schema("s0"), ts, int32(ts)))
	}
	snap := mem.Snapshot("d0", "s0")
	require.NotNil(t, snap)
	points := snap.Points()
	require.Len(t, points, 4)
	assert.Equal(t, []int64{1, 3, 5, 9}, timestamps(points))
	assert.Equal(t, int64(1), snap.Version())

	assert.Nil(t, mem.Snapshot("d0", "missing"))
}

func timestamps(points []core.TimeValuePair) []int64 {
	out := make([]int64, len(points))
	for i, p := range points {
		out[i] = p.Timestamp
	}
	return out
}

func TestDuplicateTimestampOverwrites(t *testing.T) {
	mem := NewMemtable(1)
	require.NoError(t, mem.Insert("d0", "s0", schema("s0"), 7, int32(1)))
	require.NoError(t, mem.Insert("d0", "s0", schema("s0"), 7, int32(2)))
	snap := mem.Snapshot("d0", "s0")
	require.Len(t, snap.Points(), 1)
	assert.Equal(t, int32(2), snap.Points()[0].Value)
}

func TestTypeMismatchRejected(t *testing.T) {
	mem := NewMemtable(1)
	err := mem.Insert("d0", "s0", schema("s0"), 1, "not an int32")
	require.Error(t, err)
	assert.True(t, core.IsWriteProcessError(err))
}

func TestDeleteHidesOnlyEarlierInserts(t *testing.T) {
	mem := NewMemtable(1)
	for ts := int64(1); ts <= 10; ts++ {
		require.NoError(t, mem.Insert("d0", "s0", schema("s0"), ts, int32(ts)))
	}
	mem.Delete("d0", "s0", 5)
	// A sample written after the delete keeps living, even below the bound.
	require.NoError(t, mem.Insert("d0", "s0", schema("s0"), 3, int32(33)))

	snap := mem.Snapshot("d0", "s0")
	assert.Equal(t, []int64{3, 6, 7, 8, 9, 10}, timestamps(snap.Points()))
}

func TestFreezeCapturesTombstonesForFlush(t *testing.T) {
	mem := NewMemtable(1)
	for ts := int64(1); ts <= 4; ts++ {
		require.NoError(t, mem.Insert("d0", "s0", schema("s0"), ts, int32(ts)))
	}
	mem.Delete("d0", "s0", 2)
	mem.Freeze()
	// Tombstones after the freeze belong to the modification file, not to
	// this flush.
	mem.Delete("d0", "s0", 4)

	series := mem.Series()
	require.Len(t, series, 1)
	assert.Equal(t, []int64{3, 4}, timestamps(series[0].Points))

	// Live snapshots still apply every mark.
	snap := mem.Snapshot("d0", "s0")
	assert.Empty(t, snap.Points())
}

func TestSeriesGroupedByDevice(t *testing.T) {
	mem := NewMemtable(1)
	require.NoError(t, mem.Insert("d1", "s0", schema("s0"), 1, int32(1)))
	require.NoError(t, mem.Insert("d0", "s1", schema("s1"), 2, int32(2)))
	require.NoError(t, mem.Insert("d0", "s0", schema("s0"), 3, int32(3)))
	mem.Freeze()

	series := mem.Series()
	require.Len(t, series, 3)
	assert.Equal(t, "d0", series[0].Device)
	assert.Equal(t, "s0", series[0].Measurement)
	assert.Equal(t, "d0", series[1].Device)
	assert.Equal(t, "s1", series[1].Measurement)
	assert.Equal(t, "d1", series[2].Device)

	assert.Equal(t, []string{"d0", "d1"}, mem.Devices())
}

func TestTimeRangeAndSize(t *testing.T) {
	mem := NewMemtable(1)
	assert.True(t, mem.IsEmpty())
	require.NoError(t, mem.Insert("d0", "s0", schema("s0"), 10, int32(1)))
	require.NoError(t, mem.Insert("d0", "s0", schema("s0"), 2, int32(1)))
	require.NoError(t, mem.Insert("d9", "s0", schema("s0"), 77, int32(1)))

	minTime, maxTime, ok := mem.TimeRange("d0")
	require.True(t, ok)
	assert.Equal(t, int64(2), minTime)
	assert.Equal(t, int64(10), maxTime)

	_, _, ok = mem.TimeRange("dX")
	assert.False(t, ok)
	assert.Greater(t, mem.Size(), int64(0))
}

func TestPointReader(t *testing.T) {
	mem := NewMemtable(1)
	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, mem.Insert("d0", "s0", schema("s0"), ts, int32(ts)))
	}
	reader := mem.Snapshot("d0", "s0").PointReader()
	var seen []int64
	for reader.HasNext() {
		seen = append(seen, reader.Next().Timestamp)
	}
	assert.Equal(t, []int64{1, 2, 3}, seen)
}
