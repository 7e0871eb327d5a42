package resource

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateTimesAreMonotone(t *testing.T) {
	res := NewFileResource(filepath.Join(t.TempDir(), "1-1-0.gft"))
	res.UpdateStartTime("d0", 100)
	res.UpdateStartTime("d0", 200)
	res.UpdateEndTime("d0", 100)
	res.UpdateEndTime("d0", 50)

	start, ok := res.StartTime("d0")
	require.True(t, ok)
	assert.Equal(t, int64(100), start)
	end, ok := res.EndTime("d0")
	require.True(t, ok)
	assert.Equal(t, int64(100), end)

	res.ForceUpdateEndTime("d0", 10)
	end, _ = res.EndTime("d0")
	assert.Equal(t, int64(10), end)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "17-42-0.gft")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	res := NewFileResource(path)
	res.UpdateStartTime("root.sg.d0", 5)
	res.UpdateEndTime("root.sg.d0", 99)
	res.UpdateStartTime("root.sg.d1", -3)
	res.UpdateEndTime("root.sg.d1", 7)
	res.SetHistoricalVersions(map[int64]struct{}{42: {}, 43: {}})
	require.NoError(t, res.Serialize())
	assert.True(t, res.ResourceFileExists())

	got := NewFileResource(path)
	require.NoError(t, got.Deserialize())
	for _, device := range []string{"root.sg.d0", "root.sg.d1"} {
		ws, _ := res.StartTime(device)
		gs, ok := got.StartTime(device)
		require.True(t, ok)
		assert.Equal(t, ws, gs)
		we, _ := res.EndTime(device)
		ge, ok := got.EndTime(device)
		require.True(t, ok)
		assert.Equal(t, we, ge)
	}
	assert.Equal(t, res.HistoricalVersions(), got.HistoricalVersions())
}

func TestStillLives(t *testing.T) {
	res := NewFileResource(filepath.Join(t.TempDir(), "1-1-0.gft"))
	res.UpdateEndTime("d0", 100)
	res.UpdateEndTime("d1", 500)

	assert.True(t, res.StillLives(400))
	assert.True(t, res.StillLives(500))
	assert.False(t, res.StillLives(501))
	assert.True(t, res.StillLives(math.MaxInt64))
}

func TestCloseFlag(t *testing.T) {
	dir := t.TempDir()
	res := NewFileResource(filepath.Join(dir, "1-1-0.gft"))
	assert.False(t, res.CloseFlagSet())
	require.NoError(t, res.SetCloseFlag())
	assert.True(t, res.CloseFlagSet())
	require.NoError(t, res.CleanCloseFlag())
	assert.False(t, res.CloseFlagSet())
}

func TestTimePartitionWithCheck(t *testing.T) {
	res := NewFileResource(filepath.Join(t.TempDir(), "1-1-0.gft"))
	res.UpdateStartTime("d0", 10)
	res.UpdateEndTime("d0", 90)
	partition, err := res.TimePartitionWithCheck(100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), partition)

	res.UpdateEndTime("d0", 150)
	_, err = res.TimePartitionWithCheck(100)
	assert.Error(t, err)
}

func TestModificationFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1-1-0.gft"+ModsSuffix)
	mods := NewModificationFile(path)
	assert.False(t, mods.Exists())

	require.NoError(t, mods.Append(Deletion{Path: "root.sg.d0.s0", UpperBound: 15, FileVersion: 3}))
	require.NoError(t, mods.Append(Deletion{Path: "root.sg.d0.s1", UpperBound: 99, FileVersion: 4}))
	require.NoError(t, mods.Close())

	reopened := NewModificationFile(path)
	records, err := reopened.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, Deletion{Path: "root.sg.d0.s0", UpperBound: 15, FileVersion: 3}, records[0])
	assert.True(t, records[0].Matches("root.sg.d0.s0"))
	assert.False(t, records[0].Matches("root.sg.d0.s1"))

	require.NoError(t, reopened.Remove())
	assert.False(t, reopened.Exists())
}

func TestDataFileNameRoundTrip(t *testing.T) {
	name := DataFileName(1700000000000, 12, 2)
	sysTime, version, mergeCnt, err := ParseDataFileName(name)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), sysTime)
	assert.Equal(t, int64(12), version)
	assert.Equal(t, 2, mergeCnt)

	_, _, _, err = ParseDataFileName("whatever.txt")
	assert.Error(t, err)
}

func TestVersionControllerMonotone(t *testing.T) {
	dir := t.TempDir()
	vc, err := NewVersionController(dir)
	require.NoError(t, err)
	v1, err := vc.NextVersion()
	require.NoError(t, err)
	v2, err := vc.NextVersion()
	require.NoError(t, err)
	assert.Greater(t, v2, v1)
	assert.Equal(t, v2, vc.CurrVersion())

	// A restarted controller must never reuse a handed-out version.
	vc2, err := NewVersionController(dir)
	require.NoError(t, err)
	v3, err := vc2.NextVersion()
	require.NoError(t, err)
	assert.Greater(t, v3, v2)
}
