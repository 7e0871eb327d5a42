package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatisticsUpdate(t *testing.T) {
	s := NewStatistics(Int32)
	s.Update(10, int32(5))
	s.Update(5, int32(50))
	s.Update(20, int32(-3))

	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, int64(5), s.StartTime)
	assert.Equal(t, int64(20), s.EndTime)
	assert.Equal(t, int32(-3), s.MinValue)
	assert.Equal(t, int32(50), s.MaxValue)
	assert.Equal(t, int32(50), s.FirstValue)
	assert.Equal(t, int32(-3), s.LastValue)
	assert.Equal(t, float64(52), s.Sum)
}

func TestStatisticsMerge(t *testing.T) {
	a := NewStatistics(Double)
	a.Update(1, 1.5)
	a.Update(2, 2.5)
	b := NewStatistics(Double)
	b.Update(3, -1.0)

	a.Merge(b)
	assert.Equal(t, int64(3), a.Count)
	assert.Equal(t, int64(1), a.StartTime)
	assert.Equal(t, int64(3), a.EndTime)
	assert.Equal(t, -1.0, a.MinValue)
	assert.Equal(t, -1.0, a.LastValue)
	assert.Equal(t, 3.0, a.Sum)
}

func TestStatisticsSerializeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		dt   DataType
		feed func(s *Statistics)
	}{
		{"int64", Int64, func(s *Statistics) {
			s.Update(1, int64(10))
			s.Update(2, int64(-7))
		}},
		{"bool", Boolean, func(s *Statistics) {
			s.Update(4, true)
			s.Update(9, false)
		}},
		{"text", Text, func(s *Statistics) {
			s.Update(1, "a")
			s.Update(2, "zz")
		}},
		{"empty", Float, func(s *Statistics) {}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStatistics(tc.dt)
			tc.feed(s)
			var buf bytes.Buffer
			n, err := s.Serialize(&buf)
			require.NoError(t, err)
			assert.Equal(t, buf.Len(), n)

			got, err := DeserializeStatistics(&buf, tc.dt)
			require.NoError(t, err)
			assert.Equal(t, s.Count, got.Count)
			if s.Count > 0 {
				assert.Equal(t, s.StartTime, got.StartTime)
				assert.Equal(t, s.EndTime, got.EndTime)
				assert.Equal(t, s.FirstValue, got.FirstValue)
				assert.Equal(t, s.LastValue, got.LastValue)
			}
		})
	}
}

func TestTimePartition(t *testing.T) {
	assert.Equal(t, int64(0), TimePartition(10, 100))
	assert.Equal(t, int64(1), TimePartition(100, 100))
	assert.Equal(t, int64(-1), TimePartition(-1, 100))
	assert.Equal(t, int64(0), TimePartition(12345, 0))
}

func TestInsertPlanValidate(t *testing.T) {
	plan := &InsertPlan{Device: "root.sg.d0", Timestamp: 1,
		Measurements: []string{"s0"}, Values: []interface{}{int32(1)}}
	require.NoError(t, plan.Validate())

	bad := &InsertPlan{Device: "", Timestamp: 1,
		Measurements: []string{"s0"}, Values: []interface{}{int32(1)}}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, IsWriteProcessError(err))
}

func TestInsertTabletPlanValidate(t *testing.T) {
	plan := &InsertTabletPlan{
		Device:       "root.sg.d0",
		Measurements: []string{"s0"},
		DataTypes:    []DataType{Int32},
		Timestamps:   []int64{3, 2, 1},
		Columns:      []interface{}{[]int32{1, 2, 3}},
		RowCount:     3,
	}
	err := plan.Validate()
	require.Error(t, err)
	assert.True(t, IsWriteProcessError(err))

	plan.Timestamps = []int64{1, 2, 3}
	require.NoError(t, plan.Validate())
	v, err := plan.ValueAt(0, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}
