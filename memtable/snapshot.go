package memtable

import (
	"github.com/INLOpen/granite/core"
)

// ReadOnlyMemChunk is the immutable query view of one series inside a
// memtable: time-ordered samples plus the statistics readers use to skip
// out-of-filter chunks. It stays valid after the memtable flushes.
type ReadOnlyMemChunk struct {
	device      string
	measurement string
	schema      core.MeasurementSchema
	points      []core.TimeValuePair
	stats       *core.Statistics
	version     int64
}

func NewReadOnlyMemChunk(device, measurement string, schema core.MeasurementSchema, points []core.TimeValuePair, version int64) *ReadOnlyMemChunk {
	stats := core.NewStatistics(schema.DataType)
	for _, p := range points {
		stats.Update(p.Timestamp, p.Value)
	}
	return &ReadOnlyMemChunk{
		device:      device,
		measurement: measurement,
		schema:      schema,
		points:      points,
		stats:       stats,
		version:     version,
	}
}

func (c *ReadOnlyMemChunk) Device() string                 { return c.device }
func (c *ReadOnlyMemChunk) Measurement() string            { return c.measurement }
func (c *ReadOnlyMemChunk) Schema() core.MeasurementSchema { return c.schema }
func (c *ReadOnlyMemChunk) Statistics() *core.Statistics   { return c.stats }
func (c *ReadOnlyMemChunk) Version() int64                 { return c.version }
func (c *ReadOnlyMemChunk) IsEmpty() bool                  { return len(c.points) == 0 }
func (c *ReadOnlyMemChunk) Count() int                     { return len(c.points) }

// Points returns the samples in time order. Callers must not mutate the
// returned slice.
func (c *ReadOnlyMemChunk) Points() []core.TimeValuePair {
	return c.points
}

// PointReader iterates the chunk sample by sample.
func (c *ReadOnlyMemChunk) PointReader() *PointReader {
	return &PointReader{points: c.points}
}

// PointReader is a cursor over a ReadOnlyMemChunk.
type PointReader struct {
	points []core.TimeValuePair
	idx    int
}

func (r *PointReader) HasNext() bool {
	return r.idx < len(r.points)
}

func (r *PointReader) Next() core.TimeValuePair {
	p := r.points[r.idx]
	r.idx++
	return p
}
