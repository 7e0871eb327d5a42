package core

import "fmt"

// MeasurementSchema is the lookup result of the external schema manager:
// how one measurement is typed, encoded and compressed on disk.
type MeasurementSchema struct {
	MeasurementID string
	DataType      DataType
	Encoding      Encoding
	Compression   CompressionType
}

// SchemaProvider is the schema/metadata manager seen from the engine: a
// lookup oracle for series schemas. It is an injected collaborator; the
// engine never mutates schemas.
type SchemaProvider interface {
	SeriesSchema(device, measurement string) (MeasurementSchema, error)
}

// InsertPlan is a single-row insert: one device, one timestamp, n measured
// values.
type InsertPlan struct {
	Device       string
	Timestamp    int64
	Measurements []string
	Values       []interface{}
}

// Validate checks structural consistency; value/schema agreement is checked
// later against the SchemaProvider.
func (p *InsertPlan) Validate() error {
	if p.Device == "" {
		return NewWriteProcessError("empty device id")
	}
	if len(p.Measurements) == 0 {
		return NewWriteProcessError("no measurements in plan")
	}
	if len(p.Measurements) != len(p.Values) {
		return NewWriteProcessError(fmt.Sprintf("measurement count %d != value count %d",
			len(p.Measurements), len(p.Values)))
	}
	return nil
}

// InsertTabletPlan is a multi-row insert for one device. Timestamps must be
// sorted ascending; Columns[i] holds the column for Measurements[i] as a
// typed slice ([]int32, []int64, []float32, []float64, []bool or []string).
type InsertTabletPlan struct {
	Device       string
	Measurements []string
	DataTypes    []DataType
	Timestamps   []int64
	Columns      []interface{}
	RowCount     int
}

func (p *InsertTabletPlan) Validate() error {
	if p.Device == "" {
		return NewWriteProcessError("empty device id")
	}
	if len(p.Measurements) == 0 || len(p.Measurements) != len(p.Columns) || len(p.Measurements) != len(p.DataTypes) {
		return NewWriteProcessError("measurements, data types and columns must align")
	}
	if p.RowCount <= 0 || p.RowCount > len(p.Timestamps) {
		return NewWriteProcessError(fmt.Sprintf("invalid row count %d", p.RowCount))
	}
	for i := 1; i < p.RowCount; i++ {
		if p.Timestamps[i] < p.Timestamps[i-1] {
			return NewWriteProcessError("tablet timestamps must be sorted ascending")
		}
	}
	return nil
}

// ValueAt extracts the value of column col at row r.
func (p *InsertTabletPlan) ValueAt(col, r int) (interface{}, error) {
	switch c := p.Columns[col].(type) {
	case []bool:
		return c[r], nil
	case []int32:
		return c[r], nil
	case []int64:
		return c[r], nil
	case []float32:
		return c[r], nil
	case []float64:
		return c[r], nil
	case []string:
		return c[r], nil
	default:
		return nil, NewWriteProcessError(fmt.Sprintf("unsupported column type %T", p.Columns[col]))
	}
}

// RowPlan converts row r of the tablet into a single-row InsertPlan.
func (p *InsertTabletPlan) RowPlan(r int) (*InsertPlan, error) {
	values := make([]interface{}, len(p.Columns))
	for i := range p.Columns {
		v, err := p.ValueAt(i, r)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &InsertPlan{
		Device:       p.Device,
		Timestamp:    p.Timestamps[r],
		Measurements: p.Measurements,
		Values:       values,
	}, nil
}

// WALAppender is the point-insert durability component. The engine calls
// Append before applying a plan; a separate subsystem owns fsync policy and
// replay. A nil appender disables write-ahead logging.
type WALAppender interface {
	Append(plan *InsertPlan) error
}
