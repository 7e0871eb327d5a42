package core

import (
	"fmt"
	"io"
)

// Statistics accumulates per-chunk (and per-page) digests of a run of
// samples: sample count, time range, value extremes and sum. Min, Max and
// Sum are unset for Boolean and Text.
type Statistics struct {
	DataType   DataType
	Count      int64
	StartTime  int64
	EndTime    int64
	MinValue   interface{}
	MaxValue   interface{}
	FirstValue interface{}
	LastValue  interface{}
	Sum        float64
}

// NewStatistics returns an empty Statistics for the given type. StartTime is
// initialized above EndTime so the first Update establishes the range.
func NewStatistics(dt DataType) *Statistics {
	return &Statistics{
		DataType:  dt,
		StartTime: int64(^uint64(0) >> 1), // MaxInt64
		EndTime:   -int64(^uint64(0)>>1) - 1,
	}
}

func (s *Statistics) numeric() bool {
	switch s.DataType {
	case Int32, Int64, Float, Double:
		return true
	}
	return false
}

// Update folds one sample into the statistics. Samples may arrive in any
// time order; first/last follow timestamps, not arrival.
func (s *Statistics) Update(t int64, v interface{}) {
	if s.Count == 0 || t < s.StartTime {
		s.StartTime = t
		s.FirstValue = v
	}
	if s.Count == 0 || t > s.EndTime {
		s.EndTime = t
		s.LastValue = v
	}
	if s.numeric() {
		if s.MinValue == nil || CompareValues(s.DataType, v, s.MinValue) < 0 {
			s.MinValue = v
		}
		if s.MaxValue == nil || CompareValues(s.DataType, v, s.MaxValue) > 0 {
			s.MaxValue = v
		}
		if f, ok := ValueAsFloat64(s.DataType, v); ok {
			s.Sum += f
		}
	}
	s.Count++
}

// Merge folds other into s. Both must share a data type.
func (s *Statistics) Merge(other *Statistics) {
	if other == nil || other.Count == 0 {
		return
	}
	if s.Count == 0 || other.StartTime < s.StartTime {
		s.StartTime = other.StartTime
		s.FirstValue = other.FirstValue
	}
	if s.Count == 0 || other.EndTime > s.EndTime {
		s.EndTime = other.EndTime
		s.LastValue = other.LastValue
	}
	if s.numeric() {
		if s.MinValue == nil || (other.MinValue != nil && CompareValues(s.DataType, other.MinValue, s.MinValue) < 0) {
			s.MinValue = other.MinValue
		}
		if s.MaxValue == nil || (other.MaxValue != nil && CompareValues(s.DataType, other.MaxValue, s.MaxValue) > 0) {
			s.MaxValue = other.MaxValue
		}
		s.Sum += other.Sum
	}
	s.Count += other.Count
}

// Serialize writes: count, startTime, endTime, then for numeric types
// min/max/first/last/sum, for Boolean first/last, for Text first/last
// strings. The data type itself is carried by the enclosing record.
func (s *Statistics) Serialize(w io.Writer) (int, error) {
	total := 0
	for _, v := range []int64{s.Count, s.StartTime, s.EndTime} {
		n, err := WriteInt64(w, v)
		total += n
		if err != nil {
			return total, err
		}
	}
	if s.Count == 0 {
		return total, nil
	}
	switch {
	case s.numeric():
		for _, v := range []interface{}{s.MinValue, s.MaxValue, s.FirstValue, s.LastValue} {
			n, err := WriteValue(w, s.DataType, v)
			total += n
			if err != nil {
				return total, err
			}
		}
		n, err := WriteFloat64(w, s.Sum)
		total += n
		if err != nil {
			return total, err
		}
	default:
		for _, v := range []interface{}{s.FirstValue, s.LastValue} {
			n, err := WriteValue(w, s.DataType, v)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// DeserializeStatistics reads a Statistics of the given type.
func DeserializeStatistics(r io.Reader, dt DataType) (*Statistics, error) {
	s := NewStatistics(dt)
	var err error
	if s.Count, err = ReadInt64(r); err != nil {
		return nil, fmt.Errorf("statistics count: %w", err)
	}
	if s.StartTime, err = ReadInt64(r); err != nil {
		return nil, err
	}
	if s.EndTime, err = ReadInt64(r); err != nil {
		return nil, err
	}
	if s.Count == 0 {
		return s, nil
	}
	if s.numeric() {
		if s.MinValue, err = ReadValue(r, dt); err != nil {
			return nil, err
		}
		if s.MaxValue, err = ReadValue(r, dt); err != nil {
			return nil, err
		}
		if s.FirstValue, err = ReadValue(r, dt); err != nil {
			return nil, err
		}
		if s.LastValue, err = ReadValue(r, dt); err != nil {
			return nil, err
		}
		if s.Sum, err = ReadFloat64(r); err != nil {
			return nil, err
		}
		return s, nil
	}
	if s.FirstValue, err = ReadValue(r, dt); err != nil {
		return nil, err
	}
	if s.LastValue, err = ReadValue(r, dt); err != nil {
		return nil, err
	}
	return s, nil
}
