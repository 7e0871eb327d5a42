package core

import (
	"fmt"
	"io"
)

// TimeValuePair is one sample of one series.
type TimeValuePair struct {
	Timestamp int64
	Value     interface{}
}

// CheckValueType verifies that v matches the Go representation of dt:
// bool, int32, int64, float32, float64 or string.
func CheckValueType(dt DataType, v interface{}) error {
	ok := false
	switch dt {
	case Boolean:
		_, ok = v.(bool)
	case Int32:
		_, ok = v.(int32)
	case Int64:
		_, ok = v.(int64)
	case Float:
		_, ok = v.(float32)
	case Double:
		_, ok = v.(float64)
	case Text:
		_, ok = v.(string)
	}
	if !ok {
		return NewWriteProcessError(fmt.Sprintf("value %v (%T) does not match data type %s", v, v, dt))
	}
	return nil
}

// DataTypeOf maps a Go value back to its data type.
func DataTypeOf(v interface{}) (DataType, bool) {
	switch v.(type) {
	case bool:
		return Boolean, true
	case int32:
		return Int32, true
	case int64:
		return Int64, true
	case float32:
		return Float, true
	case float64:
		return Double, true
	case string:
		return Text, true
	default:
		return 0, false
	}
}

// WriteValue serializes v according to dt using the shared big-endian format.
func WriteValue(w io.Writer, dt DataType, v interface{}) (int, error) {
	switch dt {
	case Boolean:
		return WriteBool(w, v.(bool))
	case Int32:
		return WriteInt32(w, v.(int32))
	case Int64:
		return WriteInt64(w, v.(int64))
	case Float:
		return WriteFloat32(w, v.(float32))
	case Double:
		return WriteFloat64(w, v.(float64))
	case Text:
		return WriteString(w, v.(string))
	default:
		return 0, fmt.Errorf("unknown data type %d", dt)
	}
}

// ReadValue deserializes one value of type dt.
func ReadValue(r io.Reader, dt DataType) (interface{}, error) {
	switch dt {
	case Boolean:
		return ReadBool(r)
	case Int32:
		return ReadInt32(r)
	case Int64:
		return ReadInt64(r)
	case Float:
		return ReadFloat32(r)
	case Double:
		return ReadFloat64(r)
	case Text:
		return ReadString(r)
	default:
		return nil, fmt.Errorf("unknown data type %d", dt)
	}
}

// ValueSize estimates the in-memory byte footprint of one value of type dt.
// Used by the memtable for its flush-threshold accounting.
func ValueSize(dt DataType, v interface{}) int64 {
	switch dt {
	case Boolean:
		return 1
	case Int32, Float:
		return 4
	case Int64, Double:
		return 8
	case Text:
		if s, ok := v.(string); ok {
			return int64(4 + len(s))
		}
		return 4
	default:
		return 8
	}
}

// ValueAsFloat64 converts a numeric value to float64 for sum statistics.
// Returns false for Boolean and Text.
func ValueAsFloat64(dt DataType, v interface{}) (float64, bool) {
	switch dt {
	case Int32:
		return float64(v.(int32)), true
	case Int64:
		return float64(v.(int64)), true
	case Float:
		return float64(v.(float32)), true
	case Double:
		return v.(float64), true
	default:
		return 0, false
	}
}

// CompareValues orders two values of the same data type. Boolean orders
// false < true; Text lexicographically.
func CompareValues(dt DataType, a, b interface{}) int {
	switch dt {
	case Boolean:
		av, bv := a.(bool), b.(bool)
		switch {
		case av == bv:
			return 0
		case bv:
			return -1
		default:
			return 1
		}
	case Int32:
		return compareOrdered(a.(int32), b.(int32))
	case Int64:
		return compareOrdered(a.(int64), b.(int64))
	case Float:
		return compareOrdered(a.(float32), b.(float32))
	case Double:
		return compareOrdered(a.(float64), b.(float64))
	case Text:
		return compareOrdered(a.(string), b.(string))
	default:
		return 0
	}
}

func compareOrdered[T int32 | int64 | float32 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
