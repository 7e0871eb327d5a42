package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Big-endian read/write helpers shared by every on-disk structure. Each
// writer returns the number of bytes written so serializers can track
// offsets without re-measuring.

func WriteByte(w io.Writer, b byte) (int, error) {
	n, err := w.Write([]byte{b})
	return n, err
}

func ReadByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteBool(w io.Writer, v bool) (int, error) {
	b := byte(0)
	if v {
		b = 1
	}
	return WriteByte(w, b)
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadByte(r)
	return b != 0, err
}

func WriteInt32(w io.Writer, v int32) (int, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return w.Write(buf[:])
}

func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func WriteInt64(w io.Writer, v int64) (int, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return w.Write(buf[:])
}

func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func WriteFloat32(w io.Writer, v float32) (int, error) {
	return WriteInt32(w, int32(math.Float32bits(v)))
}

func ReadFloat32(r io.Reader) (float32, error) {
	v, err := ReadInt32(r)
	return math.Float32frombits(uint32(v)), err
}

func WriteFloat64(w io.Writer, v float64) (int, error) {
	return WriteInt64(w, int64(math.Float64bits(v)))
}

func ReadFloat64(r io.Reader) (float64, error) {
	v, err := ReadInt64(r)
	return math.Float64frombits(uint64(v)), err
}

// WriteString writes an int32 length followed by the UTF-8 bytes.
func WriteString(w io.Writer, s string) (int, error) {
	n, err := WriteInt32(w, int32(len(s)))
	if err != nil {
		return n, err
	}
	m, err := io.WriteString(w, s)
	return n + m, err
}

func ReadString(r io.Reader) (string, error) {
	length, err := ReadInt32(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", fmt.Errorf("negative string length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
