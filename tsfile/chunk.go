package tsfile

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/encoding"
)

// ChunkHeader precedes the pages of one chunk. The marker byte is written
// separately so the self-check scanner can dispatch on it.
type ChunkHeader struct {
	MeasurementID string
	DataSize      int32
	DataType      core.DataType
	NumPages      int32
	Encoding      core.Encoding
	Compression   core.CompressionType
}

func (h *ChunkHeader) Serialize(w io.Writer) (int, error) {
	total, err := core.WriteByte(w, core.MarkerChunkHeader)
	if err != nil {
		return total, err
	}
	n, err := core.WriteString(w, h.MeasurementID)
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteInt32(w, h.DataSize)
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteByte(w, byte(h.DataType))
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteInt32(w, h.NumPages)
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteByte(w, byte(h.Encoding))
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteByte(w, byte(h.Compression))
	return total + n, err
}

// DeserializeChunkHeader reads the header fields; the marker must already
// have been consumed.
func DeserializeChunkHeader(r io.Reader) (*ChunkHeader, error) {
	h := &ChunkHeader{}
	var err error
	if h.MeasurementID, err = core.ReadString(r); err != nil {
		return nil, err
	}
	if h.DataSize, err = core.ReadInt32(r); err != nil {
		return nil, err
	}
	dt, err := core.ReadByte(r)
	if err != nil {
		return nil, err
	}
	h.DataType = core.DataType(dt)
	if !h.DataType.Valid() {
		return nil, fmt.Errorf("%w: bad data type %d in chunk header", ErrCorrupted, dt)
	}
	if h.NumPages, err = core.ReadInt32(r); err != nil {
		return nil, err
	}
	enc, err := core.ReadByte(r)
	if err != nil {
		return nil, err
	}
	h.Encoding = core.Encoding(enc)
	comp, err := core.ReadByte(r)
	if err != nil {
		return nil, err
	}
	h.Compression = core.CompressionType(comp)
	return h, nil
}

// PageHeader precedes one compressed page.
type PageHeader struct {
	UncompressedSize int32
	CompressedSize   int32
	Statistics       *core.Statistics
}

func (h *PageHeader) Serialize(w io.Writer) (int, error) {
	total, err := core.WriteInt32(w, h.UncompressedSize)
	if err != nil {
		return total, err
	}
	n, err := core.WriteInt32(w, h.CompressedSize)
	total += n
	if err != nil {
		return total, err
	}
	n, err = h.Statistics.Serialize(w)
	return total + n, err
}

func DeserializePageHeader(r io.Reader, dt core.DataType) (*PageHeader, error) {
	h := &PageHeader{}
	var err error
	if h.UncompressedSize, err = core.ReadInt32(r); err != nil {
		return nil, err
	}
	if h.CompressedSize, err = core.ReadInt32(r); err != nil {
		return nil, err
	}
	if h.UncompressedSize < 0 || h.CompressedSize < 0 {
		return nil, fmt.Errorf("%w: negative page size", ErrCorrupted)
	}
	if h.Statistics, err = core.DeserializeStatistics(r, dt); err != nil {
		return nil, err
	}
	return h, nil
}

// ChunkWriter buffers the samples of one measurement and serializes them as
// a chunk: header plus one page per pointsPerPage samples. Samples must be
// appended in ascending time order.
type ChunkWriter struct {
	schema        core.MeasurementSchema
	compressor    core.Compressor
	pointsPerPage int

	times  []int64
	values []interface{}
	stats  *core.Statistics
}

func NewChunkWriter(schema core.MeasurementSchema, compressor core.Compressor, pointsPerPage int) *ChunkWriter {
	if pointsPerPage <= 0 {
		pointsPerPage = 1024
	}
	return &ChunkWriter{
		schema:        schema,
		compressor:    compressor,
		pointsPerPage: pointsPerPage,
		stats:         core.NewStatistics(schema.DataType),
	}
}

// Write appends one sample.
func (cw *ChunkWriter) Write(t int64, v interface{}) error {
	if err := core.CheckValueType(cw.schema.DataType, v); err != nil {
		return err
	}
	cw.times = append(cw.times, t)
	cw.values = append(cw.values, v)
	cw.stats.Update(t, v)
	return nil
}

// NumPoints returns the number of buffered samples.
func (cw *ChunkWriter) NumPoints() int {
	return len(cw.times)
}

// Statistics returns the running statistics of the buffered samples.
func (cw *ChunkWriter) Statistics() *core.Statistics {
	return cw.stats
}

// encodePage serializes samples [from, to) as one uncompressed page body:
// int32 time-buffer length, time buffer, value buffer.
func (cw *ChunkWriter) encodePage(from, to int) ([]byte, *core.Statistics, error) {
	timeEnc := encoding.NewTimeEncoder()
	valueEnc, err := encoding.NewEncoder(cw.schema.Encoding, cw.schema.DataType)
	if err != nil {
		return nil, nil, err
	}
	times := make([]interface{}, 0, to-from)
	stats := core.NewStatistics(cw.schema.DataType)
	for i := from; i < to; i++ {
		times = append(times, cw.times[i])
		stats.Update(cw.times[i], cw.values[i])
	}
	timeBuf, err := timeEnc.Encode(times)
	if err != nil {
		return nil, nil, err
	}
	valueBuf, err := valueEnc.Encode(cw.values[from:to])
	if err != nil {
		return nil, nil, err
	}
	var page bytes.Buffer
	if _, err := core.WriteInt32(&page, int32(len(timeBuf))); err != nil {
		return nil, nil, err
	}
	page.Write(timeBuf)
	page.Write(valueBuf)
	return page.Bytes(), stats, nil
}

// Serialize writes the complete chunk (marker, header, pages) to w at file
// offset headerOffset and returns the chunk metadata and bytes written.
func (cw *ChunkWriter) Serialize(w io.Writer, headerOffset int64) (*ChunkMetadata, int, error) {
	if len(cw.times) == 0 {
		return nil, 0, fmt.Errorf("serializing empty chunk for measurement %s", cw.schema.MeasurementID)
	}
	var pages bytes.Buffer
	numPages := int32(0)
	for from := 0; from < len(cw.times); from += cw.pointsPerPage {
		to := from + cw.pointsPerPage
		if to > len(cw.times) {
			to = len(cw.times)
		}
		raw, stats, err := cw.encodePage(from, to)
		if err != nil {
			return nil, 0, err
		}
		compressed, err := cw.compressor.Compress(raw)
		if err != nil {
			return nil, 0, err
		}
		ph := &PageHeader{
			UncompressedSize: int32(len(raw)),
			CompressedSize:   int32(len(compressed)),
			Statistics:       stats,
		}
		if _, err := ph.Serialize(&pages); err != nil {
			return nil, 0, err
		}
		pages.Write(compressed)
		numPages++
	}

	header := &ChunkHeader{
		MeasurementID: cw.schema.MeasurementID,
		DataSize:      int32(pages.Len()),
		DataType:      cw.schema.DataType,
		NumPages:      numPages,
		Encoding:      cw.schema.Encoding,
		Compression:   cw.compressor.Type(),
	}
	total, err := header.Serialize(w)
	if err != nil {
		return nil, total, err
	}
	n, err := w.Write(pages.Bytes())
	total += n
	if err != nil {
		return nil, total, err
	}
	cm := &ChunkMetadata{
		MeasurementID:       cw.schema.MeasurementID,
		DataType:            cw.schema.DataType,
		OffsetOfChunkHeader: headerOffset,
		Statistics:          cw.stats,
		DeletedAt:           math.MinInt64,
	}
	return cm, total, nil
}

// DecodeChunkData decodes the pages section of a chunk (everything after the
// header) back into time-ordered samples.
func DecodeChunkData(header *ChunkHeader, data []byte) ([]core.TimeValuePair, error) {
	compressor, err := getCompressor(header.Compression)
	if err != nil {
		return nil, err
	}
	valueDec, err := encoding.NewDecoder(header.Encoding, header.DataType)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	var out []core.TimeValuePair
	for p := int32(0); p < header.NumPages; p++ {
		ph, err := DeserializePageHeader(r, header.DataType)
		if err != nil {
			return nil, fmt.Errorf("page %d header: %w", p, err)
		}
		compressed := make([]byte, ph.CompressedSize)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, fmt.Errorf("page %d body: %w", p, err)
		}
		raw, err := compressor.Decompress(compressed, int(ph.UncompressedSize))
		if err != nil {
			return nil, err
		}
		pageReader := bytes.NewReader(raw)
		timeLen, err := core.ReadInt32(pageReader)
		if err != nil {
			return nil, err
		}
		if timeLen < 0 || int(timeLen) > len(raw)-4 {
			return nil, fmt.Errorf("%w: bad time buffer length %d", ErrCorrupted, timeLen)
		}
		timeBuf := raw[4 : 4+timeLen]
		valueBuf := raw[4+timeLen:]
		count := int(ph.Statistics.Count)
		rawTimes, err := encoding.NewTimeDecoder().Decode(timeBuf, count)
		if err != nil {
			return nil, err
		}
		values, err := valueDec.Decode(valueBuf, count)
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			out = append(out, core.TimeValuePair{Timestamp: rawTimes[i].(int64), Value: values[i]})
		}
	}
	return out, nil
}
