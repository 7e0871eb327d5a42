package tsfile

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/INLOpen/granite/compressors"
	"github.com/INLOpen/granite/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func getCompressor(t core.CompressionType) (core.Compressor, error) {
	return compressors.Get(t)
}

// WriterOptions configures a FileWriter.
type WriterOptions struct {
	MaxDegreeOfIndexNode int
	BloomFilterErrorRate float64
	Logger               *slog.Logger
	Tracer               trace.Tracer
}

func (o *WriterOptions) applyDefaults() {
	if o.MaxDegreeOfIndexNode <= 1 {
		o.MaxDegreeOfIndexNode = 256
	}
	if o.BloomFilterErrorRate <= 0 || o.BloomFilterErrorRate >= 1 {
		o.BloomFilterErrorRate = 0.05
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("tsfile")
	}
}

// FileWriter appends chunk groups to a data file and seals it with the
// metadata index, file metadata and tail magic. One writer owns one file;
// it is not safe for concurrent use.
type FileWriter struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	offset int64

	opts WriterOptions

	groups       []ChunkGroupMetadata
	currentGroup *ChunkGroupMetadata
	groupStart   int64
	versionInfo  []VersionPair

	sealed bool
	closed bool
}

// NewWriter creates the file (truncating any previous content) and writes
// the magic and version header.
func NewWriter(path string, opts WriterOptions) (*FileWriter, error) {
	opts.applyDefaults()
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create data file %s: %w", path, err)
	}
	w := &FileWriter{
		path: path,
		file: file,
		buf:  bufio.NewWriter(file),
		opts: opts,
	}
	if err := w.writeHeader(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) writeHeader() error {
	n, err := w.buf.WriteString(core.MagicString)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	n, err = w.buf.WriteString(core.VersionNumber)
	w.offset += int64(n)
	return err
}

// Path returns the file path.
func (w *FileWriter) Path() string {
	return w.path
}

// Offset returns the current write position.
func (w *FileWriter) Offset() int64 {
	return w.offset
}

// StartChunkGroup begins the chunk group of one device.
func (w *FileWriter) StartChunkGroup(device string) error {
	if w.sealed || w.closed {
		return ErrClosed
	}
	if w.currentGroup != nil {
		return fmt.Errorf("chunk group for %s still open", w.currentGroup.Device)
	}
	w.currentGroup = &ChunkGroupMetadata{Device: device}
	w.groupStart = w.offset
	return nil
}

// WriteChunk serializes one buffered chunk into the open chunk group.
func (w *FileWriter) WriteChunk(cw *ChunkWriter) (*ChunkMetadata, error) {
	if w.currentGroup == nil {
		return nil, fmt.Errorf("no open chunk group")
	}
	cm, n, err := cw.Serialize(w.buf, w.offset)
	w.offset += int64(n)
	if err != nil {
		return nil, fmt.Errorf("write chunk %s: %w", cw.schema.MeasurementID, err)
	}
	w.currentGroup.Chunks = append(w.currentGroup.Chunks, cm)
	return cm, nil
}

// AppendRawChunk copies an already-serialized chunk (marker, header, pages)
// into the open chunk group, reusing the source statistics.
func (w *FileWriter) AppendRawChunk(cm *ChunkMetadata, raw []byte) (*ChunkMetadata, error) {
	if w.currentGroup == nil {
		return nil, fmt.Errorf("no open chunk group")
	}
	offset := w.offset
	n, err := w.buf.Write(raw)
	w.offset += int64(n)
	if err != nil {
		return nil, err
	}
	copied := &ChunkMetadata{
		MeasurementID:       cm.MeasurementID,
		DataType:            cm.DataType,
		OffsetOfChunkHeader: offset,
		Statistics:          cm.Statistics,
		DeletedAt:           cm.DeletedAt,
	}
	w.currentGroup.Chunks = append(w.currentGroup.Chunks, copied)
	return copied, nil
}

// EndChunkGroup writes the chunk-group footer and records the group.
func (w *FileWriter) EndChunkGroup() error {
	if w.currentGroup == nil {
		return fmt.Errorf("no open chunk group")
	}
	dataSize := w.offset - w.groupStart
	n, err := core.WriteByte(w.buf, core.MarkerChunkGroupFooter)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	n, err = core.WriteString(w.buf, w.currentGroup.Device)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	n, err = core.WriteInt64(w.buf, dataSize)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	n, err = core.WriteInt32(w.buf, int32(len(w.currentGroup.Chunks)))
	w.offset += int64(n)
	if err != nil {
		return err
	}
	w.groups = append(w.groups, *w.currentGroup)
	w.currentGroup = nil
	return nil
}

// WriteVersion appends a version record. Chunks written before this record
// (and after the previous one) belong to this version.
func (w *FileWriter) WriteVersion(version int64) error {
	if w.sealed || w.closed {
		return ErrClosed
	}
	n, err := core.WriteByte(w.buf, core.MarkerVersion)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	n, err = core.WriteInt64(w.buf, version)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	w.versionInfo = append(w.versionInfo, VersionPair{EndPosition: w.offset, Version: version})
	return nil
}

// Flush pushes buffered bytes to the OS and fsyncs the file. The data
// section written so far becomes durable; the file stays unsealed.
func (w *FileWriter) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// VisibleMetadata returns the chunk metadata written so far for one series,
// sorted by start time, with versions applied. Used to query unsealed files
// and by merge recovery.
func (w *FileWriter) VisibleMetadata(device, measurement string) []*ChunkMetadata {
	var out []*ChunkMetadata
	for _, g := range w.groups {
		if g.Device != device {
			continue
		}
		for _, cm := range g.Chunks {
			if cm.MeasurementID == measurement {
				out = append(out, cm)
			}
		}
	}
	ApplyVersions(out, w.versionInfo)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime() < out[j].StartTime() })
	return out
}

// Devices returns every device with at least one complete chunk group.
func (w *FileWriter) Devices() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, g := range w.groups {
		if _, ok := seen[g.Device]; !ok {
			seen[g.Device] = struct{}{}
			out = append(out, g.Device)
		}
	}
	sort.Strings(out)
	return out
}

// EndFile seals the file: end-of-data separator, chunk metadata lists,
// timeseries metadata, the metadata index tree, the file metadata with the
// series bloom filter, the 4-byte metadata size and the tail magic.
func (w *FileWriter) EndFile(ctx context.Context) error {
	if w.sealed {
		return nil
	}
	if w.currentGroup != nil {
		return fmt.Errorf("cannot seal with open chunk group for %s", w.currentGroup.Device)
	}
	_, span := w.opts.Tracer.Start(ctx, "FileWriter.EndFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("file.path", w.path),
		attribute.Int("file.chunk_groups", len(w.groups)),
	)

	n, err := core.WriteByte(w.buf, core.MarkerSeparator)
	w.offset += int64(n)
	if err != nil {
		return err
	}

	root, paths, err := w.buildMetadataIndex()
	if err != nil {
		return fmt.Errorf("build metadata index for %s: %w", w.path, err)
	}

	bloom, err := NewBloomFilter(uint64(len(paths)), w.opts.BloomFilterErrorRate)
	if err != nil {
		return err
	}
	for _, p := range paths {
		bloom.Add(p)
	}
	fm := &FileMetadata{
		MetadataIndex: root,
		VersionInfo:   w.versionInfo,
		BloomFilter:   bloom,
	}
	fmSize, err := fm.Serialize(w.buf)
	w.offset += int64(fmSize)
	if err != nil {
		return err
	}
	n, err = core.WriteInt32(w.buf, int32(fmSize))
	w.offset += int64(n)
	if err != nil {
		return err
	}
	n, err = w.buf.WriteString(core.MagicString)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.sealed = true
	w.opts.Logger.Debug("sealed data file", "path", w.path, "size", w.offset, "series", len(paths))
	return w.file.Close()
}

// seriesOfDevice groups the device's chunks by measurement, measurement ids
// sorted ascending.
func (w *FileWriter) seriesOfDevice(device string) ([]string, map[string][]*ChunkMetadata) {
	byMeasurement := map[string][]*ChunkMetadata{}
	for _, g := range w.groups {
		if g.Device != device {
			continue
		}
		for _, cm := range g.Chunks {
			byMeasurement[cm.MeasurementID] = append(byMeasurement[cm.MeasurementID], cm)
		}
	}
	measurements := make([]string, 0, len(byMeasurement))
	for m := range byMeasurement {
		measurements = append(measurements, m)
	}
	sort.Strings(measurements)
	return measurements, byMeasurement
}

// buildMetadataIndex writes the metadata region (chunk metadata lists,
// timeseries metadata runs, index nodes) and returns the unwritten root node
// plus every full series path for the bloom filter.
func (w *FileWriter) buildMetadataIndex() (*MetadataIndexNode, []string, error) {
	devices := w.Devices()
	degree := w.opts.MaxDegreeOfIndexNode

	// Chunk metadata lists, and the TimeseriesMetadata describing them.
	deviceSeries := make(map[string][]*TimeseriesMetadata, len(devices))
	var paths []string
	for _, device := range devices {
		measurements, byMeasurement := w.seriesOfDevice(device)
		for _, m := range measurements {
			listOffset := w.offset
			chunks := byMeasurement[m]
			seriesStats := core.NewStatistics(chunks[0].DataType)
			for _, cm := range chunks {
				n, err := cm.Serialize(w.buf)
				w.offset += int64(n)
				if err != nil {
					return nil, nil, err
				}
				seriesStats.Merge(cm.Statistics)
			}
			deviceSeries[device] = append(deviceSeries[device], &TimeseriesMetadata{
				MeasurementID:           m,
				DataType:                chunks[0].DataType,
				ChunkMetadataListOffset: listOffset,
				ChunkMetadataListSize:   int32(w.offset - listOffset),
				Statistics:              seriesStats,
			})
			paths = append(paths, core.SeriesPath(device, m))
		}
	}

	// Per device: timeseries metadata runs, then the measurement subtree.
	deviceEntries := make([]MetadataIndexEntry, 0, len(devices))
	deviceEnds := make([]int64, 0, len(devices))
	for _, device := range devices {
		runEntries, runEnds, err := w.writeSeriesRuns(deviceSeries[device], degree)
		if err != nil {
			return nil, nil, err
		}
		entries, ends, err := w.writeIndexLevel(runEntries, runEnds, NodeLeafMeasurement, NodeInternalMeasurement, degree)
		if err != nil {
			return nil, nil, err
		}
		for len(entries) > 1 {
			entries, ends, err = w.writeIndexLevel(entries, ends, NodeInternalMeasurement, NodeInternalMeasurement, degree)
			if err != nil {
				return nil, nil, err
			}
		}
		deviceEntries = append(deviceEntries, MetadataIndexEntry{
			Name:          device,
			Offset:        entries[0].Offset,
			ChildNodeType: NodeInternalMeasurement,
		})
		deviceEnds = append(deviceEnds, ends[0])
	}

	// Device subtree; the root node is returned unserialized and lives in
	// the file metadata.
	rootType := NodeLeafDevice
	entries, ends := deviceEntries, deviceEnds
	for len(entries) > degree {
		var err error
		entries, ends, err = w.writeIndexLevel(entries, ends, rootType, NodeInternalDevice, degree)
		if err != nil {
			return nil, nil, err
		}
		rootType = NodeInternalDevice
	}
	root := &MetadataIndexNode{
		Children:  entries,
		EndOffset: w.offset,
		NodeType:  rootType,
	}
	return root, paths, nil
}

// writeSeriesRuns writes the TimeseriesMetadata records of one device
// contiguously and returns one LEAF_MEASUREMENT entry per run of up to
// degree records, with each run's exact end offset.
func (w *FileWriter) writeSeriesRuns(series []*TimeseriesMetadata, degree int) ([]MetadataIndexEntry, []int64, error) {
	var entries []MetadataIndexEntry
	var ends []int64
	for i, tm := range series {
		if i%degree == 0 {
			entries = append(entries, MetadataIndexEntry{
				Name:          tm.MeasurementID,
				Offset:        w.offset,
				ChildNodeType: NodeLeafMeasurement,
			})
			ends = append(ends, w.offset)
		}
		n, err := tm.Serialize(w.buf)
		w.offset += int64(n)
		if err != nil {
			return nil, nil, err
		}
		ends[len(ends)-1] = w.offset
	}
	return entries, ends, nil
}

// writeIndexLevel groups entries into nodes of the given type and fan-out,
// serializes the nodes, and returns one parent entry per node.
func (w *FileWriter) writeIndexLevel(entries []MetadataIndexEntry, ends []int64, nodeType, parentPtrType NodeType, degree int) ([]MetadataIndexEntry, []int64, error) {
	var parents []MetadataIndexEntry
	var parentEnds []int64
	for i := 0; i < len(entries); i += degree {
		j := i + degree
		if j > len(entries) {
			j = len(entries)
		}
		node := &MetadataIndexNode{
			Children:  entries[i:j],
			EndOffset: ends[j-1],
			NodeType:  nodeType,
		}
		offset := w.offset
		n, err := node.Serialize(w.buf)
		w.offset += int64(n)
		if err != nil {
			return nil, nil, err
		}
		parents = append(parents, MetadataIndexEntry{
			Name:          entries[i].Name,
			Offset:        offset,
			ChildNodeType: parentPtrType,
		})
		parentEnds = append(parentEnds, w.offset)
	}
	return parents, parentEnds, nil
}

// Abort closes the file handle without sealing. The partial file stays on
// disk for self-check based recovery.
func (w *FileWriter) Abort() error {
	if w.closed || w.sealed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
