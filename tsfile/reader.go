package tsfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/INLOpen/granite/core"
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// MaxDegreeOfIndexNode must match the writer's fan-out; it drives the
	// bulk-read cost heuristic.
	MaxDegreeOfIndexNode int
	Logger               *slog.Logger
}

func (o *ReaderOptions) applyDefaults() {
	if o.MaxDegreeOfIndexNode <= 1 {
		o.MaxDegreeOfIndexNode = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Reader is the random-access reader of one sealed data file. Safe for
// concurrent use.
type Reader struct {
	path string
	file *os.File
	size int64
	opts ReaderOptions

	mu               sync.Mutex
	fileMetadataPos  int64
	fileMetadataSize int32
	fileMetadata     *FileMetadata
	closed           bool
}

// OpenReader opens path and locates the file metadata from the tail.
func OpenReader(path string, opts ReaderOptions) (*Reader, error) {
	opts.applyDefaults()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	r := &Reader{path: path, file: file, size: info.Size(), opts: opts}
	if err := r.loadMetadataSize(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// FileSize returns the file size observed at open.
func (r *Reader) FileSize() int64 {
	return r.size
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// readData reads exactly size bytes at pos.
func (r *Reader) readData(pos int64, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative read size %d at %d", ErrCorrupted, size, pos)
	}
	buf := make([]byte, size)
	n, err := r.file.ReadAt(buf, pos)
	if err != nil && (err != io.EOF || int64(n) != size) {
		return nil, fmt.Errorf("%w: read %d bytes at %d of %s: %v", ErrReachEndOfData, size, pos, r.path, err)
	}
	return buf, nil
}

// ReadHeadMagic returns the magic string at the start of the file.
func (r *Reader) ReadHeadMagic() (string, error) {
	buf, err := r.readData(0, int64(len(core.MagicString)))
	return string(buf), err
}

// ReadTailMagic returns the magic string at the end of the file.
func (r *Reader) ReadTailMagic() (string, error) {
	buf, err := r.readData(r.size-int64(len(core.MagicString)), int64(len(core.MagicString)))
	return string(buf), err
}

func (r *Reader) loadMetadataSize() error {
	tail, err := r.ReadTailMagic()
	if err != nil {
		return err
	}
	if tail != core.MagicString {
		return fmt.Errorf("%w: tail magic mismatch in %s", ErrCorrupted, r.path)
	}
	sizeBuf, err := r.readData(r.size-int64(len(core.MagicString))-4, 4)
	if err != nil {
		return err
	}
	r.fileMetadataSize, err = core.ReadInt32(bytes.NewReader(sizeBuf))
	if err != nil {
		return err
	}
	r.fileMetadataPos = r.size - int64(len(core.MagicString)) - 4 - int64(r.fileMetadataSize)
	if r.fileMetadataPos < int64(core.HeaderLength) {
		return fmt.Errorf("%w: metadata position %d before header in %s", ErrCorrupted, r.fileMetadataPos, r.path)
	}
	return nil
}

// FileMetadata reads (and caches) the tail file metadata.
func (r *Reader) FileMetadata() (*FileMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.fileMetadata != nil {
		return r.fileMetadata, nil
	}
	data, err := r.readData(r.fileMetadataPos, int64(r.fileMetadataSize))
	if err != nil {
		return nil, err
	}
	fm, err := DeserializeFileMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("file metadata of %s: %w", r.path, err)
	}
	r.fileMetadata = fm
	return fm, nil
}

// ReadBloomFilter returns the series bloom filter from the file metadata.
func (r *Reader) ReadBloomFilter() (*BloomFilter, error) {
	fm, err := r.FileMetadata()
	if err != nil {
		return nil, err
	}
	return fm.BloomFilter, nil
}

// searchIndex descends from node towards name, following children while
// their declared type matches the internal variant being sought. The entry
// where the types diverge is returned with the end offset of its region.
func (r *Reader) searchIndex(node *MetadataIndexNode, name string, seeking NodeType) (MetadataIndexEntry, int64, error) {
	if len(node.Children) == 0 {
		return MetadataIndexEntry{}, 0, ErrNotFound
	}
	entry, end := node.ChildIndexEntry(name)
	if entry.ChildNodeType != seeking {
		return entry, end, nil
	}
	child, err := r.readIndexNode(entry.Offset, end)
	if err != nil {
		return MetadataIndexEntry{}, 0, err
	}
	return r.searchIndex(child, name, seeking)
}

func (r *Reader) readIndexNode(offset, end int64) (*MetadataIndexNode, error) {
	data, err := r.readData(offset, end-offset)
	if err != nil {
		return nil, err
	}
	node, err := DeserializeMetadataIndexNode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("index node at %d of %s: %w", offset, r.path, err)
	}
	return node, nil
}

// deviceEntry locates the index entry of one device. Returns ErrNotFound
// when the device is absent.
func (r *Reader) deviceEntry(device string) (MetadataIndexEntry, int64, error) {
	fm, err := r.FileMetadata()
	if err != nil {
		return MetadataIndexEntry{}, 0, err
	}
	entry, end, err := r.searchIndex(fm.MetadataIndex, device, NodeInternalDevice)
	if err != nil {
		return MetadataIndexEntry{}, 0, err
	}
	if entry.Name != device {
		return MetadataIndexEntry{}, 0, ErrNotFound
	}
	return entry, end, nil
}

// parseTimeseriesRun deserializes a contiguous run of TimeseriesMetadata
// records occupying exactly [offset, end).
func (r *Reader) parseTimeseriesRun(offset, end int64) ([]*TimeseriesMetadata, error) {
	data, err := r.readData(offset, end-offset)
	if err != nil {
		return nil, err
	}
	br := bytes.NewReader(data)
	var out []*TimeseriesMetadata
	for br.Len() > 0 {
		tm, err := DeserializeTimeseriesMetadata(br)
		if err != nil {
			return nil, fmt.Errorf("timeseries metadata run at %d of %s: %w", offset, r.path, err)
		}
		out = append(out, tm)
	}
	return out, nil
}

// TimeseriesMetadata locates the series summary of (device, measurement).
// Returns (nil, nil) when the path is not in the file.
func (r *Reader) TimeseriesMetadata(device, measurement string) (*TimeseriesMetadata, error) {
	entry, end, err := r.deviceEntry(device)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.timeseriesMetadataFromDeviceEntry(entry, end, measurement)
}

func (r *Reader) timeseriesMetadataFromDeviceEntry(entry MetadataIndexEntry, end int64, measurement string) (*TimeseriesMetadata, error) {
	for entry.ChildNodeType != NodeLeafMeasurement {
		node, err := r.readIndexNode(entry.Offset, end)
		if err != nil {
			return nil, err
		}
		entry, end, err = r.searchIndex(node, measurement, NodeInternalMeasurement)
		if err == ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	run, err := r.parseTimeseriesRun(entry.Offset, end)
	if err != nil {
		return nil, err
	}
	idx := sort.Search(len(run), func(i int) bool { return run[i].MeasurementID >= measurement })
	if idx < len(run) && run[idx].MeasurementID == measurement {
		return run[idx], nil
	}
	return nil, nil
}

// collectTimeseries walks every record run reachable from entry, keeping
// records whose measurement passes the filter (nil filter keeps all).
func (r *Reader) collectTimeseries(entry MetadataIndexEntry, end int64, filter map[string]struct{}, out *[]*TimeseriesMetadata) error {
	if entry.ChildNodeType == NodeLeafMeasurement {
		run, err := r.parseTimeseriesRun(entry.Offset, end)
		if err != nil {
			return err
		}
		for _, tm := range run {
			if filter != nil {
				if _, ok := filter[tm.MeasurementID]; !ok {
					continue
				}
			}
			*out = append(*out, tm)
		}
		return nil
	}
	node, err := r.readIndexNode(entry.Offset, end)
	if err != nil {
		return err
	}
	for i, child := range node.Children {
		childEnd := node.EndOffset
		if i+1 < len(node.Children) {
			childEnd = node.Children[i+1].Offset
		}
		if err := r.collectTimeseries(child, childEnd, filter, out); err != nil {
			return err
		}
	}
	return nil
}

// TimeseriesMetadataOfDevice reads the summaries of many measurements in one
// device. When the measurement count exceeds D/ln(D) (D = index fan-out) it
// traverses every leaf under the device and filters (O(leaves)); otherwise
// it descends once per measurement (O(log D) each).
func (r *Reader) TimeseriesMetadataOfDevice(device string, measurements []string) ([]*TimeseriesMetadata, error) {
	entry, end, err := r.deviceEntry(device)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	degree := float64(r.opts.MaxDegreeOfIndexNode)
	if float64(len(measurements)) > degree/math.Log(degree) {
		filter := make(map[string]struct{}, len(measurements))
		for _, m := range measurements {
			filter[m] = struct{}{}
		}
		var out []*TimeseriesMetadata
		if err := r.collectTimeseries(entry, end, filter, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var out []*TimeseriesMetadata
	for _, m := range measurements {
		tm, err := r.timeseriesMetadataFromDeviceEntry(entry, end, m)
		if err != nil {
			return nil, err
		}
		if tm != nil {
			out = append(out, tm)
		}
	}
	return out, nil
}

// readChunkMetadataOf parses the chunk metadata list referenced by tm and
// applies chunk versions.
func (r *Reader) readChunkMetadataOf(tm *TimeseriesMetadata) ([]*ChunkMetadata, error) {
	fm, err := r.FileMetadata()
	if err != nil {
		return nil, err
	}
	data, err := r.readData(tm.ChunkMetadataListOffset, int64(tm.ChunkMetadataListSize))
	if err != nil {
		return nil, err
	}
	br := bytes.NewReader(data)
	var out []*ChunkMetadata
	for br.Len() > 0 {
		cm, err := DeserializeChunkMetadata(br)
		if err != nil {
			return nil, fmt.Errorf("chunk metadata list of %s: %w", tm.MeasurementID, err)
		}
		out = append(out, cm)
	}
	ApplyVersions(out, fm.VersionInfo)
	return out, nil
}

// ChunkMetadataList returns the chunk metadata of one series sorted by start
// time. An absent path yields an empty list, not an error.
func (r *Reader) ChunkMetadataList(device, measurement string) ([]*ChunkMetadata, error) {
	tm, err := r.TimeseriesMetadata(device, measurement)
	if err != nil {
		return nil, err
	}
	if tm == nil {
		return nil, nil
	}
	out, err := r.readChunkMetadataOf(tm)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime() < out[j].StartTime() })
	return out, nil
}

// ChunkMetadataInDevice returns measurement -> chunk metadata list for every
// series of one device.
func (r *Reader) ChunkMetadataInDevice(device string) (map[string][]*ChunkMetadata, error) {
	entry, end, err := r.deviceEntry(device)
	if err == ErrNotFound {
		return map[string][]*ChunkMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	var series []*TimeseriesMetadata
	if err := r.collectTimeseries(entry, end, nil, &series); err != nil {
		return nil, err
	}
	out := make(map[string][]*ChunkMetadata, len(series))
	for _, tm := range series {
		cms, err := r.readChunkMetadataOf(tm)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(cms, func(i, j int) bool { return cms[i].StartTime() < cms[j].StartTime() })
		out[tm.MeasurementID] = cms
	}
	return out, nil
}

// AllDevices lists every device in the file, sorted.
func (r *Reader) AllDevices() ([]string, error) {
	fm, err := r.FileMetadata()
	if err != nil {
		return nil, err
	}
	var out []string
	if err := r.collectDevices(fm.MetadataIndex, &out); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *Reader) collectDevices(node *MetadataIndexNode, out *[]string) error {
	switch node.NodeType {
	case NodeLeafDevice:
		for _, c := range node.Children {
			*out = append(*out, c.Name)
		}
		return nil
	case NodeInternalDevice:
		for i, c := range node.Children {
			end := node.EndOffset
			if i+1 < len(node.Children) {
				end = node.Children[i+1].Offset
			}
			child, err := r.readIndexNode(c.Offset, end)
			if err != nil {
				return err
			}
			if err := r.collectDevices(child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		// Device level omitted; nothing to enumerate.
		return nil
	}
}

// AllPaths lists every (device, measurement) pair in the file.
func (r *Reader) AllPaths() ([][2]string, error) {
	devices, err := r.AllDevices()
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, d := range devices {
		entry, end, err := r.deviceEntry(d)
		if err != nil {
			return nil, err
		}
		var series []*TimeseriesMetadata
		if err := r.collectTimeseries(entry, end, nil, &series); err != nil {
			return nil, err
		}
		for _, tm := range series {
			out = append(out, [2]string{d, tm.MeasurementID})
		}
	}
	return out, nil
}

// ReadChunk reads and decodes one chunk into time-ordered samples. Tombstone
// filtering is the caller's concern.
func (r *Reader) ReadChunk(cm *ChunkMetadata) ([]core.TimeValuePair, error) {
	sr := io.NewSectionReader(r.file, cm.OffsetOfChunkHeader, r.size-cm.OffsetOfChunkHeader)
	br := bufio.NewReader(sr)
	marker, err := core.ReadByte(br)
	if err != nil {
		return nil, err
	}
	if marker != core.MarkerChunkHeader {
		return nil, fmt.Errorf("%w: expected chunk header marker at %d of %s, got %d",
			ErrCorrupted, cm.OffsetOfChunkHeader, r.path, marker)
	}
	header, err := DeserializeChunkHeader(br)
	if err != nil {
		return nil, err
	}
	data := make([]byte, header.DataSize)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("%w: chunk body at %d of %s: %v", ErrReachEndOfData, cm.OffsetOfChunkHeader, r.path, err)
	}
	return DecodeChunkData(header, data)
}

// ReadRawChunk returns the complete serialized chunk (marker, header,
// pages) plus its parsed header, for byte-exact chunk copies between files.
func (r *Reader) ReadRawChunk(cm *ChunkMetadata) ([]byte, *ChunkHeader, error) {
	sr := io.NewSectionReader(r.file, cm.OffsetOfChunkHeader, r.size-cm.OffsetOfChunkHeader)
	br := bufio.NewReader(sr)
	marker, err := core.ReadByte(br)
	if err != nil {
		return nil, nil, err
	}
	if marker != core.MarkerChunkHeader {
		return nil, nil, fmt.Errorf("%w: expected chunk header marker at %d of %s, got %d",
			ErrCorrupted, cm.OffsetOfChunkHeader, r.path, marker)
	}
	header, err := DeserializeChunkHeader(br)
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if _, err := header.Serialize(&buf); err != nil {
		return nil, nil, err
	}
	headerLen := buf.Len()
	total := int64(headerLen) + int64(header.DataSize)
	raw := make([]byte, total)
	if _, err := r.file.ReadAt(raw, cm.OffsetOfChunkHeader); err != nil {
		return nil, nil, fmt.Errorf("%w: raw chunk at %d of %s: %v", ErrReachEndOfData, cm.OffsetOfChunkHeader, r.path, err)
	}
	return raw, header, nil
}

// FilterDeleted drops samples at or below the tombstone upper bound.
func FilterDeleted(pairs []core.TimeValuePair, deletedAt int64) []core.TimeValuePair {
	if deletedAt == math.MinInt64 {
		return pairs
	}
	out := pairs[:0]
	for _, p := range pairs {
		if p.Timestamp > deletedAt {
			out = append(out, p)
		}
	}
	return out
}
