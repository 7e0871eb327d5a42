package tsfile

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/INLOpen/granite/core"
)

// ChunkMetadata locates and summarizes one chunk inside a file.
// Version and DeletedAt are runtime-only: Version comes from the VERSION
// records of the data section, DeletedAt from the modification file.
type ChunkMetadata struct {
	MeasurementID       string
	DataType            core.DataType
	OffsetOfChunkHeader int64
	Statistics          *core.Statistics

	Version   int64
	DeletedAt int64
}

func (cm *ChunkMetadata) StartTime() int64 {
	return cm.Statistics.StartTime
}

func (cm *ChunkMetadata) EndTime() int64 {
	return cm.Statistics.EndTime
}

func (cm *ChunkMetadata) Serialize(w io.Writer) (int, error) {
	total, err := core.WriteString(w, cm.MeasurementID)
	if err != nil {
		return total, err
	}
	n, err := core.WriteByte(w, byte(cm.DataType))
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteInt64(w, cm.OffsetOfChunkHeader)
	total += n
	if err != nil {
		return total, err
	}
	n, err = cm.Statistics.Serialize(w)
	return total + n, err
}

func DeserializeChunkMetadata(r io.Reader) (*ChunkMetadata, error) {
	cm := &ChunkMetadata{DeletedAt: math.MinInt64}
	var err error
	if cm.MeasurementID, err = core.ReadString(r); err != nil {
		return nil, err
	}
	dt, err := core.ReadByte(r)
	if err != nil {
		return nil, err
	}
	cm.DataType = core.DataType(dt)
	if !cm.DataType.Valid() {
		return nil, fmt.Errorf("%w: bad data type %d in chunk metadata", ErrCorrupted, dt)
	}
	if cm.OffsetOfChunkHeader, err = core.ReadInt64(r); err != nil {
		return nil, err
	}
	if cm.Statistics, err = core.DeserializeStatistics(r, cm.DataType); err != nil {
		return nil, err
	}
	return cm, nil
}

// TimeseriesMetadata summarizes one series in a file and points at its
// contiguous chunk-metadata list.
type TimeseriesMetadata struct {
	MeasurementID           string
	DataType                core.DataType
	ChunkMetadataListOffset int64
	ChunkMetadataListSize   int32
	Statistics              *core.Statistics
}

func (tm *TimeseriesMetadata) Serialize(w io.Writer) (int, error) {
	total, err := core.WriteString(w, tm.MeasurementID)
	if err != nil {
		return total, err
	}
	n, err := core.WriteByte(w, byte(tm.DataType))
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteInt64(w, tm.ChunkMetadataListOffset)
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteInt32(w, tm.ChunkMetadataListSize)
	total += n
	if err != nil {
		return total, err
	}
	n, err = tm.Statistics.Serialize(w)
	return total + n, err
}

func DeserializeTimeseriesMetadata(r io.Reader) (*TimeseriesMetadata, error) {
	tm := &TimeseriesMetadata{}
	var err error
	if tm.MeasurementID, err = core.ReadString(r); err != nil {
		return nil, err
	}
	dt, err := core.ReadByte(r)
	if err != nil {
		return nil, err
	}
	tm.DataType = core.DataType(dt)
	if !tm.DataType.Valid() {
		return nil, fmt.Errorf("%w: bad data type %d in timeseries metadata", ErrCorrupted, dt)
	}
	if tm.ChunkMetadataListOffset, err = core.ReadInt64(r); err != nil {
		return nil, err
	}
	if tm.ChunkMetadataListSize, err = core.ReadInt32(r); err != nil {
		return nil, err
	}
	if tm.Statistics, err = core.DeserializeStatistics(r, tm.DataType); err != nil {
		return nil, err
	}
	return tm, nil
}

// MetadataIndexEntry points at a child node or, for LEAF_MEASUREMENT
// entries, at a run of TimeseriesMetadata records.
type MetadataIndexEntry struct {
	Name          string
	Offset        int64
	ChildNodeType NodeType
}

// MetadataIndexNode is one node of the device→measurement index tree.
// EndOffset bounds the byte region covered by the node's last child.
type MetadataIndexNode struct {
	Children  []MetadataIndexEntry
	EndOffset int64
	NodeType  NodeType
}

func (n *MetadataIndexNode) Serialize(w io.Writer) (int, error) {
	total, err := core.WriteInt32(w, int32(len(n.Children)))
	if err != nil {
		return total, err
	}
	for _, c := range n.Children {
		m, err := core.WriteString(w, c.Name)
		total += m
		if err != nil {
			return total, err
		}
		m, err = core.WriteInt64(w, c.Offset)
		total += m
		if err != nil {
			return total, err
		}
		m, err = core.WriteByte(w, byte(c.ChildNodeType))
		total += m
		if err != nil {
			return total, err
		}
	}
	m, err := core.WriteInt64(w, n.EndOffset)
	total += m
	if err != nil {
		return total, err
	}
	m, err = core.WriteByte(w, byte(n.NodeType))
	return total + m, err
}

func DeserializeMetadataIndexNode(r io.Reader) (*MetadataIndexNode, error) {
	count, err := core.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative index node child count", ErrCorrupted)
	}
	node := &MetadataIndexNode{Children: make([]MetadataIndexEntry, 0, count)}
	for i := int32(0); i < count; i++ {
		var e MetadataIndexEntry
		if e.Name, err = core.ReadString(r); err != nil {
			return nil, err
		}
		if e.Offset, err = core.ReadInt64(r); err != nil {
			return nil, err
		}
		t, err := core.ReadByte(r)
		if err != nil {
			return nil, err
		}
		e.ChildNodeType = NodeType(t)
		node.Children = append(node.Children, e)
	}
	if node.EndOffset, err = core.ReadInt64(r); err != nil {
		return nil, err
	}
	t, err := core.ReadByte(r)
	if err != nil {
		return nil, err
	}
	node.NodeType = NodeType(t)
	return node, nil
}

// ChildIndexEntry binary-searches for the greatest child whose name is <= name
// and returns it with the end offset of its region (the next sibling's offset,
// or the node's end offset for the last child).
func (n *MetadataIndexNode) ChildIndexEntry(name string) (MetadataIndexEntry, int64) {
	idx := sort.Search(len(n.Children), func(i int) bool {
		return n.Children[i].Name > name
	}) - 1
	if idx < 0 {
		idx = 0
	}
	end := n.EndOffset
	if idx+1 < len(n.Children) {
		end = n.Children[idx+1].Offset
	}
	return n.Children[idx], end
}

// FileMetadata is the tail structure of a sealed file: the index root, the
// chunk version map and the series bloom filter.
type FileMetadata struct {
	MetadataIndex *MetadataIndexNode
	VersionInfo   []VersionPair
	BloomFilter   *BloomFilter
}

func (fm *FileMetadata) Serialize(w io.Writer) (int, error) {
	total, err := fm.MetadataIndex.Serialize(w)
	if err != nil {
		return total, err
	}
	n, err := core.WriteInt32(w, int32(len(fm.VersionInfo)))
	total += n
	if err != nil {
		return total, err
	}
	for _, vp := range fm.VersionInfo {
		n, err = core.WriteInt64(w, vp.EndPosition)
		total += n
		if err != nil {
			return total, err
		}
		n, err = core.WriteInt64(w, vp.Version)
		total += n
		if err != nil {
			return total, err
		}
	}
	n, err = fm.BloomFilter.Serialize(w)
	return total + n, err
}

func DeserializeFileMetadata(data []byte) (*FileMetadata, error) {
	r := bytes.NewReader(data)
	fm := &FileMetadata{}
	var err error
	if fm.MetadataIndex, err = DeserializeMetadataIndexNode(r); err != nil {
		return nil, fmt.Errorf("file metadata index: %w", err)
	}
	count, err := core.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < count; i++ {
		var vp VersionPair
		if vp.EndPosition, err = core.ReadInt64(r); err != nil {
			return nil, err
		}
		if vp.Version, err = core.ReadInt64(r); err != nil {
			return nil, err
		}
		fm.VersionInfo = append(fm.VersionInfo, vp)
	}
	if fm.BloomFilter, err = DeserializeBloomFilter(r); err != nil {
		return nil, fmt.Errorf("file metadata bloom filter: %w", err)
	}
	return fm, nil
}
