// Package merge implements the two-phase, crash-recoverable merge of
// sequence and unsequence file populations: candidate selection under a
// memory budget, chunk-level merging with newer-wins semantics, a write-ahead
// merge log, and restart-time recovery or rollback.
package merge

import (
	"math"
	"sort"
	"sync"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/resource"
	"github.com/INLOpen/granite/tsfile"
)

// Resource owns the inputs of one merge: the selected file lists plus the
// readers opened over them.
type Resource struct {
	SeqFiles   []*resource.FileResource
	UnseqFiles []*resource.FileResource

	mu      sync.Mutex
	readers map[string]*tsfile.Reader

	maxDegreeOfIndexNode int
}

func NewResource(seqFiles, unseqFiles []*resource.FileResource, maxDegreeOfIndexNode int) *Resource {
	return &Resource{
		SeqFiles:             seqFiles,
		UnseqFiles:           unseqFiles,
		readers:              make(map[string]*tsfile.Reader),
		maxDegreeOfIndexNode: maxDegreeOfIndexNode,
	}
}

// Reader lazily opens (and caches) the reader of one input file.
func (r *Resource) Reader(res *resource.FileResource) (*tsfile.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, ok := r.readers[res.Path()]; ok {
		return reader, nil
	}
	reader, err := tsfile.OpenReader(res.Path(), tsfile.ReaderOptions{
		MaxDegreeOfIndexNode: r.maxDegreeOfIndexNode,
	})
	if err != nil {
		return nil, err
	}
	r.readers[res.Path()] = reader
	return reader, nil
}

// ChunkMetadata returns the chunk metadata of one series in one input with
// tombstones replayed: wholly deleted chunks are dropped, partially deleted
// ones carry DeletedAt.
func (r *Resource) ChunkMetadata(res *resource.FileResource, device, measurement string) ([]*tsfile.ChunkMetadata, error) {
	reader, err := r.Reader(res)
	if err != nil {
		return nil, err
	}
	chunks, err := reader.ChunkMetadataList(device, measurement)
	if err != nil {
		return nil, err
	}
	mods, err := res.ModFile().Records()
	if err != nil {
		return nil, err
	}
	return ApplyModifications(chunks, mods, device, measurement), nil
}

// ApplyModifications replays tombstone records onto a chunk metadata list.
func ApplyModifications(chunks []*tsfile.ChunkMetadata, mods []resource.Deletion, device, measurement string) []*tsfile.ChunkMetadata {
	if len(mods) == 0 {
		return chunks
	}
	path := core.SeriesPath(device, measurement)
	out := chunks[:0]
	for _, cm := range chunks {
		deletedAt := cm.DeletedAt
		for _, d := range mods {
			if d.Matches(path) && d.FileVersion >= cm.Version && d.UpperBound > deletedAt {
				deletedAt = d.UpperBound
			}
		}
		if deletedAt >= cm.EndTime() {
			continue
		}
		cm.DeletedAt = deletedAt
		out = append(out, cm)
	}
	return out
}

// SeriesUnion enumerates every (device, measurement) present in the inputs,
// devices and measurements sorted. The enumeration is deterministic so the
// recovery path can rebuild the same series indexes the merge log refers to.
func (r *Resource) SeriesUnion() ([][2]string, error) {
	devices := map[string]map[string]struct{}{}
	collect := func(res *resource.FileResource) error {
		reader, err := r.Reader(res)
		if err != nil {
			return err
		}
		paths, err := reader.AllPaths()
		if err != nil {
			return err
		}
		for _, p := range paths {
			if devices[p[0]] == nil {
				devices[p[0]] = map[string]struct{}{}
			}
			devices[p[0]][p[1]] = struct{}{}
		}
		return nil
	}
	for _, res := range r.SeqFiles {
		if err := collect(res); err != nil {
			return nil, err
		}
	}
	for _, res := range r.UnseqFiles {
		if err := collect(res); err != nil {
			return nil, err
		}
	}
	deviceNames := make([]string, 0, len(devices))
	for d := range devices {
		deviceNames = append(deviceNames, d)
	}
	sort.Strings(deviceNames)
	var out [][2]string
	for _, d := range deviceNames {
		measurements := make([]string, 0, len(devices[d]))
		for m := range devices[d] {
			measurements = append(measurements, m)
		}
		sort.Strings(measurements)
		for _, m := range measurements {
			out = append(out, [2]string{d, m})
		}
	}
	return out, nil
}

// MaxVersion returns the largest historical version across the inputs;
// merged chunks carry it so they win timestamp ties against every input.
func (r *Resource) MaxVersion() int64 {
	max := int64(math.MinInt64)
	for _, res := range append(append([]*resource.FileResource{}, r.SeqFiles...), r.UnseqFiles...) {
		if v := res.MaxHistoricalVersion(); v > max {
			max = v
		}
	}
	return max
}

// UnionVersions returns the union of the inputs' historical-version sets.
func (r *Resource) UnionVersions() map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, res := range r.SeqFiles {
		for v := range res.HistoricalVersions() {
			out[v] = struct{}{}
		}
	}
	for _, res := range r.UnseqFiles {
		for v := range res.HistoricalVersions() {
			out[v] = struct{}{}
		}
	}
	return out
}

// CloseReaders releases every reader opened during the merge.
func (r *Resource) CloseReaders() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reader := range r.readers {
		reader.Close()
	}
	r.readers = map[string]*tsfile.Reader{}
}

// DropReader closes and forgets the reader of one path (before the file is
// rewritten or removed).
func (r *Resource) DropReader(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, ok := r.readers[path]; ok {
		reader.Close()
		delete(r.readers, path)
	}
}
