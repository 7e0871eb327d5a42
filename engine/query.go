package engine

import (
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/merge"
	"github.com/INLOpen/granite/resource"
	"github.com/INLOpen/granite/tsfile"
)

// TimeFilter restricts a query to [StartTime, EndTime].
type TimeFilter struct {
	StartTime int64
	EndTime   int64
}

func (f *TimeFilter) bounds() (int64, int64) {
	if f == nil {
		return math.MinInt64, math.MaxInt64
	}
	return f.StartTime, f.EndTime
}

// QueryDataSource is the snapshot a query scans: sequence resources in time
// order, unsequence resources in any order. Unsealed resources are temporal
// views carrying their memtable snapshots and visible chunk metadata. Each
// underlying resource stays read-locked until Close.
type QueryDataSource struct {
	SeqResources   []*resource.FileResource
	UnseqResources []*resource.FileResource

	once   sync.Once
	locked []*resource.FileResource
}

// Close releases the read locks; the data source must not be used after.
func (q *QueryDataSource) Close() {
	q.once.Do(func() {
		for _, res := range q.locked {
			res.ReadUnlock()
		}
		q.locked = nil
	})
}

// readerManager caches open readers of sealed files, one per path.
type readerManager struct {
	mu        sync.Mutex
	readers   map[string]*tsfile.Reader
	maxDegree int
}

func newReaderManager(maxDegree int) *readerManager {
	return &readerManager{readers: map[string]*tsfile.Reader{}, maxDegree: maxDegree}
}

func (rm *readerManager) get(path string) (*tsfile.Reader, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if r, ok := rm.readers[path]; ok {
		return r, nil
	}
	r, err := tsfile.OpenReader(path, tsfile.ReaderOptions{MaxDegreeOfIndexNode: rm.maxDegree})
	if err != nil {
		return nil, err
	}
	rm.readers[path] = r
	return r, nil
}

func (rm *readerManager) drop(path string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if r, ok := rm.readers[path]; ok {
		r.Close()
		delete(rm.readers, path)
	}
}

func (rm *readerManager) closeAll() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, r := range rm.readers {
		r.Close()
	}
	rm.readers = map[string]*tsfile.Reader{}
}

// Query assembles the snapshot for one series: overlapping sequence
// resources sorted by partition and file version, unsequence resources, each read-locked
// for the lifetime of the returned data source.
func (p *StorageGroupProcessor) Query(device, measurement string, filter *TimeFilter) (*QueryDataSource, error) {
	start, end := filter.bounds()
	p.mu.RLock()
	defer p.mu.RUnlock()

	q := &QueryDataSource{}
	appendResource := func(res *resource.FileResource, out *[]*resource.FileResource) error {
		if res.IsDeleted() {
			return nil
		}
		if !res.ContainsDevice(device) {
			return nil
		}
		if !res.Overlaps(device, start, end) {
			return nil
		}
		res.ReadLock()
		q.locked = append(q.locked, res)
		if res.IsClosed() {
			*out = append(*out, res)
			return nil
		}
		fp, ok := p.processors[res.Path()]
		if !ok {
			// Sealed concurrently; use the canonical resource.
			*out = append(*out, res)
			return nil
		}
		memChunks, chunkMeta, err := fp.Query(device, measurement)
		if err != nil {
			return err
		}
		*out = append(*out, res.QueryView(memChunks, chunkMeta))
		return nil
	}

	for _, res := range p.seqFiles {
		if err := appendResource(res, &q.SeqResources); err != nil {
			q.Close()
			if p.cfg.SkipFailedScan {
				p.logger.Warn("skipping failing file resource", "path", res.Path(), "error", err)
				continue
			}
			return nil, err
		}
	}
	for _, res := range p.unseqFiles {
		if err := appendResource(res, &q.UnseqResources); err != nil {
			q.Close()
			if p.cfg.SkipFailedScan {
				p.logger.Warn("skipping failing file resource", "path", res.Path(), "error", err)
				continue
			}
			return nil, err
		}
	}
	return q, nil
}

// ChunkMetadata returns the sealed-chunk metadata of one series in one
// query resource, through the metadata cache, with tombstones replayed.
// Unsealed views answer from the metadata captured at plan time.
func (p *StorageGroupProcessor) ChunkMetadata(res *resource.FileResource, device, measurement string) ([]*tsfile.ChunkMetadata, error) {
	if !res.IsClosed() {
		return res.ChunkMetadataList, nil
	}
	reader, err := p.readers.get(res.Path())
	if err != nil {
		return nil, err
	}
	chunks, err := p.metaCache.Get(reader, device, measurement)
	if err != nil {
		return nil, err
	}
	mods, err := res.ModFile().Records()
	if err != nil {
		return nil, err
	}
	return merge.ApplyModifications(chunks, mods, device, measurement), nil
}

// ReadChunk decodes one sealed chunk of a query resource, dropping
// tombstoned samples. Readers merge the result against other chunks with
// newer-wins on timestamp ties using cm.Version.
func (p *StorageGroupProcessor) ReadChunk(res *resource.FileResource, cm *tsfile.ChunkMetadata) ([]core.TimeValuePair, error) {
	reader, err := p.readers.get(res.Path())
	if err != nil {
		return nil, err
	}
	pairs, err := reader.ReadChunk(cm)
	if err != nil {
		return nil, err
	}
	return tsfile.FilterDeleted(pairs, cm.DeletedAt), nil
}

// sortSeqResources keeps sequence files ordered by partition, then by the
// version embedded in their names.
func sortSeqResources(files []*resource.FileResource) {
	sort.SliceStable(files, func(i, j int) bool {
		// Data files live in <dataDir>/<group>/<partition>/seq/.
		pi, errpi := strconv.ParseInt(filepath.Base(filepath.Dir(filepath.Dir(files[i].Path()))), 10, 64)
		pj, errpj := strconv.ParseInt(filepath.Base(filepath.Dir(filepath.Dir(files[j].Path()))), 10, 64)
		if errpi == nil && errpj == nil && pi != pj {
			return pi < pj
		}
		_, vi, _, erri := resource.ParseDataFileName(baseName(files[i].Path()))
		_, vj, _, errj := resource.ParseDataFileName(baseName(files[j].Path()))
		if erri != nil || errj != nil {
			return files[i].Path() < files[j].Path()
		}
		return vi < vj
	})
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
