package resource

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/memtable"
	"github.com/INLOpen/granite/tsfile"
)

const (
	// ResourceSuffix names the side-car beside each data file.
	ResourceSuffix = ".resource"
	// ClosingSuffix names the zero-byte flag present while a file is in the
	// flush-to-seal transition.
	ClosingSuffix = ".closing"
)

// FileResource is the side-car descriptor of one data file: per-device time
// bounds, the merge-lineage fingerprint (historical versions), the tombstone
// file handle, lifecycle flags and the per-file write/query lock.
type FileResource struct {
	path string

	// wq is the writeQueryLock: queries hold it shared for the lifetime of
	// their iterators; flush end, close and merge swap hold it exclusive.
	wq sync.RWMutex

	// mu guards the maps, the version set and the flags.
	mu                 sync.RWMutex
	startTimes         map[string]int64
	endTimes           map[string]int64
	historicalVersions map[int64]struct{}
	closed             bool
	deleted            bool
	merging            bool

	modMu   sync.Mutex
	modFile *ModificationFile

	// Query-time attachments of an unsealed file; set only on the temporal
	// copies handed to a query plan, never on the canonical resource.
	ReadOnlyMemChunks []*memtable.ReadOnlyMemChunk
	ChunkMetadataList []*tsfile.ChunkMetadata
}

// NewFileResource describes a sealed (or about to be recovered) file.
func NewFileResource(path string) *FileResource {
	return &FileResource{
		path:               path,
		startTimes:         make(map[string]int64),
		endTimes:           make(map[string]int64),
		historicalVersions: make(map[int64]struct{}),
	}
}

// QueryView returns a temporal copy of the resource carrying the in-memory
// chunks and visible chunk metadata of an unsealed file. The copy shares the
// write/query lock state conceptually but is read-only; holders must keep
// the canonical resource read-locked.
func (r *FileResource) QueryView(memChunks []*memtable.ReadOnlyMemChunk, chunkMeta []*tsfile.ChunkMetadata) *FileResource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := NewFileResource(r.path)
	for d, t := range r.startTimes {
		view.startTimes[d] = t
	}
	for d, t := range r.endTimes {
		view.endTimes[d] = t
	}
	for v := range r.historicalVersions {
		view.historicalVersions[v] = struct{}{}
	}
	view.closed = r.closed
	view.ReadOnlyMemChunks = memChunks
	view.ChunkMetadataList = chunkMeta
	return view
}

func (r *FileResource) Path() string {
	return r.path
}

// SetPath renames the descriptor after a merge swap.
func (r *FileResource) SetPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = path
}

// ReadLock acquires the write/query lock shared.
func (r *FileResource) ReadLock() { r.wq.RLock() }

// ReadUnlock releases the shared write/query lock.
func (r *FileResource) ReadUnlock() { r.wq.RUnlock() }

// WriteLock acquires the write/query lock exclusive.
func (r *FileResource) WriteLock() { r.wq.Lock() }

// WriteUnlock releases the exclusive write/query lock.
func (r *FileResource) WriteUnlock() { r.wq.Unlock() }

// UpdateStartTime lowers the start time of a device; it never raises it.
func (r *FileResource) UpdateStartTime(device string, t int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.startTimes[device]; !ok || t < cur {
		r.startTimes[device] = t
	}
}

// UpdateEndTime raises the end time of a device; it never lowers it.
func (r *FileResource) UpdateEndTime(device string, t int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.endTimes[device]; !ok || t > cur {
		r.endTimes[device] = t
	}
}

// ForceUpdateEndTime overwrites the end time of a device.
func (r *FileResource) ForceUpdateEndTime(device string, t int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endTimes[device] = t
}

// StartTime returns the recorded start time of a device.
func (r *FileResource) StartTime(device string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.startTimes[device]
	return t, ok
}

// EndTime returns the recorded end time of a device. Unsealed sequence
// files have no end time until sealed.
func (r *FileResource) EndTime(device string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.endTimes[device]
	return t, ok
}

// ContainsDevice reports whether the file holds any data of a device.
func (r *FileResource) ContainsDevice(device string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.startTimes[device]
	return ok
}

// Devices lists the devices recorded in the side-car.
func (r *FileResource) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.startTimes))
	for d := range r.startTimes {
		out = append(out, d)
	}
	return out
}

// StillLives reports whether any device's end time reaches the TTL horizon.
func (r *FileResource) StillLives(timeLowerBound int64) bool {
	if timeLowerBound == math.MaxInt64 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, end := range r.endTimes {
		if end >= timeLowerBound {
			return true
		}
	}
	return false
}

// Overlaps reports whether the device's recorded range intersects
// [startTime, endTime]. An unsealed file with no end time extends to the
// memtable and is treated as unbounded above.
func (r *FileResource) Overlaps(device string, startTime, endTime int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start, ok := r.startTimes[device]
	if !ok {
		return false
	}
	if start > endTime {
		return false
	}
	end, ok := r.endTimes[device]
	if !ok {
		return true
	}
	return end >= startTime
}

// HistoricalVersions returns a copy of the merge-lineage fingerprint.
func (r *FileResource) HistoricalVersions() map[int64]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]struct{}, len(r.historicalVersions))
	for v := range r.historicalVersions {
		out[v] = struct{}{}
	}
	return out
}

// MaxHistoricalVersion returns the largest version in the fingerprint.
func (r *FileResource) MaxHistoricalVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := int64(math.MinInt64)
	for v := range r.historicalVersions {
		if v > max {
			max = v
		}
	}
	return max
}

// SetHistoricalVersions replaces the fingerprint (fresh flush: a singleton).
func (r *FileResource) SetHistoricalVersions(versions map[int64]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historicalVersions = make(map[int64]struct{}, len(versions))
	for v := range versions {
		r.historicalVersions[v] = struct{}{}
	}
}

// AddHistoricalVersions unions more versions in (merge lineage growth).
func (r *FileResource) AddHistoricalVersions(versions map[int64]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for v := range versions {
		r.historicalVersions[v] = struct{}{}
	}
}

func (r *FileResource) IsClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *FileResource) SetClosed(closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = closed
}

func (r *FileResource) IsDeleted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleted
}

func (r *FileResource) SetDeleted(deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = deleted
}

func (r *FileResource) IsMerging() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.merging
}

func (r *FileResource) SetMerging(merging bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merging = merging
}

// ModFile lazily opens the modification file beside the data file.
func (r *FileResource) ModFile() *ModificationFile {
	r.modMu.Lock()
	defer r.modMu.Unlock()
	if r.modFile == nil {
		r.modFile = NewModificationFile(r.Path() + ModsSuffix)
	}
	return r.modFile
}

// FileSize returns the on-disk size of the data file.
func (r *FileResource) FileSize() (int64, error) {
	info, err := os.Stat(r.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Version returns the flush version embedded in the file name.
func (r *FileResource) Version() (int64, error) {
	_, version, _, err := ParseDataFileName(filepath.Base(r.Path()))
	return version, err
}

// Serialize persists the side-car through write-temp-then-rename.
func (r *FileResource) Serialize() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tempPath := r.path + ResourceSuffix + core.TempFileSuffix
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create resource temp %s: %w", tempPath, err)
	}
	w := bufio.NewWriter(file)
	writeMap := func(m map[string]int64) error {
		if _, err := core.WriteInt32(w, int32(len(m))); err != nil {
			return err
		}
		for d, t := range m {
			if _, err := core.WriteString(w, d); err != nil {
				return err
			}
			if _, err := core.WriteInt64(w, t); err != nil {
				return err
			}
		}
		return nil
	}
	err = func() error {
		if err := writeMap(r.startTimes); err != nil {
			return err
		}
		if err := writeMap(r.endTimes); err != nil {
			return err
		}
		if _, err := core.WriteInt32(w, int32(len(r.historicalVersions))); err != nil {
			return err
		}
		for v := range r.historicalVersions {
			if _, err := core.WriteInt64(w, v); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return file.Sync()
	}()
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write resource %s: %w", tempPath, err)
	}
	return os.Rename(tempPath, r.path+ResourceSuffix)
}

// Deserialize loads the side-car. A side-car without a version section (old
// layout) recovers the version from the file name.
func (r *FileResource) Deserialize() error {
	file, err := os.Open(r.Path() + ResourceSuffix)
	if err != nil {
		return err
	}
	defer file.Close()
	br := bufio.NewReader(file)
	readMap := func() (map[string]int64, error) {
		count, err := core.ReadInt32(br)
		if err != nil {
			return nil, err
		}
		m := make(map[string]int64, count)
		for i := int32(0); i < count; i++ {
			d, err := core.ReadString(br)
			if err != nil {
				return nil, err
			}
			t, err := core.ReadInt64(br)
			if err != nil {
				return nil, err
			}
			m[d] = t
		}
		return m, nil
	}
	startTimes, err := readMap()
	if err != nil {
		return fmt.Errorf("resource %s start times: %w", r.Path(), err)
	}
	endTimes, err := readMap()
	if err != nil {
		return fmt.Errorf("resource %s end times: %w", r.Path(), err)
	}
	versions := make(map[int64]struct{})
	if count, err := core.ReadInt32(br); err == nil {
		for i := int32(0); i < count; i++ {
			v, err := core.ReadInt64(br)
			if err != nil {
				return fmt.Errorf("resource %s versions: %w", r.Path(), err)
			}
			versions[v] = struct{}{}
		}
	} else {
		version, nameErr := r.Version()
		if nameErr != nil {
			return fmt.Errorf("resource %s has no version section and unparsable name: %w", r.Path(), nameErr)
		}
		versions[version] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTimes = startTimes
	r.endTimes = endTimes
	r.historicalVersions = versions
	return nil
}

// ResourceFileExists reports whether the side-car is on disk.
func (r *FileResource) ResourceFileExists() bool {
	_, err := os.Stat(r.Path() + ResourceSuffix)
	return err == nil
}

// SetCloseFlag creates the .closing marker for the flush-to-seal window.
func (r *FileResource) SetCloseFlag() error {
	f, err := os.OpenFile(r.Path()+ClosingSuffix, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// CleanCloseFlag removes the .closing marker after a successful seal.
func (r *FileResource) CleanCloseFlag() error {
	if err := os.Remove(r.Path() + ClosingSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CloseFlagSet reports whether the .closing marker is present.
func (r *FileResource) CloseFlagSet() bool {
	_, err := os.Stat(r.Path() + ClosingSuffix)
	return err == nil
}

// Close marks the resource sealed and releases the modification handle.
func (r *FileResource) Close() error {
	r.SetClosed(true)
	r.modMu.Lock()
	defer r.modMu.Unlock()
	if r.modFile != nil {
		return r.modFile.Close()
	}
	return nil
}

// Remove deletes the data file, the side-car and the modification file.
func (r *FileResource) Remove() error {
	r.SetDeleted(true)
	if err := os.Remove(r.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(r.Path() + ResourceSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return r.ModFile().Remove()
}

// TimePartition derives the file's partition from any recorded start time,
// falling back to the partition directory in the path.
func (r *FileResource) TimePartition(partitionInterval int64) (int64, error) {
	r.mu.RLock()
	for _, t := range r.startTimes {
		r.mu.RUnlock()
		return core.TimePartition(t, partitionInterval), nil
	}
	r.mu.RUnlock()
	// Data files live in <partition>/seq/ or <partition>/unseq/.
	dir := filepath.Base(filepath.Dir(filepath.Dir(r.Path())))
	partition, err := strconv.ParseInt(dir, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot derive partition of %s: %w", r.Path(), err)
	}
	return partition, nil
}

// TimePartitionWithCheck verifies that every recorded time of the file falls
// into one partition, for files loaded from outside the engine.
func (r *FileResource) TimePartitionWithCheck(partitionInterval int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	partition := int64(-1)
	check := func(t int64) error {
		p := core.TimePartition(t, partitionInterval)
		if partition == -1 {
			partition = p
			return nil
		}
		if partition != p {
			return &core.PartitionViolationError{Path: r.path}
		}
		return nil
	}
	for _, t := range r.startTimes {
		if err := check(t); err != nil {
			return 0, err
		}
	}
	for _, t := range r.endTimes {
		if err := check(t); err != nil {
			return 0, err
		}
	}
	if partition == -1 {
		return 0, &core.PartitionViolationError{Path: r.path}
	}
	return partition, nil
}
