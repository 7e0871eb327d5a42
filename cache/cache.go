// Package cache holds the chunk-metadata cache shielding repeated metadata
// index traversals. One bounded LRU per engine, keyed by
// "{file-path}{sep}{device}{measurement}".
package cache

import (
	"container/list"
	"expvar"
	"log/slog"
	"strings"
	"sync"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/tsfile"
)

// resampleInterval is how many inserts pass between re-measuring the
// average chunk-metadata entry size.
const resampleInterval = 100_000

// sampleTarget is how many initial inserts are measured exactly to seed the
// average entry size.
const sampleTarget = 10

type cacheEntry struct {
	key   string
	value []*tsfile.ChunkMetadata
	size  int64
}

// ChunkMetadataCache is a byte-bounded LRU of chunk-metadata lists. With a
// zero budget the cache is disabled: every call goes to disk, but the file's
// bloom filter is still consulted first so absent series never touch the
// metadata index.
type ChunkMetadataCache struct {
	mu       sync.RWMutex
	capacity int64
	used     int64
	lruList  *list.List
	items    map[string]*list.Element
	logger   *slog.Logger

	// Entry sizes are estimated: the first sampleTarget inserted values are
	// measured to derive an average per-chunk-metadata byte size; afterwards
	// size = keyBytes + average*listSize, re-sampled every resampleInterval
	// inserts.
	sampleCount  int64
	insertCount  int64
	avgChunkSize int64

	hits   *expvar.Int
	misses *expvar.Int
}

func NewChunkMetadataCache(capacityBytes int64, logger *slog.Logger) *ChunkMetadataCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkMetadataCache{
		capacity: capacityBytes,
		lruList:  list.New(),
		items:    make(map[string]*list.Element),
		logger:   logger,
	}
}

// SetMetrics attaches hit/miss counters.
func (c *ChunkMetadataCache) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

func (c *ChunkMetadataCache) enabled() bool {
	return c.capacity > 0
}

func key(filePath, device, measurement string) string {
	return filePath + core.PathSeparator + device + measurement
}

// loadFromFile consults the bloom filter, then walks the metadata index.
func loadFromFile(reader *tsfile.Reader, device, measurement string) ([]*tsfile.ChunkMetadata, error) {
	bloom, err := reader.ReadBloomFilter()
	if err != nil {
		return nil, err
	}
	if bloom != nil && !bloom.Contains(core.SeriesPath(device, measurement)) {
		return nil, nil
	}
	return reader.ChunkMetadataList(device, measurement)
}

// Get returns the chunk-metadata list of one series in one file. The result
// is a fresh copy: readers mutate Version/DeletedAt per query.
func (c *ChunkMetadataCache) Get(reader *tsfile.Reader, device, measurement string) ([]*tsfile.ChunkMetadata, error) {
	if !c.enabled() {
		list, err := loadFromFile(reader, device, measurement)
		if err != nil {
			return nil, err
		}
		return copyList(list), nil
	}

	k := key(reader.Path(), device, measurement)

	c.mu.RLock()
	if elem, ok := c.items[k]; ok {
		value := elem.Value.(*cacheEntry).value
		c.mu.RUnlock()
		c.recordHit(k)
		c.touch(k)
		return copyList(value), nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the exclusive lock: another reader may have filled the
	// entry while we upgraded.
	if elem, ok := c.items[k]; ok {
		c.lruList.MoveToFront(elem)
		if c.hits != nil {
			c.hits.Add(1)
		}
		return copyList(elem.Value.(*cacheEntry).value), nil
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	value, err := loadFromFile(reader, device, measurement)
	if err != nil {
		return nil, err
	}
	c.putLocked(k, value)
	return copyList(value), nil
}

func (c *ChunkMetadataCache) recordHit(string) {
	if c.hits != nil {
		c.hits.Add(1)
	}
}

func (c *ChunkMetadataCache) touch(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[k]; ok {
		c.lruList.MoveToFront(elem)
	}
}

func (c *ChunkMetadataCache) putLocked(k string, value []*tsfile.ChunkMetadata) {
	c.insertCount++
	size := c.estimateSizeLocked(k, value)
	entry := &cacheEntry{key: k, value: value, size: size}
	elem := c.lruList.PushFront(entry)
	c.items[k] = elem
	c.used += size
	for c.used > c.capacity && c.lruList.Len() > 1 {
		c.evictLocked()
	}
}

func (c *ChunkMetadataCache) evictLocked() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	c.lruList.Remove(back)
	delete(c.items, entry.key)
	c.used -= entry.size
}

// estimateSizeLocked implements the sampling size model.
func (c *ChunkMetadataCache) estimateSizeLocked(k string, value []*tsfile.ChunkMetadata) int64 {
	if len(value) == 0 {
		return int64(len(k)) + c.avgChunkSize*int64(len(value))
	}
	resample := c.sampleCount < sampleTarget || c.insertCount%resampleInterval == 0
	if resample {
		measured := measureChunkMetadata(value[0])
		c.avgChunkSize = (c.avgChunkSize*c.sampleCount + measured) / (c.sampleCount + 1)
		if c.sampleCount < sampleTarget {
			c.sampleCount++
		}
	}
	return int64(len(k)) + c.avgChunkSize*int64(len(value))
}

// measureChunkMetadata approximates the heap footprint of one record.
func measureChunkMetadata(cm *tsfile.ChunkMetadata) int64 {
	size := int64(len(cm.MeasurementID)) + 1 + 8 + 8 + 8 // id, type, offset, version, deletedAt
	if cm.Statistics != nil {
		size += 3*8 + 8 // count, time range, sum
		for _, v := range []interface{}{cm.Statistics.MinValue, cm.Statistics.MaxValue,
			cm.Statistics.FirstValue, cm.Statistics.LastValue} {
			size += core.ValueSize(cm.Statistics.DataType, v)
		}
	}
	return size
}

func copyList(value []*tsfile.ChunkMetadata) []*tsfile.ChunkMetadata {
	out := make([]*tsfile.ChunkMetadata, len(value))
	for i, cm := range value {
		cp := *cm
		out[i] = &cp
	}
	return out
}

// Remove drops every entry of one file; called when a file is deleted or
// replaced by a merge.
func (c *ChunkMetadataCache) Remove(filePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := filePath + core.PathSeparator
	for k, elem := range c.items {
		if strings.HasPrefix(k, prefix) {
			entry := elem.Value.(*cacheEntry)
			c.lruList.Remove(elem)
			delete(c.items, k)
			c.used -= entry.size
		}
	}
}

// Clear drops everything.
func (c *ChunkMetadataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lruList.Init()
	c.items = make(map[string]*list.Element)
	c.used = 0
}

// Len returns the number of cached lists.
func (c *ChunkMetadataCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lruList.Len()
}
